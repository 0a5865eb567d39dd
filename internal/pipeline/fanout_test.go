package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callsight-ai/callsight/internal/stt"
)

type fakeTranscriber struct {
	mu      sync.Mutex
	calls   int
	results map[string]*stt.VerboseResult
	fail    map[string]bool

	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req stt.Request) (*stt.VerboseResult, error) {
	cur := f.inflight.Add(1)
	for {
		max := f.maxInflight.Load()
		if cur <= max || f.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	f.inflight.Add(-1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[req.Path] {
		return nil, errors.New("upstream unavailable")
	}
	if r, ok := f.results[req.Path]; ok {
		return r, nil
	}
	return &stt.VerboseResult{Segments: []stt.Segment{
		{Start: 0, End: 1, Text: "ok"},
	}}, nil
}

func TestFanout_RebasesTimestamps(t *testing.T) {
	ft := &fakeTranscriber{results: map[string]*stt.VerboseResult{
		"b.wav": {Segments: []stt.Segment{
			{Start: 0.5, End: 2.0, Text: "second chunk"},
		}},
	}}
	f := NewFanout(ft, 2)

	chunks := []Chunk{
		{ChunkID: 0, FilePath: "a.wav", StartSec: 0, EndSec: 30, SpeakerID: SpeakerLeft},
		{ChunkID: 1, FilePath: "b.wav", StartSec: 30, EndSec: 60, SpeakerID: SpeakerLeft},
	}
	got, err := f.Transcribe(context.Background(), chunks, "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	var rebased *SpeakerSegment
	for i := range got {
		if got[i].Text == "second chunk" {
			rebased = &got[i]
		}
	}
	if rebased == nil {
		t.Fatalf("second chunk segment missing: %+v", got)
	}
	if rebased.StartSec != 30.5 || rebased.EndSec != 32.0 {
		t.Errorf("rebased span [%v, %v], want [30.5, 32]", rebased.StartSec, rebased.EndSec)
	}
}

func TestFanout_SortedBySegmentStart(t *testing.T) {
	ft := &fakeTranscriber{}
	f := NewFanout(ft, 4)

	var chunks []Chunk
	for i := 0; i < 8; i++ {
		chunks = append(chunks, Chunk{
			ChunkID:  i,
			FilePath: "c.wav",
			StartSec: float64(i * 30), EndSec: float64((i + 1) * 30),
			SpeakerID: SpeakerLeft,
		})
	}
	got, err := f.Transcribe(context.Background(), chunks, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartSec < got[i-1].StartSec {
			t.Fatalf("segments out of order at %d: %+v", i, got)
		}
	}
}

func TestFanout_BoundsConcurrency(t *testing.T) {
	ft := &fakeTranscriber{}
	f := NewFanout(ft, 2)

	var chunks []Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, Chunk{ChunkID: i, FilePath: "c.wav", SpeakerID: SpeakerLeft})
	}
	if _, err := f.Transcribe(context.Background(), chunks, ""); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if max := ft.maxInflight.Load(); max > 2 {
		t.Errorf("max inflight = %d, want at most 2", max)
	}
}

func TestFanout_FailsBelowSuccessThreshold(t *testing.T) {
	ft := &fakeTranscriber{fail: map[string]bool{"bad0.wav": true, "bad1.wav": true}}
	f := NewFanout(ft, 4)

	// 2 of 5 fail: 60% success, below the 80% floor.
	chunks := []Chunk{
		{ChunkID: 0, FilePath: "bad0.wav", SpeakerID: SpeakerLeft},
		{ChunkID: 1, FilePath: "bad1.wav", SpeakerID: SpeakerLeft},
		{ChunkID: 2, FilePath: "ok0.wav", SpeakerID: SpeakerLeft},
		{ChunkID: 3, FilePath: "ok1.wav", SpeakerID: SpeakerLeft},
		{ChunkID: 4, FilePath: "ok2.wav", SpeakerID: SpeakerLeft},
	}
	_, err := f.Transcribe(context.Background(), chunks, "")
	if err == nil {
		t.Fatal("expected error when success rate is below threshold")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "transcribe" {
		t.Errorf("err = %v, want transcribe stage error", err)
	}
}

func TestFanout_ToleratesFailuresAboveThreshold(t *testing.T) {
	ft := &fakeTranscriber{fail: map[string]bool{"bad.wav": true}}
	f := NewFanout(ft, 4)

	// 1 of 5 fails: 80% success, exactly at the floor.
	chunks := []Chunk{
		{ChunkID: 0, FilePath: "bad.wav", SpeakerID: SpeakerLeft},
		{ChunkID: 1, FilePath: "ok0.wav", SpeakerID: SpeakerLeft},
		{ChunkID: 2, FilePath: "ok1.wav", SpeakerID: SpeakerLeft},
		{ChunkID: 3, FilePath: "ok2.wav", SpeakerID: SpeakerLeft},
		{ChunkID: 4, FilePath: "ok3.wav", SpeakerID: SpeakerLeft},
	}
	got, err := f.Transcribe(context.Background(), chunks, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("len = %d, want 4", len(got))
	}
}

func TestFanout_NoChunks(t *testing.T) {
	f := NewFanout(&fakeTranscriber{}, 1)
	if _, err := f.Transcribe(context.Background(), nil, ""); err == nil {
		t.Fatal("expected error for empty chunk list")
	}
}

func TestFanout_SkipsEmptyText(t *testing.T) {
	ft := &fakeTranscriber{results: map[string]*stt.VerboseResult{
		"c.wav": {Segments: []stt.Segment{
			{Start: 0, End: 1, Text: "   "},
			{Start: 1, End: 2, Text: " kept "},
		}},
	}}
	f := NewFanout(ft, 1)

	got, err := f.Transcribe(context.Background(), []Chunk{
		{ChunkID: 0, FilePath: "c.wav", SpeakerID: SpeakerLeft},
	}, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1: %+v", len(got), got)
	}
	if got[0].Text != "kept" {
		t.Errorf("Text = %q, want %q", got[0].Text, "kept")
	}
	if strings.TrimSpace(got[0].Text) != got[0].Text {
		t.Errorf("text not trimmed: %q", got[0].Text)
	}
}
