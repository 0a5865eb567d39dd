package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/callsight-ai/callsight/internal/stt"
	"github.com/callsight-ai/callsight/pkg/audio"
)

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// stereoWAV synthesizes a stereo file with tone on both channels.
func stereoWAV(t *testing.T, seconds float64, sampleRate int) []byte {
	t.Helper()
	samples := int(seconds * float64(sampleRate))
	pcm := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		l := int16(8000 * math.Sin(2*math.Pi*300*float64(i)/float64(sampleRate)))
		r := int16(8000 * math.Sin(2*math.Pi*500*float64(i)/float64(sampleRate)))
		pcm[i*4] = byte(l)
		pcm[i*4+1] = byte(l >> 8)
		pcm[i*4+2] = byte(r)
		pcm[i*4+3] = byte(r >> 8)
	}
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := audio.WriteWAV(path, pcm, sampleRate, 2); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return data
}

// scriptedTranscriber returns one scripted result per call, in call order.
type scriptedTranscriber struct {
	results []*stt.VerboseResult
	calls   int
}

func (s *scriptedTranscriber) Transcribe(ctx context.Context, req stt.Request) (*stt.VerboseResult, error) {
	if s.calls >= len(s.results) {
		return nil, errors.New("unexpected call")
	}
	r := s.results[s.calls]
	s.calls++
	return r, nil
}

func newTestPipeline(t *testing.T, store *fakeS3, tr Transcriber) (*Pipeline, string) {
	t.Helper()
	tmp := t.TempDir()
	return New(
		NewDownloader(store, "recordings", tmp),
		NewPreprocessor(tmp),
		NewChunker(tmp, 0),
		NewFanout(tr, 1),
		NewDiarizer(DiarizerConfig{}),
	), tmp
}

func TestPipeline_EndToEndStereo(t *testing.T) {
	store := &fakeS3{objects: map[string][]byte{
		"call.wav": stereoWAV(t, 4.0, 16000),
	}}
	// Concurrency 1 serializes chunks in order: left channel first.
	tr := &scriptedTranscriber{results: []*stt.VerboseResult{
		{Segments: []stt.Segment{{Start: 0, End: 1.5, Text: "how can I help"}}},
		{Segments: []stt.Segment{{Start: 2, End: 3.5, Text: "my card is blocked"}}},
	}}
	p, tmp := newTestPipeline(t, store, tr)

	res, err := p.Run(context.Background(), Request{Key: "call.wav", Language: "en"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Diarized {
		t.Error("Diarized = false, want true for stereo input")
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d, want 2: %+v", len(res.Segments), res.Segments)
	}
	if res.Segments[0].SpeakerID != SpeakerLeft || res.Segments[1].SpeakerID != SpeakerRight {
		t.Errorf("speakers = %q, %q", res.Segments[0].SpeakerID, res.Segments[1].SpeakerID)
	}

	want := "Speaker_1: how can I help\nSpeaker_2: my card is blocked"
	if res.Transcript != want {
		t.Errorf("transcript = %q, want %q", res.Transcript, want)
	}
	if res.Stats == nil || res.Stats.SpeakerChanges != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}

	// All scratch directories must be gone.
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "whisper_") {
			t.Errorf("scratch dir %q not cleaned up", e.Name())
		}
	}
}

func TestPipeline_MissingObjectShortCircuits(t *testing.T) {
	p, tmp := newTestPipeline(t, &fakeS3{objects: map[string][]byte{}}, &scriptedTranscriber{})

	res, err := p.Run(context.Background(), Request{Key: "absent.wav"})
	if err == nil {
		t.Fatal("expected error for missing object")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "download" {
		t.Errorf("err = %v, want download stage error", err)
	}
	if res == nil || res.Metadata["key"] != "absent.wav" {
		t.Errorf("failure result metadata = %+v", res)
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "whisper_") {
			t.Errorf("scratch dir %q not cleaned up after failure", e.Name())
		}
	}
}

func TestPipeline_TranscriptionFailureShortCircuits(t *testing.T) {
	store := &fakeS3{objects: map[string][]byte{
		"call.wav": stereoWAV(t, 2.0, 16000),
	}}
	p, _ := newTestPipeline(t, store, &scriptedTranscriber{}) // zero scripted results

	res, err := p.Run(context.Background(), Request{Key: "call.wav"})
	if err == nil {
		t.Fatal("expected error when all chunks fail")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "transcribe" {
		t.Errorf("err = %v, want transcribe stage error", err)
	}
	// Metadata populated up to the failing stage.
	if res.Metadata["chunks"] == nil {
		t.Errorf("metadata missing chunk count: %+v", res.Metadata)
	}
}
