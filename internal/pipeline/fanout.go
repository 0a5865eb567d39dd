package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/callsight-ai/callsight/internal/stt"
)

// defaultMaxConcurrent bounds in-flight STT uploads per pipeline run,
// independent of the token broker.
const defaultMaxConcurrent = 4

// minSuccessRate is the fraction of chunks that must transcribe successfully
// for the stage to pass.
const minSuccessRate = 0.8

// Transcriber is the slice of the STT adapter the fan-out needs. Satisfied
// by [*stt.Adapter]; tests substitute a fake.
type Transcriber interface {
	Transcribe(ctx context.Context, req stt.Request) (*stt.VerboseResult, error)
}

// Fanout transcribes chunks concurrently and reassembles their segments in
// original-audio coordinates.
type Fanout struct {
	transcriber   Transcriber
	maxConcurrent int64
}

// NewFanout creates a Fanout with the given concurrency bound (zero means 4).
func NewFanout(t Transcriber, maxConcurrent int) *Fanout {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Fanout{transcriber: t, maxConcurrent: int64(maxConcurrent)}
}

// Transcribe runs all chunks through the STT adapter with bounded
// concurrency and returns per-speaker segments rebased to original-audio
// time. A failed chunk contributes an empty segment list; the stage fails
// when fewer than 80% of chunks succeed.
func (f *Fanout) Transcribe(ctx context.Context, chunks []Chunk, language string) ([]SpeakerSegment, error) {
	if len(chunks) == 0 {
		return nil, stageErrorf("transcribe", "no chunks to transcribe")
	}

	sem := semaphore.NewWeighted(f.maxConcurrent)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		segments []SpeakerSegment
		failed   int
	)

	for _, chunk := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, stageErrorf("transcribe", "acquire slot: %w", err)
		}
		wg.Add(1)
		go func(chunk Chunk) {
			defer wg.Done()
			defer sem.Release(1)

			result, err := f.transcriber.Transcribe(ctx, stt.Request{
				Path:     chunk.FilePath,
				Language: language,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("chunk transcription failed",
					"chunk", chunk.ChunkID,
					"speaker", chunk.SpeakerID,
					"err", err,
				)
				failed++
				return
			}
			segments = append(segments, rebase(result.Segments, chunk)...)
		}(chunk)
	}
	wg.Wait()

	if ok := len(chunks) - failed; float64(ok) < minSuccessRate*float64(len(chunks)) {
		return nil, stageErrorf("transcribe", "%d of %d chunks failed", failed, len(chunks))
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].StartSec < segments[j].StartSec
	})
	return segments, nil
}

// rebase shifts chunk-local segment timestamps into original-audio
// coordinates by adding the chunk's start offset. This is the only place
// timestamps are ever adjusted.
func rebase(in []stt.Segment, chunk Chunk) []SpeakerSegment {
	out := make([]SpeakerSegment, 0, len(in))
	for _, s := range in {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out = append(out, SpeakerSegment{
			StartSec:   chunk.StartSec + s.Start,
			EndSec:     chunk.StartSec + s.End,
			SpeakerID:  chunk.SpeakerID,
			Text:       text,
			Confidence: stt.Confidence(s.AvgLogProb),
		})
	}
	return out
}
