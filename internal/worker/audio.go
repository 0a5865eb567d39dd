package worker

import (
	"context"
	"fmt"

	"github.com/callsight-ai/callsight/internal/bus"
	"github.com/callsight-ai/callsight/internal/pipeline"
)

// PipelineRunner is the slice of the audio pipeline the handler needs.
// Satisfied by [*pipeline.Pipeline]; tests substitute a fake.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Audio transcribes and diarizes call recordings.
type Audio struct {
	pipeline PipelineRunner
}

// NewAudio creates the audio handler.
func NewAudio(p PipelineRunner) *Audio {
	return &Audio{pipeline: p}
}

var _ bus.Handler = (*Audio)(nil)

// Handle runs the full transcription pipeline for one recording.
func (a *Audio) Handle(ctx context.Context, job bus.Job) (bus.Result, error) {
	if job.Filename == "" {
		return bus.Result{}, fmt.Errorf("worker: audio job %s has empty filename", job.ID)
	}

	res, err := a.pipeline.Run(ctx, pipeline.Request{
		Key:      job.Filename,
		Language: job.Language,
	})
	if err != nil {
		// Keep whatever the pipeline learned before the failing stage; the
		// bus loop folds these fields into the failure envelope.
		var fields map[string]any
		if res != nil && len(res.Metadata) > 0 {
			fields = map[string]any{"metadata": res.Metadata}
		}
		return bus.Result{Fields: fields}, err
	}

	fields := map[string]any{
		"transcription": res.Transcript,
		"segments":      res.Segments,
		"diarized":      res.Diarized,
		"language":      res.Language,
		"metadata":      res.Metadata,
	}
	if res.Stats != nil {
		fields["stats"] = res.Stats
	}
	return bus.Success(job, fields), nil
}
