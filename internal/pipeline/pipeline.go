package pipeline

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/callsight-ai/callsight/internal/observe"
)

// Request identifies one audio file to process.
type Request struct {
	// Key is the blob name in the input bucket.
	Key string

	// Language is an optional hint forwarded to the STT endpoint.
	Language string
}

// Pipeline runs the transcription stages in order: download, preprocess,
// chunk, transcribe, diarize, post-process. The first failing stage
// short-circuits the run; scratch directories are removed unconditionally.
type Pipeline struct {
	downloader   *Downloader
	preprocessor *Preprocessor
	chunker      *Chunker
	fanout       *Fanout
	diarizer     *Diarizer
	post         *PostProcessor
	metrics      *observe.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New assembles a Pipeline from its stages.
func New(d *Downloader, pre *Preprocessor, c *Chunker, f *Fanout, dia *Diarizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		downloader:   d,
		preprocessor: pre,
		chunker:      c,
		fanout:       f,
		diarizer:     dia,
		post:         NewPostProcessor(),
		metrics:      observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes one audio file end to end. On failure the returned Result
// still carries the metadata accumulated up to the failing stage, and the
// error identifies that stage.
func (p *Pipeline) Run(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	defer span.End()

	res = &Result{Language: req.Language, Metadata: map[string]any{"key": req.Key}}

	var scratch []string
	defer func() {
		for _, dir := range scratch {
			if dir == "" {
				continue
			}
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				slog.Warn("scratch cleanup failed", "dir", dir, "err", rmErr)
			}
		}
	}()

	started := time.Now()

	// Download.
	stageStart := time.Now()
	inputPath, dlDir, err := p.downloader.Fetch(ctx, req.Key)
	scratch = append(scratch, dlDir)
	if err != nil {
		return res, err
	}
	p.recordStage(ctx, "download", stageStart)

	// Preprocess.
	stageStart = time.Now()
	channels, preDir, err := p.preprocessor.Process(inputPath)
	scratch = append(scratch, preDir)
	if err != nil {
		return res, err
	}
	res.Diarized = len(channels) > 1
	res.Metadata["channels"] = len(channels)
	p.recordStage(ctx, "preprocess", stageStart)

	// Chunk.
	stageStart = time.Now()
	var chunks []Chunk
	var totalDuration float64
	for _, ch := range channels {
		part, chunkDir, err := p.chunker.Split(ch)
		scratch = append(scratch, chunkDir)
		if err != nil {
			return res, err
		}
		chunks = append(chunks, part...)
		if ch.DurationSec > totalDuration {
			totalDuration = ch.DurationSec
		}
	}
	res.Metadata["chunks"] = len(chunks)
	p.recordStage(ctx, "chunk", stageStart)

	// Transcribe.
	stageStart = time.Now()
	segments, err := p.fanout.Transcribe(ctx, chunks, req.Language)
	if err != nil {
		return res, err
	}
	res.Metadata["raw_segments"] = len(segments)
	p.recordStage(ctx, "transcribe", stageStart)

	// Diarize.
	stageStart = time.Now()
	segments = p.diarizer.Diarize(segments)
	p.recordStage(ctx, "diarize", stageStart)

	// Post-process.
	stageStart = time.Now()
	res.Transcript, res.Segments, res.Stats = p.post.Process(segments, totalDuration)
	p.recordStage(ctx, "postprocess", stageStart)

	res.Metadata["segments"] = len(res.Segments)
	res.Metadata["elapsed_seconds"] = time.Since(started).Seconds()
	observe.Logger(ctx).Info("pipeline run complete",
		"key", req.Key,
		"segments", len(res.Segments),
		"diarized", res.Diarized,
		"elapsed", time.Since(started),
	)
	return res, nil
}

func (p *Pipeline) recordStage(ctx context.Context, stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordStage(ctx, stage, time.Since(start).Seconds())
	}
}
