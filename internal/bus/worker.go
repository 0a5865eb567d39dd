package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/callsight-ai/callsight/internal/observe"
)

// Worker loop defaults.
const (
	defaultBatchSize      = 10
	defaultBatchWait      = 3 * time.Second
	defaultHandlerTimeout = 5 * time.Minute
	minSleep              = time.Second
	maxSleep              = 10 * time.Second
)

// Handler processes one job for a worker family and returns its result.
// A returned error produces a best-effort failed envelope.
type Handler interface {
	Handle(ctx context.Context, job Job) (Result, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, job Job) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, job Job) (Result, error) {
	return f(ctx, job)
}

// Worker is the long-running consume loop for one family. Messages are
// acknowledged before processing: a crash between ack and publish loses the
// result, and in exchange poison messages are never redelivered.
type Worker struct {
	family         string
	in             Receiver
	out            Sender
	handler        Handler
	batchSize      int
	batchWait      time.Duration
	handlerTimeout time.Duration
	sleep          time.Duration
	scheduler      *Scheduler
	metrics        *observe.Metrics
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithBatchSize sets the per-iteration fetch cap.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithHandlerTimeout sets the per-message wall-clock timeout.
func WithHandlerTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.handlerTimeout = d
		}
	}
}

// WithScheduler attaches the daily side-task scheduler, ticked once per
// iteration.
func WithScheduler(s *Scheduler) WorkerOption {
	return func(w *Worker) { w.scheduler = s }
}

// WithWorkerMetrics overrides the metrics sink.
func WithWorkerMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a worker for one family.
func NewWorker(family string, in Receiver, out Sender, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		family:         family,
		in:             in,
		out:            out,
		handler:        handler,
		batchSize:      defaultBatchSize,
		batchWait:      defaultBatchWait,
		handlerTimeout: defaultHandlerTimeout,
		sleep:          minSleep,
		metrics:        observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes until ctx is cancelled. Idle iterations back off from 1 s up
// to 10 s between fetches; any processed message resets the sleep to 1 s.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "family", w.family, "batch_size", w.batchSize)
	for {
		processed := w.runBatch(ctx)

		if w.scheduler != nil {
			w.scheduler.Tick(ctx)
		}

		w.adjustSleep(processed)
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "family", w.family)
			return ctx.Err()
		case <-time.After(w.sleep):
		}
	}
}

// adjustSleep resets the idle sleep after a productive batch and grows it by
// one second per idle batch, up to the ceiling.
func (w *Worker) adjustSleep(processed int) {
	if processed > 0 {
		w.sleep = minSleep
		return
	}
	if w.sleep < maxSleep {
		w.sleep += time.Second
	}
}

// runBatch fetches up to batchSize messages within the batch wait, acks each
// immediately, and processes them in order.
func (w *Worker) runBatch(ctx context.Context) (processed int) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.batchWait)
	defer cancel()

	var batch []kafka.Message
	for len(batch) < w.batchSize {
		msg, err := w.in.FetchMessage(fetchCtx)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				slog.Error("fetch failed", "family", w.family, "err", err)
			}
			break
		}
		batch = append(batch, msg)
	}

	for _, msg := range batch {
		// Ack first: at-most-once. The handler must never run against a
		// message the bus could redeliver.
		if err := w.in.CommitMessages(ctx, msg); err != nil {
			slog.Error("commit failed", "family", w.family, "err", err)
			continue
		}
		w.metrics.RecordMessageReceived(ctx, w.family)
		w.process(ctx, msg.Value)
		processed++
	}
	return processed
}

// process runs the handler under the wall-clock timeout and publishes
// exactly one result envelope.
func (w *Worker) process(ctx context.Context, payload []byte) {
	job, err := ParseJob(payload)
	if err != nil {
		slog.Error("malformed job payload", "family", w.family, "err", err)
		w.publish(ctx, Failure(job), "malformed")
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, w.handlerTimeout)
	defer cancel()
	handlerCtx, span := observe.StartSpan(handlerCtx, "bus.handle")
	defer span.End()

	w.metrics.InflightHandlers.Add(ctx, 1)
	defer w.metrics.InflightHandlers.Add(ctx, -1)

	start := time.Now()
	res, err := w.handler.Handle(handlerCtx, job)
	w.metrics.RecordHandler(ctx, w.family, time.Since(start).Seconds())

	if err != nil {
		observe.Logger(handlerCtx).Error("handler failed",
			"family", w.family,
			"id", job.ID,
			"elapsed", time.Since(start),
			"err", err,
		)
		fail := Failure(job)
		// A handler may return partial fields alongside its error, e.g. the
		// pipeline metadata accumulated before the failing stage.
		for k, v := range res.Fields {
			if fail.Fields == nil {
				fail.Fields = make(map[string]any, len(res.Fields))
			}
			fail.Fields[k] = v
		}
		w.publish(ctx, fail, "failed")
		return
	}
	w.publish(ctx, res, "ok")
}

func (w *Worker) publish(ctx context.Context, res Result, status string) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("encode result failed", "family", w.family, "id", res.ID, "err", err)
		return
	}
	if err := w.out.WriteMessages(ctx, kafka.Message{Key: []byte(res.ID), Value: data}); err != nil {
		slog.Error("publish failed", "family", w.family, "id", res.ID, "err", err)
		return
	}
	w.metrics.RecordMessageSent(ctx, w.family, status)
}
