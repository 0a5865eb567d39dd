package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// maxSideTaskAttempts caps side-task runs per UTC day.
const maxSideTaskAttempts = 20

// markerValue is the payload of the daily command-queue marker.
const markerValue = "daily_upload"

// SideTask is the work triggered once per day, typically log upload.
type SideTask func(ctx context.Context) error

// Scheduler drives the daily side-task. Once per UTC day, after the target
// time, it enqueues a marker on the command queue; whenever a marker is
// received after the target time it runs the task. The command queue makes
// exactly-one-enqueue work across worker replicas sharing a consumer group.
type Scheduler struct {
	target   time.Duration // offset from UTC midnight
	cmdIn    Receiver
	cmdOut   Sender
	task     SideTask
	pollWait time.Duration

	lastEnqueuedDay string
	lastSuccessDay  string
	attemptDay      string
	attempts        int

	now func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a Scheduler. target is a UTC time of day formatted
// "HH:MM:SS".
func NewScheduler(target string, cmdIn Receiver, cmdOut Sender, task SideTask, opts ...SchedulerOption) (*Scheduler, error) {
	t, err := time.Parse("15:04:05", target)
	if err != nil {
		return nil, fmt.Errorf("bus: parse target time %q: %w", target, err)
	}
	s := &Scheduler{
		target:   time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second,
		cmdIn:    cmdIn,
		cmdOut:   cmdOut,
		task:     task,
		pollWait: 100 * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tick advances the scheduler: enqueue the day's marker if due, then drain
// the command queue and run the task for any received marker. Failures never
// propagate to the caller.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	day := now.Format("2006-01-02")
	if day != s.attemptDay {
		s.attemptDay = day
		s.attempts = 0
	}
	if !s.pastTarget(now) {
		return
	}

	if s.lastEnqueuedDay != day {
		msg := kafka.Message{Key: []byte(day), Value: []byte(markerValue)}
		if err := s.cmdOut.WriteMessages(ctx, msg); err != nil {
			slog.Error("enqueue daily marker failed", "err", err)
		} else {
			s.lastEnqueuedDay = day
			slog.Info("daily marker enqueued", "day", day)
		}
	}

	for {
		pollCtx, cancel := context.WithTimeout(ctx, s.pollWait)
		msg, err := s.cmdIn.FetchMessage(pollCtx)
		cancel()
		if err != nil {
			return
		}
		if err := s.cmdIn.CommitMessages(ctx, msg); err != nil {
			slog.Error("commit daily marker failed", "err", err)
			return
		}
		s.runTask(ctx, day)
	}
}

// runTask runs the side-task for the given day unless it already succeeded
// today or the daily attempt cap is reached.
func (s *Scheduler) runTask(ctx context.Context, day string) {
	if s.lastSuccessDay == day {
		return
	}
	if s.attempts >= maxSideTaskAttempts {
		slog.Warn("side-task attempt cap reached", "day", day, "attempts", s.attempts)
		return
	}
	s.attempts++
	if err := s.task(ctx); err != nil {
		slog.Error("side-task failed", "day", day, "attempt", s.attempts, "err", err)
		return
	}
	s.lastSuccessDay = day
	slog.Info("side-task completed", "day", day)
}

func (s *Scheduler) pastTarget(now time.Time) bool {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return now.Sub(midnight) >= s.target
}
