package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func kafkaMarker(now time.Time) kafka.Message {
	return kafka.Message{Key: []byte(now.Format("2006-01-02")), Value: []byte(markerValue)}
}

func newTestScheduler(t *testing.T, target string, now *time.Time, task SideTask) (*Scheduler, *fakeReceiver, *fakeSender) {
	t.Helper()
	in := &fakeReceiver{}
	out := &fakeSender{}
	s, err := NewScheduler(target, in, out, task, WithSchedulerClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.pollWait = 5 * time.Millisecond
	return s, in, out
}

// feed moves every marker published by the scheduler onto its command input,
// mimicking the round trip through the command topic.
func feed(in *fakeReceiver, out *fakeSender) {
	out.mu.Lock()
	msgs := out.written
	out.written = nil
	out.mu.Unlock()
	in.mu.Lock()
	in.queue = append(in.queue, msgs...)
	in.mu.Unlock()
}

func TestScheduler_InvalidTarget(t *testing.T) {
	if _, err := NewScheduler("25:99", nil, nil, nil); err == nil {
		t.Error("expected error for malformed target time")
	}
}

func TestScheduler_NoMarkerBeforeTarget(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _, out := newTestScheduler(t, "22:00:00", &now, func(ctx context.Context) error { return nil })

	s.Tick(context.Background())
	if len(out.written) != 0 {
		t.Errorf("marker enqueued before target time: %v", out.written)
	}
}

func TestScheduler_RunsOncePerDay(t *testing.T) {
	now := time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)
	runs := 0
	s, in, out := newTestScheduler(t, "22:00:00", &now, func(ctx context.Context) error {
		runs++
		return nil
	})

	// First tick enqueues the marker; feeding it back triggers the task.
	s.Tick(context.Background())
	feed(in, out)
	s.Tick(context.Background())
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}

	// Later ticks the same day neither enqueue nor run again.
	now = now.Add(time.Hour)
	s.Tick(context.Background())
	feed(in, out)
	s.Tick(context.Background())
	if runs != 1 {
		t.Errorf("runs = %d after same-day ticks, want 1", runs)
	}

	// Next day after the target, the cycle repeats.
	now = now.AddDate(0, 0, 1)
	s.Tick(context.Background())
	feed(in, out)
	s.Tick(context.Background())
	if runs != 2 {
		t.Errorf("runs = %d after next-day tick, want 2", runs)
	}
}

func TestScheduler_AttemptCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	attempts := 0
	s, _, _ := newTestScheduler(t, "22:00:00", &now, func(ctx context.Context) error {
		attempts++
		return errors.New("upload failed")
	})

	day := now.Format("2006-01-02")
	for i := 0; i < maxSideTaskAttempts+10; i++ {
		s.runTask(context.Background(), day)
	}
	if attempts != maxSideTaskAttempts {
		t.Errorf("attempts = %d, want cap %d", attempts, maxSideTaskAttempts)
	}

	// The cap resets on the next day.
	now = now.AddDate(0, 0, 1)
	s.Tick(context.Background())
	s.runTask(context.Background(), now.Format("2006-01-02"))
	if attempts != maxSideTaskAttempts+1 {
		t.Errorf("attempts = %d after day rollover, want %d", attempts, maxSideTaskAttempts+1)
	}
}

func TestScheduler_RetriesAfterFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	calls := 0
	s, in, out := newTestScheduler(t, "22:00:00", &now, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	s.Tick(context.Background())
	feed(in, out)
	s.Tick(context.Background()) // marker consumed, first attempt fails
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	// A second marker (for example from another replica) triggers a retry.
	in.mu.Lock()
	in.queue = append(in.queue, kafkaMarker(now))
	in.mu.Unlock()
	s.Tick(context.Background())
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if s.lastSuccessDay != now.Format("2006-01-02") {
		t.Errorf("lastSuccessDay = %q, want today", s.lastSuccessDay)
	}
}
