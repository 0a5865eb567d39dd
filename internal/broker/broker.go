// Package broker implements admission control for a shared per-minute token
// budget. Many concurrent workers call the same LLM deployment; the broker
// makes sure their combined token consumption stays under the deployment's
// per-minute ceiling.
//
// Callers follow a lock / commit / release protocol: [Broker.Lock] reserves an
// estimated token amount before the remote call, [Broker.Commit] replaces the
// estimate with the actual usage afterwards, and [Broker.Release] abandons the
// reservation when the call fails. The budget window rolls every 60 seconds.
//
// The broker can run embedded inside a worker process ([LocalClient]) or as a
// standalone HTTP service shared by several processes ([Server] / [HTTPClient]).
// All operations are safe for concurrent use.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stable denial reasons returned by [Broker.Lock]. Callers dispatch on these:
// a rate-limit denial clears up when the window resets, a token-limit denial
// never can because the estimate alone exceeds the whole per-window budget.
const (
	ReasonRateLimit  = "rate_limit_exceeded"
	ReasonTokenLimit = "token_limit_exceeded"
)

// windowLength is the budget accounting interval.
const windowLength = 60 * time.Second

// defaultSweepTTL is how long a LOCKED reservation may sit untouched before
// the background sweep reclaims its tokens. Covers callers that crashed or
// were cancelled between lock and commit.
const defaultSweepTTL = 5 * time.Minute

// LockResult is the outcome of an admission request.
type LockResult struct {
	// Allowed reports whether the reservation was admitted.
	Allowed bool

	// RequestID identifies the reservation for commit/release. Only set when
	// Allowed is true.
	RequestID string

	// Reason is [ReasonRateLimit] or [ReasonTokenLimit] when denied.
	Reason string

	// ResetSeconds is the time until the current window rolls over. Set on
	// denial so callers know how long to wait.
	ResetSeconds float64
}

// Status is a point-in-time snapshot of the broker's window accounting.
type Status struct {
	AvailableTokens int     `json:"available_tokens"`
	UsedTokens      int     `json:"used_tokens"`
	LockedTokens    int     `json:"locked_tokens"`
	ResetSeconds    float64 `json:"reset_time_seconds"`
}

// reservation tracks one admitted lock until it is committed or released.
type reservation struct {
	appID      string
	locked     int
	acquiredAt time.Time
}

// Broker enforces the per-minute token budget. Create one with [New].
type Broker struct {
	tokensPerMinute int
	sweepTTL        time.Duration
	now             func() time.Time

	mu           sync.Mutex
	windowStart  time.Time
	used         int
	locked       int
	reservations map[string]*reservation
}

// Option is a functional option for [New].
type Option func(*Broker)

// WithSweepTTL overrides the age at which orphaned LOCKED reservations are
// reclaimed by [Broker.StartSweeper]. Default: 5 minutes.
func WithSweepTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		b.sweepTTL = ttl
	}
}

// WithClock injects the time source. Tests use this to drive window resets
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New creates a Broker with the given per-minute token ceiling.
func New(tokensPerMinute int, opts ...Option) *Broker {
	b := &Broker{
		tokensPerMinute: tokensPerMinute,
		sweepTTL:        defaultSweepTTL,
		now:             time.Now,
		reservations:    make(map[string]*reservation),
	}
	for _, o := range opts {
		o(b)
	}
	b.windowStart = b.now()
	return b
}

// Lock requests admission for an estimated token amount on behalf of appID.
// If the window has capacity the tokens are reserved and a request ID is
// returned; the caller must follow up with exactly one [Broker.Commit] or
// [Broker.Release] for that ID.
func (b *Broker) Lock(appID string, estimate int) LockResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindowLocked()

	// An estimate larger than the whole budget can never be admitted, in this
	// window or any other.
	if estimate > b.tokensPerMinute {
		return LockResult{
			Reason:       ReasonTokenLimit,
			ResetSeconds: b.resetSecondsLocked(),
		}
	}

	if b.used+b.locked+estimate > b.tokensPerMinute {
		return LockResult{
			Reason:       ReasonRateLimit,
			ResetSeconds: b.resetSecondsLocked(),
		}
	}

	id := uuid.NewString()
	b.reservations[id] = &reservation{
		appID:      appID,
		locked:     estimate,
		acquiredAt: b.now(),
	}
	b.locked += estimate

	slog.Debug("token lock granted",
		"app_id", appID,
		"request_id", id,
		"estimate", estimate,
		"locked", b.locked,
		"used", b.used,
	)
	return LockResult{Allowed: true, RequestID: id}
}

// Commit finalizes a reservation with the actual token usage reported by the
// backend. The locked estimate is returned to the pool and the real
// prompt+completion total is charged against the window instead.
// Returns false if the reservation is unknown or belongs to a different app
// (it may have been swept); window accounting stays consistent either way.
func (b *Broker) Commit(appID, requestID string, promptTokens, completionTokens int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reservations[requestID]
	if !ok || r.appID != appID {
		slog.Warn("commit for unknown reservation",
			"app_id", appID, "request_id", requestID)
		return false
	}

	delete(b.reservations, requestID)
	b.locked -= r.locked
	b.used += promptTokens + completionTokens

	slog.Debug("token usage committed",
		"app_id", appID,
		"request_id", requestID,
		"prompt_tokens", promptTokens,
		"completion_tokens", completionTokens,
		"used", b.used,
	)
	return true
}

// Release abandons a reservation without charging any usage, returning the
// locked estimate to the pool. Returns false if the reservation is unknown or
// belongs to a different app.
func (b *Broker) Release(appID, requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reservations[requestID]
	if !ok || r.appID != appID {
		slog.Warn("release for unknown reservation",
			"app_id", appID, "request_id", requestID)
		return false
	}

	delete(b.reservations, requestID)
	b.locked -= r.locked
	return true
}

// Status reports current window accounting. The read also rolls the window if
// it has expired, so ResetSeconds is always in [0, 60].
func (b *Broker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindowLocked()

	available := b.tokensPerMinute - b.used - b.locked
	if available < 0 {
		available = 0
	}
	return Status{
		AvailableTokens: available,
		UsedTokens:      b.used,
		LockedTokens:    b.locked,
		ResetSeconds:    b.resetSecondsLocked(),
	}
}

// StartSweeper runs the orphan reclamation loop until ctx is cancelled.
// Reservations that stay LOCKED longer than the sweep TTL had their caller
// crash or time out; their tokens are returned to the pool.
func (b *Broker) StartSweeper(ctx context.Context) {
	interval := b.sweepTTL / 5
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := b.sweep(); n > 0 {
					slog.Info("reclaimed orphaned token reservations", "count", n)
				}
			}
		}
	}()
}

// sweep reclaims expired LOCKED reservations and returns how many were removed.
func (b *Broker) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.sweepTTL)
	n := 0
	for id, r := range b.reservations {
		if r.acquiredAt.Before(cutoff) {
			delete(b.reservations, id)
			b.locked -= r.locked
			n++
		}
	}
	return n
}

// rollWindowLocked resets usage accounting if the 60-second window has
// elapsed. LOCKED reservations survive the reset: their tokens stay counted
// against the new window until committed or released. Must be called with
// b.mu held.
func (b *Broker) rollWindowLocked() {
	now := b.now()
	if now.Sub(b.windowStart) < windowLength {
		return
	}
	b.windowStart = now
	b.used = 0
}

// resetSecondsLocked returns the seconds remaining in the current window.
// Must be called with b.mu held.
func (b *Broker) resetSecondsLocked() float64 {
	remaining := windowLength - b.now().Sub(b.windowStart)
	if remaining < 0 {
		return 0
	}
	return remaining.Seconds()
}
