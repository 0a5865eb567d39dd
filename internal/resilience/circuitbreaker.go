// Package resilience provides the retry and circuit breaker primitives used
// around the LLM and STT backends.
//
// [RetryOnRateLimit] waits out token budget window resets reported by the
// broker, [RetryTransient] shrugs off short-lived network failures, and
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open) that stops hammering a backend that keeps failing.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls. This is the normal mode.
	StateClosed State = iota

	// StateOpen rejects calls immediately with [ErrCircuitOpen]. Entered
	// after a run of consecutive failures; left when the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Successful
	// probes close the breaker; a single failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the tuning knobs for [NewCircuitBreaker].
// Zero-value fields take the defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages, e.g. "stt".
	Name string

	// MaxFailures is the failure run length that opens the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing again.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax caps probe calls in the half-open state. Default: 3.
	HalfOpenMax int
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu          sync.Mutex
	state       State
	failStreak  int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewCircuitBreaker creates a breaker from cfg, filling in defaults for any
// zero-value field.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Execute runs fn unless the breaker is open. In the half-open state only
// [CircuitBreakerConfig.HalfOpenMax] probe calls are let through; the rest
// fail with [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("circuit breaker half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := cb.state == StateHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	cb.afterCall(err, probing)
	cb.mu.Unlock()
	return err
}

// afterCall updates the breaker state from one call outcome. Caller holds mu.
func (cb *CircuitBreaker) afterCall(err error, probing bool) {
	if err == nil {
		if !probing {
			cb.failStreak = 0
			return
		}
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failStreak = 0
			cb.probes = 0
			cb.probeFails = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}

	cb.lastFailure = time.Now()
	if probing {
		// One failed probe is enough evidence the backend is still down.
		cb.probeFails++
		cb.state = StateOpen
		cb.failStreak = cb.maxFailures
		slog.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}

	cb.failStreak++
	if cb.failStreak >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened", "name", cb.name, "failures", cb.failStreak)
	}
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports half-open; the actual transition happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failStreak = 0
	cb.probes = 0
	cb.probeFails = 0
	slog.Info("circuit breaker reset", "name", cb.name)
}
