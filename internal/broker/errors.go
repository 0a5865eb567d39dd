package broker

import (
	"errors"
	"fmt"
)

// RateLimitError reports a denied admission that will clear up once the
// budget window resets. It is retryable: callers wait out ResetSeconds and
// try again.
type RateLimitError struct {
	// ResetSeconds is the broker's hint for how long until the window rolls.
	ResetSeconds float64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("broker: rate limit exceeded, window resets in %.1fs", e.ResetSeconds)
}

// IsRateLimit reports whether err is (or wraps) a [RateLimitError].
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// ErrRequestTooLarge reports an estimate that exceeds the entire per-window
// budget. No amount of waiting can admit it; the request must shrink.
var ErrRequestTooLarge = errors.New("broker: estimated tokens exceed the per-window budget")

// DenialError converts a denied [LockResult] into the matching error value.
// Panics if called on an admitted result.
func DenialError(res LockResult) error {
	switch res.Reason {
	case ReasonRateLimit:
		return &RateLimitError{ResetSeconds: res.ResetSeconds}
	case ReasonTokenLimit:
		return ErrRequestTooLarge
	default:
		panic("broker: DenialError called on admitted lock result")
	}
}
