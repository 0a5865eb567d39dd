// Package worker implements the three handler families the bus worker can
// run: feedback classification, call-transcript reasoning, and audio
// transcription. The LLM-backed handlers share the structured-output schema
// validation and the rate-limit retry discipline.
package worker

import (
	"context"
	"fmt"
	"regexp"

	"github.com/callsight-ai/callsight/internal/llm"
)

// defaultMaxRetries bounds rate-limit retries per handler invocation.
const defaultMaxRetries = 5

var hashtagRe = regexp.MustCompile(`^#\w+$`)

// Completer is the slice of the LLM adapter the handlers need. Satisfied by
// [*llm.Adapter]; tests substitute a fake.
type Completer interface {
	CompleteStructured(ctx context.Context, req llm.Request, decode func([]byte) error) error
}

func validateSummary(s string) error {
	if n := len(s); n < 5 || n > 500 {
		return fmt.Errorf("worker: summary length %d outside [5,500]", n)
	}
	return nil
}

func validateHashtag(field, s string) error {
	if !hashtagRe.MatchString(s) {
		return fmt.Errorf("worker: %s %q does not match ^#\\w+$", field, s)
	}
	return nil
}

func validateYesNo(field, s string) error {
	if s != "Yes" && s != "No" {
		return fmt.Errorf("worker: %s %q must be Yes or No", field, s)
	}
	return nil
}
