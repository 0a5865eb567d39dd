package worker

import (
	"context"
	"fmt"

	"github.com/callsight-ai/callsight/internal/broker"
	"github.com/callsight-ai/callsight/internal/bus"
	"github.com/callsight-ai/callsight/internal/llm"
	"github.com/callsight-ai/callsight/internal/resilience"
)

const reasonerSystemPrompt = `You analyze transcripts of customer service calls for a retail bank.
Respond with a single JSON object containing exactly these keys: "summary"
(5-500 characters), "reason" (the call reason as a tag matching ^#\w+$),
"ai_reason" (your own best reason tag, same format), and
"contains_pii_or_cid" ("Yes" or "No", whether the transcript contains
personal data or customer identifiers).`

const reasonerUserPrompt = `Language: {language}

Transcript:
{text}`

// CallClassification is the structured output schema for one call
// transcript.
type CallClassification struct {
	Summary          string `json:"summary"`
	Reason           string `json:"reason"`
	AIReason         string `json:"ai_reason"`
	ContainsPIIOrCID string `json:"contains_pii_or_cid"`
}

// Validate checks the schema constraints the model must satisfy.
func (c *CallClassification) Validate() error {
	if err := validateSummary(c.Summary); err != nil {
		return err
	}
	if err := validateHashtag("reason", c.Reason); err != nil {
		return err
	}
	if err := validateHashtag("ai_reason", c.AIReason); err != nil {
		return err
	}
	return validateYesNo("contains_pii_or_cid", c.ContainsPIIOrCID)
}

// Reasoner classifies call transcripts by reason.
type Reasoner struct {
	llm        Completer
	broker     broker.Client
	maxRetries int
}

// ReasonerOption configures [NewReasoner].
type ReasonerOption func(*Reasoner)

// WithReasonerMaxRetries overrides the rate-limit retry budget. Default: 5.
func WithReasonerMaxRetries(n int) ReasonerOption {
	return func(r *Reasoner) { r.maxRetries = n }
}

// NewReasoner creates the call-transcript handler.
func NewReasoner(completer Completer, bc broker.Client, opts ...ReasonerOption) *Reasoner {
	r := &Reasoner{llm: completer, broker: bc, maxRetries: defaultMaxRetries}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ bus.Handler = (*Reasoner)(nil)

// Handle classifies one transcript job. As with feedback, a positive PII
// flag replaces the raw transcript with the summary in the result.
func (r *Reasoner) Handle(ctx context.Context, job bus.Job) (bus.Result, error) {
	if job.Text == "" {
		return bus.Result{}, fmt.Errorf("worker: reasoner job %s has empty text", job.ID)
	}

	req := llm.Request{
		System: reasonerSystemPrompt,
		User:   reasonerUserPrompt,
		Vars: map[string]string{
			"language": job.Language,
			"text":     job.Text,
		},
	}

	classification, err := resilience.RetryOnRateLimit(ctx, r.broker, r.maxRetries,
		func(ctx context.Context) (CallClassification, error) {
			var c CallClassification
			err := r.llm.CompleteStructured(ctx, req, llm.DecodeInto(&c, (*CallClassification).Validate))
			return c, err
		})
	if err != nil {
		return bus.Result{}, err
	}

	text := job.Text
	if classification.ContainsPIIOrCID == "Yes" {
		text = classification.Summary
	}

	return bus.Success(job, map[string]any{
		"summary":             classification.Summary,
		"reason":              classification.Reason,
		"ai_reason":           classification.AIReason,
		"contains_pii_or_cid": classification.ContainsPIIOrCID,
		"language":            job.Language,
		"text":                text,
	}), nil
}
