package worker

import (
	"context"
	"fmt"

	"github.com/callsight-ai/callsight/internal/broker"
	"github.com/callsight-ai/callsight/internal/bus"
	"github.com/callsight-ai/callsight/internal/llm"
	"github.com/callsight-ai/callsight/internal/resilience"
)

const feedbackSystemPrompt = `You are a customer feedback analyst for a retail bank.
Analyze the feedback and respond with a single JSON object containing exactly
these keys: "summary" (5-500 characters), "hashtag" (one topic tag matching
^#\w+$), "ai_hashtag" (your own best topic tag, same format), "category"
(a short topic label), and "contains_pii_or_cid" ("Yes" or "No", whether the
text contains personal data or customer identifiers).`

const feedbackUserPrompt = `Language: {language}

Feedback:
{text}`

// FeedbackClassification is the structured output schema for one feedback
// message.
type FeedbackClassification struct {
	Summary          string `json:"summary"`
	Hashtag          string `json:"hashtag"`
	AIHashtag        string `json:"ai_hashtag"`
	Category         string `json:"category"`
	ContainsPIIOrCID string `json:"contains_pii_or_cid"`
}

// Validate checks the schema constraints the model must satisfy.
func (c *FeedbackClassification) Validate() error {
	if err := validateSummary(c.Summary); err != nil {
		return err
	}
	if err := validateHashtag("hashtag", c.Hashtag); err != nil {
		return err
	}
	if err := validateHashtag("ai_hashtag", c.AIHashtag); err != nil {
		return err
	}
	return validateYesNo("contains_pii_or_cid", c.ContainsPIIOrCID)
}

// Feedback classifies customer feedback messages.
type Feedback struct {
	llm        Completer
	broker     broker.Client
	maxRetries int

	// hashtags maps a category label to its canonical hashtag. Entries
	// override the model's own pick; unknown categories fall back to the
	// model's ai_hashtag.
	hashtags map[string]string
}

// FeedbackOption configures a Feedback handler.
type FeedbackOption func(*Feedback)

// WithHashtagTable supplies the category-to-hashtag lookup table.
func WithHashtagTable(table map[string]string) FeedbackOption {
	return func(f *Feedback) { f.hashtags = table }
}

// WithFeedbackMaxRetries overrides the rate-limit retry cap.
func WithFeedbackMaxRetries(n int) FeedbackOption {
	return func(f *Feedback) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// NewFeedback creates the feedback handler. bc is consulted for window reset
// hints between rate-limit retries.
func NewFeedback(completer Completer, bc broker.Client, opts ...FeedbackOption) *Feedback {
	f := &Feedback{llm: completer, broker: bc, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ bus.Handler = (*Feedback)(nil)

// Handle classifies one feedback job. When the model flags personal data,
// the summary replaces the raw text in the result so identifiers never reach
// the out-queue.
func (f *Feedback) Handle(ctx context.Context, job bus.Job) (bus.Result, error) {
	if job.Text == "" {
		return bus.Result{}, fmt.Errorf("worker: feedback job %s has empty text", job.ID)
	}

	req := llm.Request{
		System: feedbackSystemPrompt,
		User:   feedbackUserPrompt,
		Vars: map[string]string{
			"language": job.Language,
			"text":     job.Text,
		},
	}

	classification, err := resilience.RetryOnRateLimit(ctx, f.broker, f.maxRetries,
		func(ctx context.Context) (FeedbackClassification, error) {
			var c FeedbackClassification
			err := f.llm.CompleteStructured(ctx, req, llm.DecodeInto(&c, (*FeedbackClassification).Validate))
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
		"hashtag":             f.resolveHashtag(classification),
		"ai_hashtag":          classification.AIHashtag,
		"category":            classification.Category,
		"contains_pii_or_cid": classification.ContainsPIIOrCID,
		"language":            job.Language,
		"text":                text,
	}), nil
}

// resolveHashtag prefers the deployment's canonical tag for the category and
// falls back to the model's own pick.
func (f *Feedback) resolveHashtag(c FeedbackClassification) string {
	if tag, ok := f.hashtags[c.Category]; ok {
		return tag
	}
	if hashtagRe.MatchString(c.Hashtag) {
		return c.Hashtag
	}
	return c.AIHashtag
}
