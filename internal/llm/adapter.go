package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/callsight-ai/callsight/internal/broker"
	"github.com/callsight-ai/callsight/internal/observe"
)

// defaultStructuredRetries bounds how often structured mode re-asks the model
// after a response fails schema validation.
const defaultStructuredRetries = 3

// SchemaValidationError reports that structured mode ran out of attempts
// without the model producing a response that passes validation.
type SchemaValidationError struct {
	Attempts int
	LastErr  error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("llm: response failed schema validation after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *SchemaValidationError) Unwrap() error { return e.LastErr }

// Request describes one completion call.
type Request struct {
	// System is the system prompt. May be empty.
	System string

	// User is the user prompt template with {name} placeholders.
	User string

	// Vars supplies values for the placeholders in User.
	Vars map[string]string

	// Examples are optional few-shot turns inserted between system and user.
	Examples []Message

	// MaxTokens bounds the completion length. Zero means the default (1000).
	MaxTokens int

	// Temperature is forwarded to the backend. Zero means backend default.
	Temperature float64
}

// Adapter calls an OpenAI-compatible chat completion endpoint under token
// budget admission. Construct with [New]; safe for concurrent use.
type Adapter struct {
	client  oai.Client
	model   string
	appID   string
	broker  broker.Client
	metrics *observe.Metrics

	structuredRetries  int
	defaultMaxTokens   int
	defaultTemperature float64
}

// Option is a functional option for [New].
type Option func(*Adapter, *[]option.RequestOption)

// WithBaseURL points the adapter at a non-default endpoint, e.g. an Azure
// OpenAI deployment or a local gateway.
func WithBaseURL(url string) Option {
	return func(_ *Adapter, reqOpts *[]option.RequestOption) {
		*reqOpts = append(*reqOpts, option.WithBaseURL(url))
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(_ *Adapter, reqOpts *[]option.RequestOption) {
		*reqOpts = append(*reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithStructuredRetries overrides how many validation attempts structured
// mode makes. Default: 3.
func WithStructuredRetries(n int) Option {
	return func(a *Adapter, _ *[]option.RequestOption) {
		a.structuredRetries = n
	}
}

// WithDefaults sets the completion length and temperature used when a
// request leaves them zero.
func WithDefaults(maxTokens int, temperature float64) Option {
	return func(a *Adapter, _ *[]option.RequestOption) {
		a.defaultMaxTokens = maxTokens
		a.defaultTemperature = temperature
	}
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter, _ *[]option.RequestOption) {
		a.metrics = m
	}
}

// New constructs an Adapter. appID labels this worker's reservations at the
// broker; bc performs the admission calls.
func New(apiKey, model, appID string, bc broker.Client, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}
	if bc == nil {
		return nil, fmt.Errorf("llm: broker client must not be nil")
	}

	a := &Adapter{
		model:             model,
		appID:             appID,
		broker:            bc,
		structuredRetries: defaultStructuredRetries,
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(a, &reqOpts)
	}
	a.client = oai.NewClient(reqOpts...)
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Complete renders the prompt and returns the raw completion text.
// Denials surface as [*broker.RateLimitError] or [broker.ErrRequestTooLarge].
func (a *Adapter) Complete(ctx context.Context, req Request) (string, error) {
	msgs, err := FormatPrompt(req.System, req.User, req.Vars, req.Examples)
	if err != nil {
		return "", err
	}
	return a.call(ctx, msgs, req, false)
}

// CompleteStructured renders the prompt in JSON mode and passes the raw
// response bytes to decode, which unmarshals into the caller's value and
// validates it. A decode failure is retried internally with a fresh
// completion, each attempt re-running estimation and admission, up to the
// configured attempt count.
func (a *Adapter) CompleteStructured(ctx context.Context, req Request, decode func([]byte) error) error {
	msgs, err := FormatPrompt(req.System, req.User, req.Vars, req.Examples)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= a.structuredRetries; attempt++ {
		content, err := a.call(ctx, msgs, req, true)
		if err != nil {
			return err
		}
		if err := decode([]byte(content)); err == nil {
			return nil
		} else {
			lastErr = err
			slog.Warn("structured response failed validation",
				"attempt", attempt,
				"attempts", a.structuredRetries,
				"err", err,
			)
		}
	}
	return &SchemaValidationError{Attempts: a.structuredRetries, LastErr: lastErr}
}

// call performs one estimate → lock → complete → commit/release round trip.
func (a *Adapter) call(ctx context.Context, msgs []Message, req Request, jsonMode bool) (string, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = a.defaultMaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = a.defaultTemperature
	}
	estimate := EstimateTokens(msgs, a.model, req.MaxTokens)

	res, err := a.broker.Lock(ctx, a.appID, estimate)
	if err != nil {
		return "", fmt.Errorf("llm: broker lock: %w", err)
	}
	if !res.Allowed {
		a.metrics.RecordBrokerDenial(ctx, res.Reason)
		return "", broker.DenialError(res)
	}

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(msgs, req, jsonMode))
	a.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		a.metrics.RecordBackendRequest(ctx, "llm", "error")
		if relErr := a.broker.Release(ctx, a.appID, res.RequestID); relErr != nil {
			slog.Warn("release after failed completion", "err", relErr)
		}
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		if relErr := a.broker.Release(ctx, a.appID, res.RequestID); relErr != nil {
			slog.Warn("release after empty completion", "err", relErr)
		}
		return "", fmt.Errorf("llm: empty choices in response")
	}

	a.metrics.RecordBackendRequest(ctx, "llm", "ok")
	if err := a.broker.Commit(ctx, a.appID, res.RequestID,
		int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens)); err != nil {
		slog.Warn("commit after completion", "err", err)
	}
	return resp.Choices[0].Message.Content, nil
}

// buildParams converts the request into OpenAI SDK params.
func (a *Adapter) buildParams(msgs []Message, req Request, jsonMode bool) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if jsonMode {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

// DecodeInto returns a decode callback for [Adapter.CompleteStructured] that
// unmarshals the response into v and then runs validate on it.
func DecodeInto[T any](v *T, validate func(*T) error) func([]byte) error {
	return func(data []byte) error {
		var parsed T
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("llm: unmarshal structured response: %w", err)
		}
		if err := validate(&parsed); err != nil {
			return err
		}
		*v = parsed
		return nil
	}
}
