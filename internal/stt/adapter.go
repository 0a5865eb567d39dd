// Package stt provides the speech-to-text backend adapter. It uploads audio
// files to a remote Whisper-compatible transcription endpoint as
// multipart/form-data and parses the verbose JSON response, which carries
// per-segment timestamps and log probabilities needed by the diarizer.
//
// Calls follow the same token budget discipline as the LLM adapter: the
// service bills by audio seconds rather than tokens, so admission uses a
// fixed per-request token estimate configured per deployment.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/callsight-ai/callsight/internal/broker"
	"github.com/callsight-ai/callsight/internal/observe"
	"github.com/callsight-ai/callsight/internal/resilience"
)

const (
	// defaultRequestTokens is the broker estimate charged per transcription
	// request when none is configured.
	defaultRequestTokens = 300

	// transientAttempts and transientDelay parameterise the small retry for
	// short-lived network failures against the endpoint.
	transientAttempts = 3
	transientDelay    = 2 * time.Second
)

// Segment is one timestamped span of the transcription, in chunk-local
// coordinates.
type Segment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogProb float64 `json:"avg_logprob"`
}

// VerboseResult is the verbose-JSON transcription response.
type VerboseResult struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Request describes one transcription call.
type Request struct {
	// Path is the audio file to upload.
	Path string

	// Language is an optional BCP-47 hint forwarded to the endpoint.
	Language string

	// Temperature is forwarded to the endpoint. Zero means endpoint default.
	Temperature float64
}

// Adapter calls a Whisper-compatible transcription endpoint under token
// budget admission. Construct with [New]; safe for concurrent use.
type Adapter struct {
	endpoint      string
	apiKey        string
	model         string
	appID         string
	requestTokens int
	broker        broker.Client
	httpClient    *http.Client
	metrics       *observe.Metrics
	breaker       *resilience.CircuitBreaker
}

// Option is a functional option for [New].
type Option func(*Adapter)

// WithRequestTokens sets the fixed broker estimate charged per request.
// Default: 300.
func WithRequestTokens(n int) Option {
	return func(a *Adapter) {
		a.requestTokens = n
	}
}

// WithHTTPClient overrides the HTTP client. The default allows 5 minutes per
// upload, sized for the largest chunk the pipeline produces.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = hc
	}
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// New constructs an Adapter for the transcription endpoint at endpoint
// (e.g., "https://stt.example.com/v1/audio/transcriptions").
func New(endpoint, apiKey, model, appID string, bc broker.Client, opts ...Option) (*Adapter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("stt: endpoint must not be empty")
	}
	if bc == nil {
		return nil, fmt.Errorf("stt: broker client must not be nil")
	}
	a := &Adapter{
		endpoint:      endpoint,
		apiKey:        apiKey,
		model:         model,
		appID:         appID,
		requestTokens: defaultRequestTokens,
		broker:        bc,
		httpClient:    &http.Client{Timeout: 5 * time.Minute},
		breaker:       resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "stt"}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Transcribe uploads the audio file and returns the verbose transcription.
// Denials surface as [*broker.RateLimitError] or [broker.ErrRequestTooLarge].
// Transient network failures are retried up to 3 times before the
// reservation is released and the error propagated. A backend that keeps
// failing trips a circuit breaker so later calls fail fast while it recovers.
func (a *Adapter) Transcribe(ctx context.Context, req Request) (*VerboseResult, error) {
	res, err := a.broker.Lock(ctx, a.appID, a.requestTokens)
	if err != nil {
		return nil, fmt.Errorf("stt: broker lock: %w", err)
	}
	if !res.Allowed {
		a.metrics.RecordBrokerDenial(ctx, res.Reason)
		return nil, broker.DenialError(res)
	}

	start := time.Now()
	result, err := resilience.RetryTransient(ctx, transientAttempts, transientDelay,
		func(ctx context.Context) (*VerboseResult, error) {
			var r *VerboseResult
			execErr := a.breaker.Execute(func() error {
				var uploadErr error
				r, uploadErr = a.upload(ctx, req)
				return uploadErr
			})
			return r, execErr
		})
	a.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		a.metrics.RecordBackendRequest(ctx, "stt", "error")
		if relErr := a.broker.Release(ctx, a.appID, res.RequestID); relErr != nil {
			slog.Warn("release after failed transcription", "err", relErr)
		}
		return nil, err
	}

	a.metrics.RecordBackendRequest(ctx, "stt", "ok")
	if err := a.broker.Commit(ctx, a.appID, res.RequestID, a.requestTokens, 0); err != nil {
		slog.Warn("commit after transcription", "err", err)
	}
	return result, nil
}

// upload performs one multipart POST of the audio file.
func (a *Adapter) upload(ctx context.Context, req Request) (*VerboseResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, fmt.Errorf("stt: open audio file: %w", err)
	}
	defer f.Close()

	// Stream the multipart body through a pipe so large chunks are not
	// buffered in memory twice.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := a.writeForm(mw, f, req)
		mw.Close()
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, pr)
	if err != nil {
		return nil, fmt.Errorf("stt: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stt: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stt: server returned HTTP %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var result VerboseResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("stt: parse JSON response: %w", err)
	}
	return &result, nil
}

// writeForm writes all multipart fields for one transcription request.
func (a *Adapter) writeForm(mw *multipart.Writer, f *os.File, req Request) error {
	fw, err := mw.CreateFormFile("file", filepath.Base(req.Path))
	if err != nil {
		return fmt.Errorf("stt: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("stt: write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format":            "verbose_json",
		"timestamp_granularities[]": "segment",
	}
	if a.model != "" {
		fields["model"] = a.model
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	if req.Temperature != 0 {
		fields["temperature"] = strconv.FormatFloat(req.Temperature, 'f', -1, 64)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("stt: write field %s: %w", k, err)
		}
	}
	return nil
}

// Confidence maps a segment's average log probability to a [0,1] confidence
// estimate. Whisper does not report confidence directly; these thresholds are
// coarse but stable across model sizes.
func Confidence(avgLogProb float64) float64 {
	switch {
	case avgLogProb == 0:
		return 0.8
	case avgLogProb < -1.0:
		return 0.3
	case avgLogProb < -0.5:
		return 0.6
	default:
		return 0.9
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "…"
}
