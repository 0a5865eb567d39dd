// Package app wires the callsight subsystems into a running worker process.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems for the configured family, Run executes the consume loop, and
// Shutdown tears everything down in order.
//
// For testing, inject fakes via functional options (WithBrokerClient,
// WithHandler, WithBus). When an option is not provided, New builds real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/callsight-ai/callsight/internal/broker"
	"github.com/callsight-ai/callsight/internal/bus"
	"github.com/callsight-ai/callsight/internal/config"
	"github.com/callsight-ai/callsight/internal/health"
	"github.com/callsight-ai/callsight/internal/llm"
	"github.com/callsight-ai/callsight/internal/logupload"
	"github.com/callsight-ai/callsight/internal/observe"
	"github.com/callsight-ai/callsight/internal/pipeline"
	"github.com/callsight-ai/callsight/internal/stt"
	"github.com/callsight-ai/callsight/internal/worker"
)

// shutdownTimeout bounds how long the HTTP server may take to drain.
const shutdownTimeout = 10 * time.Second

// busPair carries an injected receiver/sender set for tests.
type busPair struct {
	in  bus.Receiver
	out bus.Sender
}

// App is the assembled worker application.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	brokerClient broker.Client
	embedded     *broker.Broker // non-nil in embedded mode
	handler      bus.Handler
	worker       *bus.Worker
	server       *http.Server
	injectedBus  *busPair

	// closers are run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option overrides one subsystem, typically with a test double.
type Option func(*App)

// WithBrokerClient injects a token admission client, skipping broker setup.
func WithBrokerClient(c broker.Client) Option {
	return func(a *App) { a.brokerClient = c }
}

// WithHandler injects the message handler, skipping family setup.
func WithHandler(h bus.Handler) Option {
	return func(a *App) { a.handler = h }
}

// WithBus injects the bus endpoints, skipping Kafka setup.
func WithBus(in bus.Receiver, out bus.Sender) Option {
	return func(a *App) { a.injectedBus = &busPair{in: in, out: out} }
}

// New builds the application from cfg. It validates nothing beyond what
// [config.Validate] already checked; wiring errors surface here.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(a)
	}

	// 1. Token admission.
	if a.brokerClient == nil {
		if err := a.initBroker(); err != nil {
			return nil, err
		}
	}

	// 2. Blob storage, shared by the audio pipeline and the log upload.
	var store *s3.Client
	if cfg.Worker.Family == config.FamilyAudio || cfg.Upload.Time != "" {
		var err error
		store, err = a.initStorage(ctx)
		if err != nil {
			return nil, err
		}
	}

	// 3. The family handler.
	if a.handler == nil {
		if err := a.initHandler(store); err != nil {
			return nil, err
		}
	}

	// 4. Bus endpoints and the consume worker.
	if err := a.initWorker(store); err != nil {
		return nil, err
	}

	// 5. HTTP surface: health, readiness, metrics.
	a.initServer()

	slog.Info("application wired",
		"family", cfg.Worker.Family,
		"broker_mode", cfg.Broker.Mode,
		"listen_addr", a.server.Addr,
	)
	return a, nil
}

func (a *App) initBroker() error {
	switch a.cfg.Broker.Mode {
	case config.BrokerRemote:
		hc, err := broker.NewHTTPClient(a.cfg.Broker.URL)
		if err != nil {
			return fmt.Errorf("app: broker client: %w", err)
		}
		a.brokerClient = hc
	default:
		var bopts []broker.Option
		if a.cfg.Broker.SweepTTL > 0 {
			bopts = append(bopts, broker.WithSweepTTL(a.cfg.Broker.SweepTTL))
		}
		a.embedded = broker.New(a.cfg.Broker.TokensPerMinute, bopts...)
		a.brokerClient = broker.NewLocalClient(a.embedded)
	}
	return nil
}

func (a *App) initStorage(ctx context.Context) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if a.cfg.Storage.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(a.cfg.Storage.Region))
	}
	if a.cfg.Storage.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.cfg.Storage.AccessKey, a.cfg.Storage.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if a.cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = &a.cfg.Storage.Endpoint
			// S3-compatible stores like MinIO resolve buckets by path.
			o.UsePathStyle = true
		}
	}), nil
}

func (a *App) initHandler(store *s3.Client) error {
	switch a.cfg.Worker.Family {
	case config.FamilyFeedback, config.FamilyReasoner:
		adapter, err := a.newCompleter()
		if err != nil {
			return err
		}
		if a.cfg.Worker.Family == config.FamilyFeedback {
			fopts := []worker.FeedbackOption{worker.WithHashtagTable(a.cfg.Worker.HashtagTable)}
			if a.cfg.Worker.MaxRetries > 0 {
				fopts = append(fopts, worker.WithFeedbackMaxRetries(a.cfg.Worker.MaxRetries))
			}
			a.handler = worker.NewFeedback(adapter, a.brokerClient, fopts...)
		} else {
			var ropts []worker.ReasonerOption
			if a.cfg.Worker.MaxRetries > 0 {
				ropts = append(ropts, worker.WithReasonerMaxRetries(a.cfg.Worker.MaxRetries))
			}
			a.handler = worker.NewReasoner(adapter, a.brokerClient, ropts...)
		}

	case config.FamilyAudio:
		p, err := a.newPipeline(store)
		if err != nil {
			return err
		}
		a.handler = worker.NewAudio(p)

	default:
		return fmt.Errorf("app: no handler for family %q", a.cfg.Worker.Family)
	}
	return nil
}

func (a *App) newCompleter() (*llm.Adapter, error) {
	lopts := []llm.Option{
		llm.WithMetrics(a.metrics),
		llm.WithDefaults(a.cfg.LLM.MaxTokens, a.cfg.LLM.Temperature),
	}
	if a.cfg.LLM.BaseURL != "" {
		lopts = append(lopts, llm.WithBaseURL(a.cfg.LLM.BaseURL))
	}
	if a.cfg.LLM.StructuredRetries > 0 {
		lopts = append(lopts, llm.WithStructuredRetries(a.cfg.LLM.StructuredRetries))
	}
	adapter, err := llm.New(a.cfg.LLM.APIKey, a.cfg.LLM.Model, a.cfg.Broker.AppID, a.brokerClient, lopts...)
	if err != nil {
		return nil, fmt.Errorf("app: llm adapter: %w", err)
	}
	return adapter, nil
}

func (a *App) newPipeline(store *s3.Client) (*pipeline.Pipeline, error) {
	sopts := []stt.Option{stt.WithMetrics(a.metrics)}
	if a.cfg.STT.RequestTokens > 0 {
		sopts = append(sopts, stt.WithRequestTokens(a.cfg.STT.RequestTokens))
	}
	transcriber, err := stt.New(a.cfg.STT.Endpoint, a.cfg.STT.APIKey, a.cfg.STT.Model, a.cfg.Broker.AppID, a.brokerClient, sopts...)
	if err != nil {
		return nil, fmt.Errorf("app: stt adapter: %w", err)
	}

	pc := a.cfg.Pipeline
	return pipeline.New(
		pipeline.NewDownloader(store, a.cfg.Storage.AudioBucket, pc.TmpDir),
		pipeline.NewPreprocessor(pc.TmpDir),
		pipeline.NewChunker(pc.TmpDir, int64(pc.ChunkSizeMB)<<20),
		pipeline.NewFanout(transcriber, pc.MaxConcurrent),
		pipeline.NewDiarizer(pipeline.DiarizerConfig{
			MinSegmentDuration: pc.MinSegmentDuration,
			MergeThreshold:     pc.MergeThreshold,
		}),
		pipeline.WithMetrics(a.metrics),
	), nil
}

func (a *App) initWorker(store *s3.Client) error {
	cfg := a.cfg
	var in bus.Receiver
	var out bus.Sender
	if a.injectedBus != nil {
		in, out = a.injectedBus.in, a.injectedBus.out
	} else {
		r := bus.NewReceiver(cfg.Bus.Brokers, cfg.Bus.GroupID, cfg.Bus.InTopic)
		w := bus.NewSender(cfg.Bus.Brokers, cfg.Bus.OutTopic)
		a.closers = append(a.closers, r.Close, w.Close)
		in, out = r, w
	}

	wopts := []bus.WorkerOption{bus.WithWorkerMetrics(a.metrics)}
	if cfg.Worker.BatchSize > 0 {
		wopts = append(wopts, bus.WithBatchSize(cfg.Worker.BatchSize))
	}
	if cfg.Worker.HandlerTimeout > 0 {
		wopts = append(wopts, bus.WithHandlerTimeout(cfg.Worker.HandlerTimeout))
	}

	if cfg.Upload.Time != "" && a.injectedBus == nil {
		cmdIn := bus.NewReceiver(cfg.Bus.Brokers, cfg.Bus.GroupID, cfg.Bus.CommandTopic)
		cmdOut := bus.NewSender(cfg.Bus.Brokers, cfg.Bus.CommandTopic)
		a.closers = append(a.closers, cmdIn.Close, cmdOut.Close)

		uploader := logupload.New(store, cfg.Storage.LogBucket, cfg.Upload.AppName, cfg.Upload.LogDir)
		sched, err := bus.NewScheduler(cfg.Upload.Time, cmdIn, cmdOut, uploader.Run)
		if err != nil {
			return fmt.Errorf("app: scheduler: %w", err)
		}
		wopts = append(wopts, bus.WithScheduler(sched))
	}

	a.worker = bus.NewWorker(string(cfg.Worker.Family), in, out, a.handler, wopts...)
	return nil
}

func (a *App) initServer() {
	mux := http.NewServeMux()

	checkers := []health.Checker{
		{Name: "broker", Check: func(ctx context.Context) error {
			_, err := a.brokerClient.Status(ctx)
			return err
		}},
	}
	if len(a.cfg.Bus.Brokers) > 0 && a.injectedBus == nil {
		addr := a.cfg.Bus.Brokers[0]
		checkers = append(checkers, health.Checker{Name: "bus", Check: func(ctx context.Context) error {
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		}})
	}
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run starts the HTTP surface and the consume loop and blocks until ctx is
// cancelled or a subsystem fails fatally.
func (a *App) Run(ctx context.Context) error {
	if a.embedded != nil {
		a.embedded.StartSweeper(ctx)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("app: http server: %w", err)
		}
	}()
	go func() {
		errCh <- a.worker.Run(ctx)
	}()

	slog.Info("application running", "addr", a.server.Addr)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// Shutdown stops the HTTP server and closes the bus endpoints. Safe to call
// more than once; respects the ctx deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("application stopped")
	})
	return errors.Join(errs...)
}
