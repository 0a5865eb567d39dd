// Command tokenbroker serves the shared token admission API. Worker
// replicas configured with broker mode "remote" point at this service so
// one minute window is enforced across all of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callsight-ai/callsight/internal/broker"
	"github.com/callsight-ai/callsight/internal/config"
	"github.com/callsight-ai/callsight/internal/health"
	"github.com/callsight-ai/callsight/internal/logupload"
	"github.com/callsight-ai/callsight/internal/observe"
)

// version is stamped by the build via -ldflags.
var version = "dev"

const (
	defaultListenAddr = ":8081"
	shutdownGrace     = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "tokenbroker.yml", "path to the YAML configuration file")
	tokensPerMinute := flag.Int("tokens-per-minute", 0, "window budget; overrides broker.tokens_per_minute")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The broker has few knobs; a budget flag alone is enough.
			cfg = &config.Config{}
		} else {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	budget := cfg.Broker.TokensPerMinute
	if *tokensPerMinute > 0 {
		budget = *tokensPerMinute
	}
	if budget <= 0 {
		fmt.Fprintln(os.Stderr, "a positive token budget is required: set broker.tokens_per_minute or pass -tokens-per-minute")
		return 1
	}

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}

	slog.Info("tokenbroker starting",
		"version", version,
		"listen_addr", addr,
		"tokens_per_minute", budget,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tokenbroker",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("metrics provider init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics provider shutdown", "err", err)
		}
	}()

	var bopts []broker.Option
	if cfg.Broker.SweepTTL > 0 {
		bopts = append(bopts, broker.WithSweepTTL(cfg.Broker.SweepTTL))
	}
	b := broker.New(budget, bopts...)
	b.StartSweeper(ctx)

	if cfg.Upload.Time != "" {
		store, err := newStore(ctx, cfg)
		if err != nil {
			slog.Error("storage client init failed", "err", err)
			return 1
		}
		app := cfg.Upload.AppName
		if app == "" {
			app = "tokenbroker"
		}
		uploader := logupload.New(store, cfg.Storage.LogBucket, app, cfg.Upload.LogDir)
		go runDailyUpload(ctx, cfg.Upload.Time, uploader)
	}

	mux := http.NewServeMux()
	mux.Handle("/", broker.Handler(b))
	health.New().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("http server failed", "err", err)
		return 1
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
		return 1
	}
	slog.Info("tokenbroker stopped")
	return 0
}

// newStore builds the S3 client the log upload side-task writes to.
func newStore(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Storage.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Storage.Region))
	}
	if cfg.Storage.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = &cfg.Storage.Endpoint
			o.UsePathStyle = true
		}
	}), nil
}

// runDailyUpload ships this service's own logs once per day at the target
// UTC time. The broker carries no message bus, so scheduling is purely local.
func runDailyUpload(ctx context.Context, at string, u *logupload.Uploader) {
	target, err := time.Parse("15:04:05", at)
	if err != nil {
		slog.Error("invalid upload time", "time", at, "err", err)
		return
	}
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(),
			target.Hour(), target.Minute(), target.Second(), 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		if err := u.Run(runCtx); err != nil {
			slog.Warn("log upload failed", "err", err)
		}
		cancel()
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
