// Command callsight runs one classification worker: it consumes job
// envelopes from the bus, runs the configured family's handler, and
// publishes result envelopes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/callsight-ai/callsight/internal/app"
	"github.com/callsight-ai/callsight/internal/config"
	"github.com/callsight-ai/callsight/internal/observe"
)

// version is stamped by the build via -ldflags.
var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "callsight.yml", "path to the YAML configuration file")
	flag.Parse()

	// A .env file is a local development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config file %q not found; pass -config pointing at one\n", *configPath)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("callsight starting",
		"version", version,
		"config", *configPath,
		"family", cfg.Worker.Family,
		"broker_mode", cfg.Broker.Mode,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callsight",
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

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		return 1
	}

	runErr := a.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.Shutdown(stopCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
	}

	if runErr != nil {
		slog.Error("worker exited with error", "err", runErr)
		return 1
	}
	slog.Info("callsight stopped")
	return 0
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
