package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Worker
	if cfg.Worker.Family != "" && !cfg.Worker.Family.IsValid() {
		errs = append(errs, fmt.Errorf("worker.family %q is invalid; valid values: feedback, reasoner, audio", cfg.Worker.Family))
	}
	if cfg.Worker.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size %d must not be negative", cfg.Worker.BatchSize))
	}
	if cfg.Worker.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker.handler_timeout %v must not be negative", cfg.Worker.HandlerTimeout))
	}

	// Bus — required whenever a family is configured.
	if cfg.Worker.Family != "" {
		if len(cfg.Bus.Brokers) == 0 {
			errs = append(errs, errors.New("bus.brokers is required when worker.family is set"))
		}
		if cfg.Bus.InTopic == "" {
			errs = append(errs, errors.New("bus.in_topic is required when worker.family is set"))
		}
		if cfg.Bus.OutTopic == "" {
			errs = append(errs, errors.New("bus.out_topic is required when worker.family is set"))
		}
		if cfg.Bus.GroupID == "" {
			slog.Warn("bus.group_id is empty; each replica will receive every message")
		}
	}

	// Broker
	if cfg.Broker.Mode != "" && !cfg.Broker.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("broker.mode %q is invalid; valid values: embedded, remote", cfg.Broker.Mode))
	}
	switch cfg.Broker.Mode {
	case BrokerEmbedded:
		if cfg.Broker.TokensPerMinute <= 0 {
			errs = append(errs, errors.New("broker.tokens_per_minute must be positive in embedded mode"))
		}
	case BrokerRemote:
		if cfg.Broker.URL == "" {
			errs = append(errs, errors.New("broker.url is required in remote mode"))
		}
		if cfg.Broker.TokensPerMinute != 0 {
			slog.Warn("broker.tokens_per_minute is ignored in remote mode; the broker service owns the budget")
		}
	}
	if cfg.Broker.SweepTTL < 0 {
		errs = append(errs, fmt.Errorf("broker.sweep_ttl %v must not be negative", cfg.Broker.SweepTTL))
	}

	// LLM — required for the text families.
	if cfg.Worker.Family == FamilyFeedback || cfg.Worker.Family == FamilyReasoner {
		if cfg.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm.api_key is required for the %s family", cfg.Worker.Family))
		}
		if cfg.LLM.Model == "" {
			errs = append(errs, fmt.Errorf("llm.model is required for the %s family", cfg.Worker.Family))
		}
	}

	// STT and storage — required for the audio family.
	if cfg.Worker.Family == FamilyAudio {
		if cfg.STT.Endpoint == "" {
			errs = append(errs, errors.New("stt.endpoint is required for the audio family"))
		}
		if cfg.STT.Model == "" {
			errs = append(errs, errors.New("stt.model is required for the audio family"))
		}
		if cfg.Storage.AudioBucket == "" {
			errs = append(errs, errors.New("storage.audio_bucket is required for the audio family"))
		}
		if cfg.STT.RequestTokens <= 0 {
			slog.Warn("stt.request_tokens is not set; using the default per-request estimate")
		}
	}

	// Upload — all-or-nothing.
	if cfg.Upload.Time != "" {
		if _, err := time.Parse("15:04:05", cfg.Upload.Time); err != nil {
			errs = append(errs, fmt.Errorf("upload.time %q must be formatted HH:MM:SS", cfg.Upload.Time))
		}
		if cfg.Upload.LogDir == "" {
			errs = append(errs, errors.New("upload.log_dir is required when upload.time is set"))
		}
		if cfg.Upload.AppName == "" {
			errs = append(errs, errors.New("upload.app_name is required when upload.time is set"))
		}
		if cfg.Storage.LogBucket == "" {
			errs = append(errs, errors.New("storage.log_bucket is required when upload.time is set"))
		}
		// Workers coordinate the upload through the command topic; the
		// tokenbroker schedules it locally and has no bus at all.
		if cfg.Worker.Family != "" && cfg.Bus.CommandTopic == "" {
			errs = append(errs, errors.New("bus.command_topic is required when upload.time is set"))
		}
	}

	// Pipeline
	if cfg.Pipeline.ChunkSizeMB < 0 {
		errs = append(errs, fmt.Errorf("pipeline.chunk_size_mb %d must not be negative", cfg.Pipeline.ChunkSizeMB))
	}
	if cfg.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent %d must not be negative", cfg.Pipeline.MaxConcurrent))
	}
	if cfg.Pipeline.MinSegmentDuration < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_segment_duration %v must not be negative", cfg.Pipeline.MinSegmentDuration))
	}

	return errors.Join(errs...)
}
