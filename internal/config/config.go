// Package config provides the configuration schema, loader, and validation
// for the callsight worker services and the token broker.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Family selects which handler a worker process runs.
type Family string

const (
	// FamilyFeedback classifies customer feedback text.
	FamilyFeedback Family = "feedback"

	// FamilyReasoner classifies call transcripts by reason.
	FamilyReasoner Family = "reasoner"

	// FamilyAudio transcribes and diarizes call recordings.
	FamilyAudio Family = "audio"
)

// IsValid reports whether f is a recognised worker family.
func (f Family) IsValid() bool {
	switch f {
	case FamilyFeedback, FamilyReasoner, FamilyAudio:
		return true
	}
	return false
}

// BrokerMode selects where token admission decisions are made.
type BrokerMode string

const (
	// BrokerEmbedded runs the broker inside the worker process.
	BrokerEmbedded BrokerMode = "embedded"

	// BrokerRemote consults a standalone broker service over HTTP.
	BrokerRemote BrokerMode = "remote"
)

// IsValid reports whether m is a recognised broker mode.
func (m BrokerMode) IsValid() bool {
	return m == BrokerEmbedded || m == BrokerRemote
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
	Bus      BusConfig      `yaml:"bus"`
	Broker   BrokerConfig   `yaml:"broker"`
	LLM      LLMConfig      `yaml:"llm"`
	STT      STTConfig      `yaml:"stt"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings shared by both binaries.
type ServerConfig struct {
	// ListenAddr is the TCP address for the HTTP surface: metrics and health
	// on the worker, the broker API on the tokenbroker service.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// WorkerConfig selects and tunes the handler family of this process.
type WorkerConfig struct {
	// Family selects the handler: feedback, reasoner, or audio.
	Family Family `yaml:"family"`

	// BatchSize caps messages fetched per loop iteration. Zero means 10.
	BatchSize int `yaml:"batch_size"`

	// HandlerTimeout is the wall-clock limit per message. Zero means 5m.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// MaxRetries bounds rate-limit retries per handler invocation.
	MaxRetries int `yaml:"max_retries"`

	// HashtagTable maps feedback categories to curated hashtags. Categories
	// not listed fall back to the model's own suggestion.
	HashtagTable map[string]string `yaml:"hashtag_table"`
}

// BusConfig connects the worker to its Kafka topics.
type BusConfig struct {
	// Brokers lists the Kafka bootstrap addresses.
	Brokers []string `yaml:"brokers"`

	// GroupID is the consumer group shared by a family's replicas.
	GroupID string `yaml:"group_id"`

	// InTopic carries inbound job envelopes.
	InTopic string `yaml:"in_topic"`

	// OutTopic receives result envelopes.
	OutTopic string `yaml:"out_topic"`

	// CommandTopic carries the daily side-task markers. Empty disables the
	// scheduled log upload.
	CommandTopic string `yaml:"command_topic"`
}

// BrokerConfig governs token budget admission.
type BrokerConfig struct {
	// Mode selects embedded or remote admission.
	Mode BrokerMode `yaml:"mode"`

	// URL is the broker service base URL. Required in remote mode.
	URL string `yaml:"url"`

	// AppID labels this worker's reservations at the broker.
	AppID string `yaml:"app_id"`

	// TokensPerMinute is the shared window budget. Required in embedded mode
	// and for the tokenbroker service.
	TokensPerMinute int `yaml:"tokens_per_minute"`

	// SweepTTL reclaims orphaned reservations older than this. Zero means 5m.
	SweepTTL time.Duration `yaml:"sweep_ttl"`
}

// LLMConfig points the completion adapter at its backend.
type LLMConfig struct {
	// APIKey authenticates against the completion endpoint.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the default endpoint, e.g. an Azure deployment URL.
	BaseURL string `yaml:"base_url"`

	// Model is the deployment or model name used for completions and token
	// estimation.
	Model string `yaml:"model"`

	// MaxTokens bounds completion length. Zero means 1000.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is forwarded verbatim to the backend.
	Temperature float64 `yaml:"temperature"`

	// StructuredRetries caps internal schema-validation retries. Zero means 3.
	StructuredRetries int `yaml:"structured_retries"`
}

// STTConfig points the transcription adapter at its backend.
type STTConfig struct {
	// Endpoint is the full transcription URL.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates against the endpoint.
	APIKey string `yaml:"api_key"`

	// Model is the transcription model name.
	Model string `yaml:"model"`

	// RequestTokens is the fixed per-request token estimate charged against
	// the broker window. The backend bills by audio seconds, not tokens, so
	// a flat budget per deployment is used.
	RequestTokens int `yaml:"request_tokens"`
}

// StorageConfig configures the S3-compatible blob store.
type StorageConfig struct {
	// Region is the AWS region or a placeholder for S3-compatible stores.
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for non-AWS deployments. Empty uses
	// the AWS default resolution.
	Endpoint string `yaml:"endpoint"`

	// AccessKey and SecretKey are static credentials. Empty falls back to
	// the ambient AWS credential chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// AudioBucket holds inbound call recordings.
	AudioBucket string `yaml:"audio_bucket"`

	// LogBucket receives uploaded log files.
	LogBucket string `yaml:"log_bucket"`
}

// UploadConfig schedules the daily log upload side-task.
type UploadConfig struct {
	// Time is the UTC target time of day, formatted "HH:MM:SS".
	Time string `yaml:"time"`

	// LogDir is the directory scanned for rotated log files.
	LogDir string `yaml:"log_dir"`

	// AppName prefixes uploaded object keys.
	AppName string `yaml:"app_name"`
}

// PipelineConfig tunes the audio pipeline stages.
type PipelineConfig struct {
	// TmpDir is the parent for per-run scratch directories. Empty means the
	// system temp directory.
	TmpDir string `yaml:"tmp_dir"`

	// ChunkSizeMB is the per-upload size ceiling. Zero means 24.
	ChunkSizeMB int `yaml:"chunk_size_mb"`

	// MaxConcurrent bounds in-flight STT uploads per run. Zero means 4.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MinSegmentDuration drops shorter diarized segments, in seconds.
	// Zero means 0.5.
	MinSegmentDuration float64 `yaml:"min_segment_duration"`

	// MergeThreshold merges same-speaker segments with gaps up to this many
	// seconds. Zero means 1.0.
	MergeThreshold float64 `yaml:"merge_threshold"`
}
