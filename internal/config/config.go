// Package config provides the configuration schema, loader, provider
// registry and hot-reload watcher for the therascribe server.
package config

import "time"

// LogLevel controls log verbosity for the server.
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

// PipelineMode selects how audio is grouped before it reaches a provider.
type PipelineMode string

const (
	ModeBatch    PipelineMode = "batch"
	ModeRealtime PipelineMode = "realtime"
	ModeHybrid   PipelineMode = "hybrid"
)

// IsValid reports whether m is a recognised mode.
func (m PipelineMode) IsValid() bool {
	switch m {
	case ModeBatch, ModeRealtime, ModeHybrid:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Relay     RelayConfig     `yaml:"relay"`
	Sink      SinkConfig      `yaml:"sink"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig lists the transcription and synthesis backends. In each
// list the first entry is the primary and the rest are the fallbacks, in
// order.
type ProvidersConfig struct {
	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig tunes per-session audio processing.
type PipelineConfig struct {
	// Mode is batch, realtime or hybrid. Default batch.
	Mode PipelineMode `yaml:"mode"`

	// MinSilence is the trailing silence that ends an utterance. Default 1s.
	MinSilence time.Duration `yaml:"min_silence"`

	// BatchSize caps the audio accumulated before a forced flush.
	// Default 3s.
	BatchSize time.Duration `yaml:"batch_size"`

	// VADThreshold is the speech energy threshold in [0, 1]. Hot-reloadable.
	VADThreshold *float64 `yaml:"vad_threshold"`

	// VADHistory is the number of frames forming the energy baseline.
	VADHistory int `yaml:"vad_history"`

	FailoverEnabled bool `yaml:"failover_enabled"`

	// FailoverThreshold is the error rate above which a provider is
	// abandoned. Default 0.3.
	FailoverThreshold float64 `yaml:"failover_threshold"`

	// RequestTimeout bounds each provider round-trip. Default 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SampleRate of session audio. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// Language is the BCP-47 recognition language. Default "en-US".
	Language string `yaml:"language"`

	InterimResults bool `yaml:"interim_results"`
}

// RelayConfig configures the streaming relay.
type RelayConfig struct {
	// JWTSecret verifies HS256 session tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// AllowDevSessions admits "sess-<uuid>" sessions without a token.
	AllowDevSessions bool `yaml:"allow_dev_sessions"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	// MessagesPerMinute caps audio messages per connection. Default 100.
	MessagesPerMinute int `yaml:"messages_per_minute"`

	// ConnectionsPerMinute caps new connections per identity. Default 10.
	ConnectionsPerMinute int `yaml:"connections_per_minute"`

	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	// ProviderOrder is the fallback walk order. Defaults to the order of
	// providers.stt.
	ProviderOrder []string `yaml:"provider_order"`

	// ChaosFailureRate randomly fails that share of provider attempts.
	// Testing only; 0 disables it.
	ChaosFailureRate float64 `yaml:"chaos_failure_rate"`
}

// SinkConfig configures transcript sinks.
type SinkConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	Redis RedisConfig `yaml:"redis"`
}

// KafkaConfig configures the Kafka transcript sink. Empty Brokers disables
// it.
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	IncludeInterim bool     `yaml:"include_interim"`
}

// RedisConfig configures the Redis stream sink. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// StreamPrefix is joined with the session id to form the stream key.
	StreamPrefix string `yaml:"stream_prefix"`

	// MaxLen approximately caps each session stream. 0 keeps everything.
	MaxLen int64 `yaml:"max_len"`

	// TTL expires a session stream after its last event.
	TTL time.Duration `yaml:"ttl"`

	IncludeInterim bool `yaml:"include_interim"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	// ServiceName defaults to "therascribe".
	ServiceName string `yaml:"service_name"`

	// OTLPEndpoint (host:port) receives spans over OTLP/HTTP. Empty keeps
	// spans in process.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// TraceSampleRate is the share of traces sampled. Default 1.
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultMinSilence        = time.Second
	DefaultBatchSize         = 3 * time.Second
	DefaultVADThreshold      = 0.02
	DefaultFailoverThreshold = 0.3
	DefaultRequestTimeout    = 10 * time.Second
	DefaultSampleRate        = 16000
	DefaultLanguage          = "en-US"
	DefaultKafkaTopic        = "therascribe.transcripts"
	DefaultServiceName       = "therascribe"
)

// ApplyDefaults replaces zero values with their documented defaults. Relay
// limits keep their zero values; the relay fills them itself.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	p := &cfg.Pipeline
	if p.Mode == "" {
		p.Mode = ModeBatch
	}
	if p.MinSilence <= 0 {
		p.MinSilence = DefaultMinSilence
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.VADThreshold == nil {
		t := DefaultVADThreshold
		p.VADThreshold = &t
	}
	if p.FailoverThreshold <= 0 {
		p.FailoverThreshold = DefaultFailoverThreshold
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	if p.SampleRate <= 0 {
		p.SampleRate = DefaultSampleRate
	}
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
	if len(cfg.Relay.ProviderOrder) == 0 {
		for _, e := range cfg.Providers.STT {
			cfg.Relay.ProviderOrder = append(cfg.Relay.ProviderOrder, e.Name)
		}
	}
	if len(cfg.Sink.Kafka.Brokers) > 0 && cfg.Sink.Kafka.Topic == "" {
		cfg.Sink.Kafka.Topic = DefaultKafkaTopic
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Threshold returns the VAD threshold, or the default when unset.
func (p PipelineConfig) Threshold() float64 {
	if p.VADThreshold == nil {
		return DefaultVADThreshold
	}
	return *p.VADThreshold
}
