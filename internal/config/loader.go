package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper", "whisper-native", "google", "mock"},
	"tts": {"elevenlabs", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if len(cfg.Providers.STT) == 0 {
		errs = append(errs, errors.New("providers.stt must list at least one provider"))
	}
	errs = append(errs, validateEntries("stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntries("tts", cfg.Providers.TTS)...)

	// Pipeline
	p := cfg.Pipeline
	if p.Mode != "" && !p.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: batch, realtime, hybrid", p.Mode))
	}
	if t := p.Threshold(); t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad_threshold %.3f is out of range [0, 1]", t))
	}
	if p.FailoverThreshold < 0 || p.FailoverThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.failover_threshold %.3f is out of range [0, 1]", p.FailoverThreshold))
	}
	if p.MinSilence < 0 || p.BatchSize < 0 || p.RequestTimeout < 0 {
		errs = append(errs, errors.New("pipeline durations must not be negative"))
	}
	if p.BatchSize > 0 && p.MinSilence > p.BatchSize {
		errs = append(errs, fmt.Errorf("pipeline.min_silence %v exceeds pipeline.batch_size %v", p.MinSilence, p.BatchSize))
	}
	if p.VADHistory < 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad_history %d must not be negative", p.VADHistory))
	}

	// Relay
	r := cfg.Relay
	if r.JWTSecret == "" && !r.AllowDevSessions {
		errs = append(errs, errors.New("relay.jwt_secret is required unless relay.allow_dev_sessions is set"))
	}
	if r.AllowDevSessions {
		slog.Warn("relay.allow_dev_sessions is enabled; unauthenticated sess-<uuid> sessions are accepted")
	}
	if r.MessagesPerMinute < 0 || r.ConnectionsPerMinute < 0 {
		errs = append(errs, errors.New("relay rate limits must not be negative"))
	}
	for i, name := range r.ProviderOrder {
		if !slices.ContainsFunc(cfg.Providers.STT, func(e ProviderEntry) bool { return e.Name == name }) {
			errs = append(errs, fmt.Errorf("relay.provider_order[%d] %q is not listed in providers.stt", i, name))
		}
	}
	if r.ChaosFailureRate < 0 || r.ChaosFailureRate > 1 {
		errs = append(errs, fmt.Errorf("relay.chaos_failure_rate %.3f is out of range [0, 1]", r.ChaosFailureRate))
	} else if r.ChaosFailureRate > 0 {
		slog.Warn("relay.chaos_failure_rate is set; provider attempts will fail at random", "rate", r.ChaosFailureRate)
	}

	// Sink
	if len(cfg.Sink.Kafka.Brokers) > 0 && cfg.Sink.Kafka.Topic == "" {
		errs = append(errs, errors.New("sink.kafka.topic is required when brokers are set"))
	}
	if rc := cfg.Sink.Redis; rc.MaxLen < 0 || rc.TTL < 0 || rc.DB < 0 {
		errs = append(errs, errors.New("sink.redis max_len, ttl and db must not be negative"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_rate %.3f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

func validateEntries(kind string, entries []ProviderEntry) []error {
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.%s[%d]", prefix, e.Name, kind, prev))
		}
		seen[e.Name] = i
		validateProviderName(kind, e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
