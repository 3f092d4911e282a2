package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart and is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADThresholdChanged bool
	NewVADThreshold     float64

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADThresholdChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if ot, nt := old.Pipeline.Threshold(), new.Pipeline.Threshold(); ot != nt {
		d.VADThresholdChanged = true
		d.NewVADThreshold = nt
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	op, np := old.Pipeline, new.Pipeline
	op.VADThreshold, np.VADThreshold = nil, nil
	if op != np {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if !relayEqual(old.Relay, new.Relay) {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if !slices.Equal(old.Sink.Kafka.Brokers, new.Sink.Kafka.Brokers) ||
		old.Sink.Kafka.Topic != new.Sink.Kafka.Topic ||
		old.Sink.Kafka.IncludeInterim != new.Sink.Kafka.IncludeInterim ||
		old.Sink.Redis != new.Sink.Redis {
		d.RestartRequired = append(d.RestartRequired, "sink")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providersEqual(a, b ProvidersConfig) bool {
	eq := func(x, y ProviderEntry) bool {
		// Options are compared by presence only; nested values are opaque.
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL &&
			x.Model == y.Model && len(x.Options) == len(y.Options)
	}
	return slices.EqualFunc(a.STT, b.STT, eq) && slices.EqualFunc(a.TTS, b.TTS, eq)
}

func relayEqual(a, b RelayConfig) bool {
	return a.JWTSecret == b.JWTSecret &&
		a.AllowDevSessions == b.AllowDevSessions &&
		slices.Equal(a.AllowedOrigins, b.AllowedOrigins) &&
		a.MessagesPerMinute == b.MessagesPerMinute &&
		a.ConnectionsPerMinute == b.ConnectionsPerMinute &&
		a.TelemetryInterval == b.TelemetryInterval &&
		a.IdleTimeout == b.IdleTimeout &&
		a.SweepInterval == b.SweepInterval &&
		slices.Equal(a.ProviderOrder, b.ProviderOrder) &&
		a.ChaosFailureRate == b.ChaosFailureRate
}
