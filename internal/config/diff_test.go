package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/therascribe/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return mustLoad(t, `
providers:
  stt: [{name: deepgram}, {name: whisper}]
relay:
  jwt_secret: x
`)
}

func TestDiff_NoChanges(t *testing.T) {
	d := config.Diff(baseConfig(t), baseConfig(t))
	if !d.Empty() {
		t.Errorf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	old, new := baseConfig(t), baseConfig(t)
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("LogLevelChanged/NewLogLevel = %v/%q, want true/%q", d.LogLevelChanged, d.NewLogLevel, config.LogDebug)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_VADThresholdChanged(t *testing.T) {
	old, new := baseConfig(t), baseConfig(t)
	v := 0.1
	new.Pipeline.VADThreshold = &v

	d := config.Diff(old, new)
	if !d.VADThresholdChanged || d.NewVADThreshold != 0.1 {
		t.Errorf("VADThresholdChanged/NewVADThreshold = %v/%v, want true/0.1", d.VADThresholdChanged, d.NewVADThreshold)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("threshold change must be hot, RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_SamePointeeIsNoChange(t *testing.T) {
	old, new := baseConfig(t), baseConfig(t)
	// Distinct pointers with equal values.
	if old.Pipeline.VADThreshold == new.Pipeline.VADThreshold {
		t.Fatal("fixture should produce distinct threshold pointers")
	}
	if d := config.Diff(old, new); d.VADThresholdChanged {
		t.Error("equal thresholds reported as changed")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server"},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} }, "server"},
		{"provider model", func(c *config.Config) { c.Providers.STT[1].Model = "large-v3" }, "providers"},
		{"provider added", func(c *config.Config) {
			c.Providers.TTS = append(c.Providers.TTS, config.ProviderEntry{Name: "elevenlabs"})
		}, "providers"},
		{"pipeline mode", func(c *config.Config) { c.Pipeline.Mode = config.ModeRealtime }, "pipeline"},
		{"relay order", func(c *config.Config) { c.Relay.ProviderOrder = []string{"whisper"} }, "relay"},
		{"relay limit", func(c *config.Config) { c.Relay.MessagesPerMinute = 5 }, "relay"},
		{"kafka", func(c *config.Config) { c.Sink.Kafka.Brokers = []string{"k:9092"} }, "sink"},
		{"redis", func(c *config.Config) { c.Sink.Redis.Addr = "localhost:6379" }, "sink"},
		{"otlp", func(c *config.Config) { c.Telemetry.OTLPEndpoint = "collector:4318" }, "telemetry"},
		{"telemetry", func(c *config.Config) { c.Telemetry.ServiceName = "other" }, "telemetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old, new := baseConfig(t), baseConfig(t)
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tt.section)
			}
			if d.LogLevelChanged || d.VADThresholdChanged {
				t.Errorf("unexpected hot change reported: %+v", d)
			}
		})
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	old, new := baseConfig(t), baseConfig(t)
	new.Server.LogLevel = config.LogWarn
	v := 0.3
	new.Pipeline.VADThreshold = &v
	new.Relay.AllowDevSessions = true

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.VADThresholdChanged {
		t.Errorf("expected both hot changes, got %+v", d)
	}
	if !slices.Equal(d.RestartRequired, []string{"relay"}) {
		t.Errorf("RestartRequired = %v, want [relay]", d.RestartRequired)
	}
}
