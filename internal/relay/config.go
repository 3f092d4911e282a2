package relay

import "time"

// Config tunes the relay. Zero values are replaced by [Config.WithDefaults].
type Config struct {
	// JWTSecret verifies HS256 session tokens. Empty disables token auth.
	JWTSecret string

	// AllowDevSessions admits unauthenticated sessions whose id has the form
	// "sess-<uuid>". Development only.
	AllowDevSessions bool

	// AllowedOrigins lists accepted Origin hosts; entries may use path.Match
	// wildcards such as "*.example.com". Empty admits every origin. Requests
	// without an Origin header (native clients) are always admitted.
	AllowedOrigins []string

	// MessagesPerMinute caps inbound audio messages per connection within a
	// sliding one-minute window. Default 100.
	MessagesPerMinute int

	// ConnectionsPerMinute caps new connections per authenticated identity.
	// Default 10.
	ConnectionsPerMinute int

	// TelemetryInterval is the period of telemetry snapshots. Default 5s.
	TelemetryInterval time.Duration

	// IdleTimeout closes connections without inbound traffic. Default 5m.
	IdleTimeout time.Duration

	// SweepInterval is how often idle connections are looked for.
	// Default 30s.
	SweepInterval time.Duration

	// ProviderOrder is the fallback walk order on provider failure.
	ProviderOrder []string

	// SampleRate of inbound PCM and the target of Opus decoding.
	// Default 16000.
	SampleRate int

	// ReadLimit is the largest accepted inbound message in bytes.
	// Default 1 MiB.
	ReadLimit int64
}

// WithDefaults returns a copy with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.MessagesPerMinute <= 0 {
		c.MessagesPerMinute = 100
	}
	if c.ConnectionsPerMinute <= 0 {
		c.ConnectionsPerMinute = 10
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}
