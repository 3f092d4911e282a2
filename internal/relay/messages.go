package relay

import (
	"time"

	"github.com/MrWong99/therascribe/pkg/types"
)

// Outbound message types.
const (
	TypeTelemetry      = "telemetry"
	TypeProviderChange = "providerChange"
	TypeTranscription  = "transcription"
	TypeInterim        = "interim"
	TypeStatus         = "status"
	TypeError          = "error"
	TypeRateLimit      = "rateLimit"
	TypePong           = "pong"
)

// Inbound message types.
const (
	TypeAudio = "audio"
	TypePing  = "ping"
)

// ClientMessage is an inbound JSON control or audio message. Data is base64
// on the wire.
type ClientMessage struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// Envelope carries the fields every outbound message has. Clients switch on
// Type before decoding the rest.
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// Telemetry is the periodic connection snapshot.
type Telemetry struct {
	Envelope
	ConnectionID     string `json:"connectionId"`
	ConnectionUptime int64  `json:"connectionUptime"` // milliseconds
	CurrentProvider  string `json:"currentProvider"`
	PacketsReceived  int64  `json:"packetsReceived"`
	ProviderFailures int64  `json:"providerFailures"`
	RateLimitCount   int64  `json:"rateLimitCount"`
	Status           string `json:"status"`
}

// ProviderChangeMessage reports a relay-driven provider switch.
type ProviderChangeMessage struct {
	Envelope
	OldProvider  string `json:"oldProvider"`
	NewProvider  string `json:"newProvider"`
	Reason       string `json:"reason"`
	FailureCount int64  `json:"failureCount"`
	Uptime       int64  `json:"uptime"` // milliseconds
}

// ResultMessage carries an interim or final transcript.
type ResultMessage struct {
	Envelope
	Result *types.TranscriptionResult `json:"result"`
}

// StatusMessage carries a session lifecycle change.
type StatusMessage struct {
	Envelope
	State    string `json:"state"`
	Provider string `json:"provider"`
}

// ErrorMessage reports a recoverable failure. The connection stays open.
type ErrorMessage struct {
	Envelope
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Phase    string `json:"phase,omitempty"`
}

// RateLimitMessage tells the client an audio message was dropped.
type RateLimitMessage struct {
	Envelope
	Limit        int   `json:"limit"`
	RetryAfterMs int64 `json:"retryAfterMs"`
}

// Connection status values reported in telemetry.
const (
	statusActive   = "active"
	statusDegraded = "degraded"
)
