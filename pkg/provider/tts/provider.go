// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// Synthesizers share the adapter lifecycle used by transcription backends
// (Initialize, Start, Stop, Destroy, Status) so the same failover controller
// can walk an ordered list of them. The hot path is Synthesize, which returns
// a channel of raw 16-bit PCM chunks as they are produced.
package tts

import (
	"context"
	"time"

	"github.com/MrWong99/therascribe/pkg/types"
)

// VoiceProfile selects a voice on a synthesis backend.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier. Empty selects the
	// adapter's default voice.
	ID string `json:"id"`

	// Name is the human-readable voice name.
	Name string `json:"name,omitempty"`

	// Provider identifies which backend this voice belongs to.
	Provider string `json:"provider,omitempty"`

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config is passed to Initialize.
type Config struct {
	// SampleRate of the PCM the synthesizer should produce. Default 16000.
	SampleRate int

	// RequestTimeout bounds connection setup and each REST call. Default 10s.
	RequestTimeout time.Duration
}

// WithDefaults returns cfg with zero fields replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return cfg
}

// Synthesizer is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; several Synthesize calls
// may run in parallel.
type Synthesizer interface {
	// Name is the provider identity used in profiles and metrics.
	Name() string

	// Initialize validates that the backend is reachable. It returns a
	// *provider.InitializationError when it is not.
	Initialize(ctx context.Context, cfg Config) error

	// Start moves the synthesizer into the accepting state.
	Start(ctx context.Context) error

	// Synthesize streams PCM for text. The returned channel is closed when
	// synthesis completes, fails mid-stream or ctx is cancelled; the caller
	// must drain it. A non-nil error means the stream could not be started.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available on the backend.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// Stop leaves the accepting state.
	Stop(ctx context.Context) error

	// Destroy releases all resources. It is idempotent.
	Destroy() error

	// Status reports availability, last latency and error rate.
	Status() types.ProviderStatus
}
