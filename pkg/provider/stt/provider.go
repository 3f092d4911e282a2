// Package stt defines the Adapter interface for transcription backends.
//
// An adapter wraps one external speech-to-text service (a batch HTTP server
// such as whisper.cpp, or a streaming service such as Deepgram or Google
// Cloud Speech) behind a uniform lifecycle: Initialize, Start, Feed, Stop,
// Destroy and Status.
//
// Batch adapters return results from Feed (nil until their internal queue
// flushes, then exactly one result per flushed batch). Streaming adapters
// return nil from Feed and deliver interim and final results asynchronously
// on the channel returned by Events.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/therascribe/pkg/types"
)

// Mode tells the orchestrator how an adapter delivers results.
type Mode int

const (
	// ModeBatch adapters transcribe whole buffered units per request.
	ModeBatch Mode = iota

	// ModeStreaming adapters accept a continuous frame stream and emit
	// results on Events.
	ModeStreaming
)

// String returns "batch" or "streaming".
func (m Mode) String() string {
	if m == ModeStreaming {
		return "streaming"
	}
	return "batch"
}

// Config describes the audio format and recognition settings passed to
// Initialize.
type Config struct {
	// SampleRate of the PCM delivered to Feed. Default 16000.
	SampleRate int

	// Channels of the PCM delivered to Feed. Default 1.
	Channels int

	// Language is the BCP-47 tag for recognition (e.g. "en-US").
	Language string

	// RequestTimeout bounds every backend round-trip. Overruns are reported
	// as timeout provider errors. Default 10s.
	RequestTimeout time.Duration

	// InterimResults asks streaming backends for provisional transcripts.
	InterimResults bool
}

// WithDefaults returns cfg with zero fields replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return cfg
}

// Event is an asynchronous delivery from a streaming adapter: either a
// result or a provider error.
type Event struct {
	Result *types.TranscriptionResult
	Err    error
}

// Adapter is the abstraction over any transcription backend.
//
// Implementations must be safe for concurrent use; the orchestrator calls
// lifecycle methods from its session loop while streaming transports run
// their own goroutines.
type Adapter interface {
	// Name is the provider identity used in profiles, events and metrics.
	Name() string

	// Mode reports batch or streaming delivery.
	Mode() Mode

	// Initialize validates that the backend is reachable. It returns a
	// *provider.InitializationError when it is not.
	Initialize(ctx context.Context, cfg Config) error

	// Start moves the adapter into the accepting state. It returns
	// provider.ErrNotInitialized before a successful Initialize.
	Start(ctx context.Context) error

	// Feed hands a unit of PCM to the adapter. Batch adapters may return a
	// result; streaming adapters always return nil and emit on Events.
	Feed(ctx context.Context, audio []byte) (*types.TranscriptionResult, error)

	// Stop flushes any pending batched audio through one final request and
	// leaves the accepting state. The flushed result, if any, is returned.
	Stop(ctx context.Context) (*types.TranscriptionResult, error)

	// Destroy releases all resources. It is idempotent.
	Destroy() error

	// Status reports availability, last latency and error rate.
	Status() types.ProviderStatus

	// Events returns the asynchronous result channel. Batch adapters return
	// nil. The channel is closed by Destroy.
	Events() <-chan Event
}
