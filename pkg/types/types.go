// Package types defines the shared data model used across all therascribe
// packages.
//
// These types are the lingua franca between the VAD, the buffering policy,
// the provider adapters, the failover controller and the relay. Each package
// keeps its own domain types; cross-cutting structures live here to avoid
// circular imports.
package types

import (
	"slices"
	"time"
)

// bytesPerSample is fixed at 2 for the 16-bit signed little-endian PCM that
// flows through the pipeline.
const bytesPerSample = 2

// AudioFrame is a single block of PCM audio pushed by the audio source.
// Frames are ephemeral: they are analysed by the VAD, possibly buffered, and
// handed to a provider adapter. They are never persisted.
type AudioFrame struct {
	// Data is 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for transcription input).
	SampleRate int

	// Channels is 1 for mono input. The pipeline downmixes anything else.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Returns 0 when the
// sample rate or channel count is unset.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (bytesPerSample * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// WordDetail holds per-word metadata from providers that report it.
type WordDetail struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
}

// ProcessingInfo breaks down where time was spent producing a result.
type ProcessingInfo struct {
	// Latency is the wall time from dispatching audio to receiving the result.
	Latency time.Duration `json:"latency"`

	// ProcessingTime is the time the provider reports it spent, or Latency when
	// the provider does not report it.
	ProcessingTime time.Duration `json:"processingTime"`

	// QueueTime is the time audio waited in the buffer before dispatch.
	QueueTime time.Duration `json:"queueTime"`
}

// TranscriptionResult is a transcript produced by a provider adapter. Both
// interim and final results use this type.
//
// For a given UtteranceID an interim result is always followed by at most one
// final result, never the reverse.
type TranscriptionResult struct {
	ID          string         `json:"id"`
	UtteranceID string         `json:"utteranceId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Text        string         `json:"text"`
	Language    string         `json:"language,omitempty"`
	Confidence  float64        `json:"confidence"`
	IsFinal     bool           `json:"isFinal"`
	Words       []WordDetail   `json:"words,omitempty"`
	Provider    string         `json:"provider"`
	Processing  ProcessingInfo `json:"processing"`
}

// ProviderStatus is recomputed on demand from a provider's counters.
type ProviderStatus struct {
	Available bool          `json:"isAvailable"`
	Latency   time.Duration `json:"latency"`
	ErrorRate float64       `json:"errorRate"`
}

// ProviderProfile names the primary provider and its ordered fallbacks. It is
// fixed for the lifetime of a session.
type ProviderProfile struct {
	Primary   string
	Fallbacks []string
}

// Order returns the primary followed by the fallbacks, without duplicates.
func (p ProviderProfile) Order() []string {
	out := make([]string, 0, 1+len(p.Fallbacks))
	if p.Primary != "" {
		out = append(out, p.Primary)
	}
	for _, f := range p.Fallbacks {
		if f == "" || slices.Contains(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Clone returns a deep copy so callers cannot mutate a session's profile.
func (p ProviderProfile) Clone() ProviderProfile {
	return ProviderProfile{Primary: p.Primary, Fallbacks: slices.Clone(p.Fallbacks)}
}
