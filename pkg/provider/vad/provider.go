// Package vad defines the Engine interface for Voice Activity Detection.
//
// A VAD engine classifies short PCM frames as speech or silence. Each stream
// gets its own SessionHandle holding the rolling state (energy history) that
// the detector needs, so many sessions can run side by side.
//
// Analysis is synchronous and never fails: AnalyzeFrame always returns a
// [Result], which makes it safe to call inline in the per-session loop.
package vad

import "time"

// Default detection parameters.
const (
	DefaultSampleRate     = 16000
	DefaultFrameSizeMs    = 20
	DefaultThreshold      = 0.01
	DefaultHistorySize    = 30
	DefaultRelativeFactor = 1.5
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the PCM frames in Hz.
	SampleRate int

	// FrameSizeMs is the nominal frame duration. Informational for energy
	// based detectors; frames of other sizes are still analysed.
	FrameSizeMs int

	// Threshold is the absolute normalised RMS energy a frame must exceed to
	// count as speech. Range [0, 1].
	Threshold float64

	// HistorySize is the number of previous frames whose mean energy forms the
	// relative baseline.
	HistorySize int

	// RelativeFactor is the multiple of the baseline a frame must exceed.
	RelativeFactor float64
}

// WithDefaults returns cfg with zero fields replaced by the package defaults.
// A zero Threshold is kept: it is a valid, maximally sensitive setting.
func (cfg Config) WithDefaults() Config {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSizeMs <= 0 {
		cfg.FrameSizeMs = DefaultFrameSizeMs
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.RelativeFactor <= 0 {
		cfg.RelativeFactor = DefaultRelativeFactor
	}
	return cfg
}

// SpectralFeatures are cheap frame descriptors reported alongside the
// decision.
type SpectralFeatures struct {
	ZeroCrossingRate float64 `json:"zeroCrossingRate"`
	Peak             float64 `json:"peak"`
}

// Result is the detection outcome for a single frame.
type Result struct {
	Timestamp   time.Time        `json:"timestamp"`
	VoiceActive bool             `json:"isVoiceActive"`
	Confidence  float64          `json:"confidence"`
	Energy      float64          `json:"energy"`
	Spectral    SpectralFeatures `json:"spectralFeatures"`
}

// SessionHandle is an active VAD session for a single audio stream. A handle
// is owned by one goroutine; it is not safe for concurrent use.
type SessionHandle interface {
	// AnalyzeFrame classifies one PCM frame and updates the rolling history.
	AnalyzeFrame(frame []byte) Result

	// UpdateThreshold replaces the absolute threshold. It takes effect on the
	// next AnalyzeFrame call.
	UpdateThreshold(threshold float64)

	// Threshold returns the active absolute threshold.
	Threshold() float64

	// Reset clears the rolling history without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine creates VAD sessions. Implementations must be safe for concurrent
// use.
type Engine interface {
	// NewSession creates a new session. Returns an error if cfg is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
