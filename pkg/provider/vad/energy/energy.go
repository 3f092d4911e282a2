// Package energy provides an RMS-energy voice activity detector.
//
// A frame is speech when its energy clears an absolute threshold (rejecting
// background hiss) and also clears a multiple of the mean energy of the
// previous frames (rejecting slow drift). Confidence is energy/threshold,
// capped at 1.
package energy

import (
	"fmt"
	"time"

	"github.com/MrWong99/therascribe/pkg/audio"
	"github.com/MrWong99/therascribe/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	now func() time.Time
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("energy: threshold %.4f out of range [0, 1]", cfg.Threshold)
	}
	return &Session{
		cfg:     cfg,
		history: make([]float64, 0, cfg.HistorySize),
		now:     e.now,
	}, nil
}

// Session is a single-stream detector. It owns its energy history.
type Session struct {
	cfg     vad.Config
	history []float64
	now     func() time.Time
}

// AnalyzeFrame classifies frame. The relative baseline is the mean of the
// history before this frame is pushed.
func (s *Session) AnalyzeFrame(frame []byte) vad.Result {
	energy := audio.RMS(frame)
	baseline := s.baseline()

	active := energy > s.cfg.Threshold && energy > s.cfg.RelativeFactor*baseline

	s.history = append(s.history, energy)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}

	return vad.Result{
		Timestamp:   s.now(),
		VoiceActive: active,
		Confidence:  confidence(energy, s.cfg.Threshold),
		Energy:      energy,
		Spectral: vad.SpectralFeatures{
			ZeroCrossingRate: audio.ZeroCrossingRate(frame),
			Peak:             audio.Peak(frame),
		},
	}
}

// UpdateThreshold replaces the absolute threshold, clamped to [0, 1].
func (s *Session) UpdateThreshold(threshold float64) {
	s.cfg.Threshold = min(max(threshold, 0), 1)
}

// Threshold returns the active absolute threshold.
func (s *Session) Threshold() float64 { return s.cfg.Threshold }

// Reset clears the energy history.
func (s *Session) Reset() { s.history = s.history[:0] }

// Close releases the history.
func (s *Session) Close() error {
	s.history = nil
	return nil
}

func (s *Session) baseline() float64 {
	if len(s.history) == 0 {
		return 0
	}
	var sum float64
	for _, e := range s.history {
		sum += e
	}
	return sum / float64(len(s.history))
}

func confidence(energy, threshold float64) float64 {
	if threshold <= 0 {
		if energy > 0 {
			return 1
		}
		return 0
	}
	return min(energy/threshold, 1)
}
