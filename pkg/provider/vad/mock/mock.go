// Package mock provides test doubles for the vad package interfaces.
//
// Session returns scripted results: each AnalyzeFrame call pops the next
// entry from Script, and once the script is exhausted it keeps returning
// Default. Use ActiveFunc to decide activity from the frame itself.
//
// Example:
//
//	sess := &mock.Session{Script: []bool{false, true, true, false}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/therascribe/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new default Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{threshold: cfg.Threshold}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script holds per-frame activity decisions consumed in order.
	Script []bool

	// ActiveFunc, if set and Script is exhausted, decides activity from the
	// frame bytes.
	ActiveFunc func(frame []byte) bool

	// Default is returned once Script is exhausted and ActiveFunc is nil.
	Default bool

	// --- Call records ---

	// Frames records a copy of every frame passed to AnalyzeFrame.
	Frames [][]byte

	// Thresholds records every UpdateThreshold argument.
	Thresholds []float64

	ResetCallCount int
	CloseCallCount int

	threshold float64
}

// AnalyzeFrame records the frame and returns the next scripted decision.
func (s *Session) AnalyzeFrame(frame []byte) vad.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)

	active := s.Default
	switch {
	case len(s.Script) > 0:
		active = s.Script[0]
		s.Script = s.Script[1:]
	case s.ActiveFunc != nil:
		active = s.ActiveFunc(frame)
	}

	res := vad.Result{Timestamp: time.Now(), VoiceActive: active}
	if active {
		res.Confidence = 1
	}
	return res
}

// UpdateThreshold records the call.
func (s *Session) UpdateThreshold(threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Thresholds = append(s.Thresholds, threshold)
	s.threshold = threshold
}

// Threshold returns the last threshold set.
func (s *Session) Threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
