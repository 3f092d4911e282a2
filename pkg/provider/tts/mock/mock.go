// Package mock provides a test double for the tts.Synthesizer interface.
//
// Synthesizer follows the real lifecycle and records every call. Script
// start-up failures with SynthesizeErrs and the emitted audio with Chunks.
//
// Example:
//
//	s := mock.New("primary")
//	s.Chunks = [][]byte{[]byte("audio1"), []byte("audio2")}
//	s.SynthesizeErrs = []error{errBoom}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/tts"
	"github.com/MrWong99/therascribe/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	name string

	// InitErr, if non-nil, is returned (wrapped) by Initialize.
	InitErr error

	// Chunks is emitted on the channel returned by Synthesize.
	Chunks [][]byte

	// SynthesizeErrs scripts per-call Synthesize outcomes; a nil entry
	// succeeds. Once exhausted every call succeeds.
	SynthesizeErrs []error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// --- Call records ---

	InitializeCalls []tts.Config
	SynthesizeCalls []SynthesizeCall
	StartCalls      int
	StopCalls       int
	DestroyCalls    int

	unavailable bool
	life        provider.Lifecycle
	stats       provider.Stats
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New creates a mock synthesizer with the given name.
func New(name string) *Synthesizer {
	return &Synthesizer{name: name}
}

// Name returns the configured name.
func (s *Synthesizer) Name() string { return s.name }

// Initialize records the call and returns InitErr as an InitializationError.
func (s *Synthesizer) Initialize(_ context.Context, cfg tts.Config) error {
	s.mu.Lock()
	s.InitializeCalls = append(s.InitializeCalls, cfg)
	initErr := s.InitErr
	s.mu.Unlock()
	if initErr != nil {
		return &provider.InitializationError{Provider: s.name, Err: initErr}
	}
	return s.life.MarkInitialized()
}

// Start records the call.
func (s *Synthesizer) Start(context.Context) error {
	s.mu.Lock()
	s.StartCalls++
	s.mu.Unlock()
	_, err := s.life.Start()
	return err
}

// Synthesize records the call and emits Chunks unless the next scripted
// error is non-nil.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if err := s.life.CheckAccepting(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	var err error
	if len(s.SynthesizeErrs) > 0 {
		err = s.SynthesizeErrs[0]
		s.SynthesizeErrs = s.SynthesizeErrs[1:]
	}
	chunks := make([][]byte, len(s.Chunks))
	copy(chunks, s.Chunks)
	s.mu.Unlock()

	if err != nil {
		s.stats.RecordError()
		return nil, provider.NewError(s.name, "synthesize", err)
	}
	s.stats.RecordSuccess(0)

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
	}()
	return ch, nil
}

// ListVoices returns Voices.
func (s *Synthesizer) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Voices, nil
}

// Stop records the call.
func (s *Synthesizer) Stop(context.Context) error {
	s.mu.Lock()
	s.StopCalls++
	s.mu.Unlock()
	s.life.Stop()
	return nil
}

// Destroy records the call.
func (s *Synthesizer) Destroy() error {
	s.mu.Lock()
	s.DestroyCalls++
	s.mu.Unlock()
	s.life.Destroy()
	return nil
}

// Status reports availability from SetUnavailable and the lifecycle.
func (s *Synthesizer) Status() types.ProviderStatus {
	s.mu.Lock()
	down := s.unavailable
	s.mu.Unlock()
	return s.stats.Status(!down && s.life.Usable())
}

// SetUnavailable forces Status().Available to false.
func (s *Synthesizer) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// Calls returns a copy of the recorded Synthesize calls.
func (s *Synthesizer) Calls() []SynthesizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SynthesizeCall, len(s.SynthesizeCalls))
	copy(out, s.SynthesizeCalls)
	return out
}
