// Package mock provides a test double for the stt.Adapter interface.
//
// Adapter follows the real lifecycle (Feed fails before Start, Destroy is
// idempotent) and records every call. Script failures with FeedErrs, flip
// availability with SetUnavailable, and push asynchronous results with Emit.
//
// Example:
//
//	a := mock.New("primary", stt.ModeBatch)
//	a.FeedErrs = []error{errBoom, errBoom, nil}
//	orch := session.New(cfg, []stt.Adapter{a, fallback}, engine)
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/types"
)

// Adapter is a mock implementation of stt.Adapter.
type Adapter struct {
	mu sync.Mutex

	name string
	mode stt.Mode

	// InitErr, if non-nil, is returned (wrapped) by Initialize.
	InitErr error

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// FeedErrs scripts per-call Feed outcomes; a nil entry succeeds. Once
	// exhausted every Feed succeeds.
	FeedErrs []error

	// FeedFunc, if set, produces the result for successful Feed calls.
	FeedFunc func(audio []byte) *types.TranscriptionResult

	// Latency is reported for successful requests.
	Latency time.Duration

	// --- Call records ---

	InitializeCalls []stt.Config
	StartCalls      int
	StopCalls       int
	DestroyCalls    int
	Fed             [][]byte

	unavailable bool
	feedCount   int
	life        provider.Lifecycle
	stats       provider.Stats
	events      chan stt.Event
	closeOnce   sync.Once
}

// New creates a mock adapter. Streaming adapters get a buffered Events
// channel.
func New(name string, mode stt.Mode) *Adapter {
	a := &Adapter{name: name, mode: mode}
	if mode == stt.ModeStreaming {
		a.events = make(chan stt.Event, 64)
	}
	return a
}

var _ stt.Adapter = (*Adapter)(nil)

// Name returns the configured name.
func (a *Adapter) Name() string { return a.name }

// Mode returns the configured mode.
func (a *Adapter) Mode() stt.Mode { return a.mode }

// Initialize records the call and returns InitErr as an InitializationError.
func (a *Adapter) Initialize(_ context.Context, cfg stt.Config) error {
	a.mu.Lock()
	a.InitializeCalls = append(a.InitializeCalls, cfg)
	initErr := a.InitErr
	a.mu.Unlock()
	if initErr != nil {
		return &provider.InitializationError{Provider: a.name, Err: initErr}
	}
	return a.life.MarkInitialized()
}

// Start records the call.
func (a *Adapter) Start(context.Context) error {
	a.mu.Lock()
	a.StartCalls++
	startErr := a.StartErr
	a.mu.Unlock()
	if startErr != nil {
		return startErr
	}
	_, err := a.life.Start()
	return err
}

// Feed records the audio and returns the next scripted outcome.
func (a *Adapter) Feed(_ context.Context, audio []byte) (*types.TranscriptionResult, error) {
	if err := a.life.CheckAccepting(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	a.Fed = append(a.Fed, cp)
	a.feedCount++
	n := a.feedCount
	var err error
	if len(a.FeedErrs) > 0 {
		err = a.FeedErrs[0]
		a.FeedErrs = a.FeedErrs[1:]
	}
	fn := a.FeedFunc
	latency := a.Latency
	a.mu.Unlock()

	if err != nil {
		a.stats.RecordError()
		return nil, provider.NewError(a.name, "feed", err)
	}
	a.stats.RecordSuccess(latency)

	if fn != nil {
		return fn(audio), nil
	}
	if a.mode == stt.ModeStreaming {
		return nil, nil
	}
	return &types.TranscriptionResult{
		ID:         fmt.Sprintf("%s-%d", a.name, n),
		Timestamp:  time.Now(),
		Text:       fmt.Sprintf("%s chunk %d", a.name, n),
		Language:   "en",
		Confidence: 0.9,
		IsFinal:    true,
		Provider:   a.name,
		Processing: types.ProcessingInfo{Latency: latency, ProcessingTime: latency},
	}, nil
}

// Stop records the call.
func (a *Adapter) Stop(context.Context) (*types.TranscriptionResult, error) {
	a.mu.Lock()
	a.StopCalls++
	a.mu.Unlock()
	a.life.Stop()
	return nil, nil
}

// Destroy records the call and closes Events on the first call.
func (a *Adapter) Destroy() error {
	a.mu.Lock()
	a.DestroyCalls++
	a.mu.Unlock()
	if a.life.Destroy() && a.events != nil {
		a.closeOnce.Do(func() { close(a.events) })
	}
	return nil
}

// Status reports availability from SetUnavailable and the lifecycle.
func (a *Adapter) Status() types.ProviderStatus {
	a.mu.Lock()
	down := a.unavailable
	a.mu.Unlock()
	return a.stats.Status(!down && a.life.Usable())
}

// Events returns the streaming channel, or nil for batch adapters.
func (a *Adapter) Events() <-chan stt.Event {
	if a.events == nil {
		return nil
	}
	return a.events
}

// SetUnavailable forces Status().Available to false.
func (a *Adapter) SetUnavailable(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unavailable = down
}

// Emit pushes an asynchronous event. It is a no-op for batch adapters and
// after Destroy.
func (a *Adapter) Emit(ev stt.Event) {
	if a.events == nil || a.life.State() == provider.StateDestroyed {
		return
	}
	a.events <- ev
}

// State exposes the lifecycle state for assertions.
func (a *Adapter) State() provider.State { return a.life.State() }

// Counts returns a snapshot of the call counters.
func (a *Adapter) Counts() (starts, stops, destroys, feeds int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.StartCalls, a.StopCalls, a.DestroyCalls, len(a.Fed)
}

// FedAudio returns a copy of every chunk passed to Feed.
func (a *Adapter) FedAudio() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.Fed))
	copy(out, a.Fed)
	return out
}
