// Package session implements the per-session orchestrator that wires voice
// activity detection into the buffering policy, hands units to the active
// transcription adapter, applies failover and republishes results as events.
//
// All mutable session state is confined to a single loop goroutine. Public
// methods post closures onto that loop and wait for them, silence timers post
// their expiry back onto it, and the loop itself reads the active streaming
// adapter's event channel. No lock protects the session's own state.
//
// Events are delivered on the channel returned by [Orchestrator.Events]. The
// channel is closed by [Orchestrator.Destroy]; when the consumer falls behind,
// events are dropped with a warning rather than blocking audio processing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/therascribe/internal/buffer"
	"github.com/MrWong99/therascribe/internal/observe"
	"github.com/MrWong99/therascribe/internal/resilience"
	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/provider/vad"
	"github.com/MrWong99/therascribe/pkg/types"
)

var (
	// ErrDestroyed is returned by every call after Destroy.
	ErrDestroyed = errors.New("session: destroyed")

	// ErrNotListening is returned by Feed outside the listening state.
	ErrNotListening = errors.New("session: not listening")

	// ErrInvalidState is returned when a lifecycle call does not fit the
	// current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrUnknownProvider is returned by SwitchProvider for names that have no
	// adapter.
	ErrUnknownProvider = errors.New("session: unknown provider")
)

const (
	defaultEventBuffer = 256

	// finalizedMemory bounds how many finalized utterance ids are remembered
	// for dropping late interim results.
	finalizedMemory = 64
)

// Config holds the per-session settings.
type Config struct {
	// ID identifies the session in events, logs and spans. Generated when
	// empty.
	ID string

	// Profile orders the adapters. When Primary is empty the adapter slice
	// order is used.
	Profile types.ProviderProfile

	Buffer   buffer.Config
	VAD      vad.Config
	STT      stt.Config
	Failover resilience.FailoverConfig
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithMetrics sets the metrics sink. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the base logger. Default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithFaultInjector installs a chaos strategy consulted before every
// provider request. Default is [resilience.NeverFail].
func WithFaultInjector(f resilience.FaultInjector) Option {
	return func(o *Orchestrator) { o.faults = f }
}

// WithEventBuffer sets the capacity of the events channel. Default 256.
func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.eventBuf = n
		}
	}
}

// timer is the part of *time.Timer the orchestrator uses.
type timer interface {
	Stop() bool
}

// withClock replaces the wall clock; tests drive silence timers with it.
func withClock(now func() time.Time, afterFunc func(time.Duration, func()) timer) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.afterFunc = afterFunc
	}
}

// Orchestrator is the façade over one transcription session.
type Orchestrator struct {
	id       string
	cfg      Config
	adapters map[string]stt.Adapter
	engine   vad.Engine
	ctrl     *resilience.Controller
	metrics  *observe.Metrics
	log      *slog.Logger
	faults   resilience.FaultInjector
	eventBuf int

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}
	events   chan Event

	runCtx    context.Context
	runCancel context.CancelFunc

	destroyOnce sync.Once

	// Loop-confined state.
	state       State
	vadSess     vad.SessionHandle
	policy      *buffer.Policy
	stream      <-chan stt.Event
	streamOwner string
	companion   string
	failingOver bool
	silence     timer
	silenceAt   time.Time
	timerGen    uint64
	analytics   Analytics
	dedupe      *dedupe
	finalized   map[string]struct{}
	finalOrder  []string
}

// New creates an orchestrator over adapters and starts its loop. The
// orchestrator owns the adapters: Destroy destroys them. Callers must call
// Destroy to release the loop goroutine.
func New(cfg Config, adapters []stt.Adapter, engine vad.Engine, opts ...Option) (*Orchestrator, error) {
	if len(adapters) == 0 {
		return nil, errors.New("session: at least one adapter is required")
	}
	if engine == nil {
		return nil, errors.New("session: vad engine is required")
	}

	byName := make(map[string]stt.Adapter, len(adapters))
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		if _, dup := byName[a.Name()]; dup {
			return nil, fmt.Errorf("session: duplicate adapter %q", a.Name())
		}
		byName[a.Name()] = a
		names = append(names, a.Name())
	}

	if cfg.Profile.Primary == "" {
		cfg.Profile = types.ProviderProfile{Primary: names[0], Fallbacks: names[1:]}
	}
	for _, name := range cfg.Profile.Order() {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("session: profile names %q but no adapter is registered under that name", name)
		}
	}
	if cfg.ID == "" {
		cfg.ID = "sess-" + uuid.NewString()
	}
	cfg.STT = cfg.STT.WithDefaults()
	cfg.VAD = cfg.VAD.WithDefaults()
	if cfg.VAD.SampleRate != cfg.STT.SampleRate {
		cfg.VAD.SampleRate = cfg.STT.SampleRate
	}

	o := &Orchestrator{
		id:        cfg.ID,
		cfg:       cfg,
		adapters:  byName,
		engine:    engine,
		faults:    resilience.NeverFail{},
		eventBuf:  defaultEventBuffer,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		ops:       make(chan func()),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		state:     StateCreated,
		policy:    buffer.New(cfg.Buffer),
		analytics: newAnalytics(),
		dedupe:    newDedupe(),
		finalized: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("session_id", o.id)
	o.ctrl = resilience.NewController(cfg.Profile, cfg.Failover, resilience.WithLogger(o.log))
	o.events = make(chan Event, o.eventBuf)
	o.runCtx, o.runCancel = context.WithCancel(context.Background())

	o.metrics.ActiveSessions.Add(o.runCtx, 1)
	go o.run()
	return o, nil
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string { return o.id }

// Events returns the outward event stream. It is closed by Destroy.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// CurrentProvider returns the name of the active adapter.
func (o *Orchestrator) CurrentProvider() string { return o.ctrl.Current() }

// ProviderStatus returns the health of the named adapter.
func (o *Orchestrator) ProviderStatus(name string) (types.ProviderStatus, bool) {
	a, ok := o.adapters[name]
	if !ok {
		return types.ProviderStatus{}, false
	}
	return a.Status(), true
}

// Initialize creates the VAD session and initialises every adapter
// concurrently. The primary becomes active when it initialises; otherwise
// the first fallback that did. When none did a
// *resilience.NoProviderAvailableError is returned and the session stays in
// the created state.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	return o.do(ctx, func() error {
		switch o.state {
		case StateDestroyed:
			return ErrDestroyed
		case StateCreated:
		default:
			return fmt.Errorf("%w: initialize while %s", ErrInvalidState, o.state)
		}

		if o.vadSess == nil {
			sess, err := o.engine.NewSession(o.cfg.VAD)
			if err != nil {
				return fmt.Errorf("session: vad: %w", err)
			}
			o.vadSess = sess
		}

		initErrs := o.initializeAdapters(ctx)
		profile := o.ctrl.Profile()
		active, err := resilience.Walk(profile.Order(), "", func(name string) error {
			return initErrs[name]
		})
		if err != nil {
			return fmt.Errorf("session: initialize: %w", err)
		}
		o.ctrl.SetCurrent(active)
		if active != profile.Primary {
			o.log.Warn("primary provider unavailable at startup", "primary", profile.Primary, "provider", active)
			o.analytics.Failovers++
			o.metrics.RecordFailover(ctx, profile.Primary, active, "session")
			o.emit(Event{Kind: EventProviderChange, Change: &ProviderChange{
				Old:       profile.Primary,
				New:       active,
				Reason:    "primary failed to initialize",
				Automatic: true,
			}})
		}
		o.state = StateReady
		o.emitStatus()
		o.log.Info("session initialized", "provider", active, "mode", o.policy.Config().Mode)
		return nil
	})
}

func (o *Orchestrator) initializeAdapters(ctx context.Context) map[string]error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = make(map[string]error, len(o.adapters))
	)
	for name, a := range o.adapters {
		g.Go(func() error {
			err := a.Initialize(ctx, o.cfg.STT)
			if err != nil {
				o.log.Warn("provider failed to initialize", "provider", name, "err", err)
			}
			mu.Lock()
			errs[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Start begins listening on the active provider. When the active adapter
// cannot start and failover is enabled, the fallback walk runs immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.do(ctx, func() error {
		switch o.state {
		case StateDestroyed:
			return ErrDestroyed
		case StateListening:
			return nil
		case StateReady, StateStopped:
		default:
			return fmt.Errorf("%w: start while %s", ErrInvalidState, o.state)
		}

		prev := o.state
		o.state = StateListening
		name := o.ctrl.Current()
		if err := o.startAdapter(ctx, name); err != nil {
			o.ctrl.RecordError(name)
			o.reportError(ctx, name, "start", err)
			if !o.ctrl.Config().Enabled {
				o.state = prev
				return fmt.Errorf("session: start %s: %w", name, err)
			}
			if ferr := o.failover(ctx, "provider failed to start"); ferr != nil {
				o.state = prev
				return fmt.Errorf("session: start: %w", ferr)
			}
		}
		o.pairCompanion(ctx)
		o.vadSess.Reset()
		o.emitStatus()
		return nil
	})
}

// Feed pushes one frame from the audio source. Frames are processed in call
// order. A zero SampleRate or Channels is filled from the session config.
//
// Provider failures are reported as EventError and drive failover. Audio
// whose request triggered a successful failover is resent once to the new
// provider; when that does not deliver it the *provider.Error is also
// returned so relay callers can run their own fallback walk. Panics raised while processing
// the frame are recovered and reported as events.
func (o *Orchestrator) Feed(ctx context.Context, frame types.AudioFrame) error {
	return o.do(ctx, func() error {
		switch o.state {
		case StateDestroyed:
			return ErrDestroyed
		case StateListening:
		default:
			return ErrNotListening
		}
		if len(frame.Data) == 0 {
			return nil
		}
		if frame.SampleRate <= 0 {
			frame.SampleRate = o.cfg.STT.SampleRate
		}
		if frame.Channels <= 0 {
			frame.Channels = o.cfg.STT.Channels
		}

		var err error
		o.guard(ctx, "frame", func() { err = o.handleFrame(ctx, frame) })
		return err
	})
}

// Stop flushes any buffered speech through the active adapter, cancels the
// silence timer and stops the adapter. It returns once the flush completed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.do(ctx, func() error {
		switch o.state {
		case StateDestroyed:
			return ErrDestroyed
		case StateListening:
		default:
			return nil
		}
		o.cancelSilence()
		o.guard(ctx, "stop", func() {
			if u := o.policy.Flush(buffer.ReasonStop); u != nil {
				_ = o.dispatchUnit(ctx, u)
			}
			o.stopAdapter(ctx, o.ctrl.Current())
			o.dropCompanion(ctx)
		})
		o.state = StateStopped
		o.emitStatus()
		return nil
	})
}

// SwitchProvider moves the session to name regardless of error rates. A
// listening session flushes its buffer to the old provider, stops it and
// resumes on the new one; otherwise only the pointer moves.
//
// When the new adapter fails to start the session remains logically
// listening on it, so later frames are accounted as its failures.
func (o *Orchestrator) SwitchProvider(ctx context.Context, name, reason string) error {
	return o.do(ctx, func() error {
		if o.state == StateDestroyed {
			return ErrDestroyed
		}
		if _, ok := o.adapters[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		if o.ctrl.Current() == name {
			return nil
		}

		listening := o.state == StateListening
		if listening {
			o.cancelSilence()
			o.guard(ctx, "switch", func() {
				if u := o.policy.Flush(buffer.ReasonStop); u != nil {
					_ = o.dispatchUnit(ctx, u)
				}
			})
		}
		old := o.ctrl.Current()
		if old == name {
			// The flush itself failed over onto the requested provider.
			return nil
		}
		adopt := listening && name == o.companion
		if listening {
			o.stopAdapter(ctx, old)
		}
		if adopt {
			o.companion = ""
		}

		o.ctrl.SetCurrent(name)
		o.dedupe.markSwitch(o.now())
		o.metrics.RecordFailover(ctx, old, name, "manual")
		o.emit(Event{Kind: EventProviderChange, Change: &ProviderChange{Old: old, New: name, Reason: reason}})
		o.log.Info("provider switched", "from", old, "to", name, "reason", reason)

		if listening && !adopt {
			if err := o.startAdapter(ctx, name); err != nil {
				o.ctrl.RecordError(name)
				o.reportError(ctx, name, "start", err)
				return fmt.Errorf("session: switch to %s: %w", name, err)
			}
		}
		if listening {
			o.pairCompanion(ctx)
		}
		return nil
	})
}

// UpdateThreshold replaces the VAD threshold. It applies from the next frame.
func (o *Orchestrator) UpdateThreshold(ctx context.Context, threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("session: threshold %v out of range [0, 1]", threshold)
	}
	return o.do(ctx, func() error {
		if o.state == StateDestroyed {
			return ErrDestroyed
		}
		o.cfg.VAD.Threshold = threshold
		if o.vadSess != nil {
			o.vadSess.UpdateThreshold(threshold)
		}
		return nil
	})
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	var s State
	if err := o.do(context.Background(), func() error {
		s = o.state
		return nil
	}); err != nil {
		return StateDestroyed
	}
	return s
}

// Analytics returns a snapshot of the session counters. After Destroy it
// returns zero values.
func (o *Orchestrator) Analytics() Analytics {
	var a Analytics
	if err := o.do(context.Background(), func() error {
		a = o.analytics.clone()
		return nil
	}); err != nil {
		return newAnalytics()
	}
	return a
}

// Destroy tears down every adapter and clears all buffers and counters. It
// is safe without Initialize, and a second call is a no-op returning nil.
func (o *Orchestrator) Destroy() error {
	var (
		err   error
		first bool
	)
	o.destroyOnce.Do(func() {
		first = true
		errc := make(chan error, 1)
		o.ops <- func() { errc <- o.teardown() }
		err = <-errc
		close(o.quit)
		<-o.loopDone
		o.runCancel()
		close(o.events)
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	})
	if !first {
		return nil
	}
	return err
}

func (o *Orchestrator) teardown() error {
	o.cancelSilence()
	o.stream = nil
	o.streamOwner = ""
	o.companion = ""

	var g errgroup.Group
	for name, a := range o.adapters {
		g.Go(func() error {
			if err := a.Destroy(); err != nil {
				return fmt.Errorf("session: destroy %s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		o.log.Warn("adapter teardown failed", "err", err)
	}

	if o.vadSess != nil {
		_ = o.vadSess.Close()
		o.vadSess = nil
	}
	o.policy.Reset()
	o.ctrl.Reset()
	o.analytics = newAnalytics()
	o.dedupe.reset()
	clear(o.finalized)
	o.finalOrder = nil

	o.state = StateDestroyed
	o.emitStatus()
	o.log.Info("session destroyed")
	return err
}

// ─── loop ────────────────────────────────────────────────────────────────────

func (o *Orchestrator) run() {
	defer close(o.loopDone)
	for {
		select {
		case op := <-o.ops:
			op()
		case ev, ok := <-o.stream:
			if !ok {
				o.stream = nil
				continue
			}
			name := o.streamOwner
			o.guard(o.runCtx, "stream", func() { o.handleStreamEvent(o.runCtx, name, ev) })
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	op := func() { errc <- fn() }
	select {
	case o.ops <- op:
	case <-o.quit:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting for it. It is dropped once the
// session is destroyed.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.ops <- fn:
	case <-o.quit:
	}
}

// guard recovers a panic in fn and reports it as an error event.
func (o *Orchestrator) guard(ctx context.Context, phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.reportError(ctx, o.ctrl.Current(), phase, fmt.Errorf("session: recovered panic: %v", r))
		}
	}()
	fn()
}

// ─── frame path ──────────────────────────────────────────────────────────────

func (o *Orchestrator) handleFrame(ctx context.Context, frame types.AudioFrame) error {
	res := o.vadSess.AnalyzeFrame(frame.Data)
	dec := o.policy.Push(frame, res.VoiceActive, o.now())

	var err error
	if dec.Forward {
		err = o.dispatch(ctx, o.frameTarget, frame.Data, "stream", 0)
	}
	if dec.Flush != nil {
		if ferr := o.dispatchUnit(ctx, dec.Flush); ferr != nil {
			err = ferr
		}
	}
	o.syncSilence()
	return err
}

// frameTarget names the adapter individual frames go to: the active adapter
// in realtime mode, and in hybrid mode whichever of the active adapter and
// its companion streams. An empty name drops the frame.
func (o *Orchestrator) frameTarget() string {
	switch o.policy.Config().Mode {
	case buffer.ModeRealtime:
		return o.ctrl.Current()
	case buffer.ModeHybrid:
		return o.hybridTarget(stt.ModeStreaming)
	}
	return ""
}

// unitTarget names the adapter flushed units go to. In hybrid mode that is
// the batch side of the pair.
func (o *Orchestrator) unitTarget() string {
	if o.policy.Config().Mode == buffer.ModeHybrid {
		return o.hybridTarget(stt.ModeBatch)
	}
	return o.ctrl.Current()
}

func (o *Orchestrator) hybridTarget(mode stt.Mode) string {
	name := o.ctrl.Current()
	if a, ok := o.adapters[name]; ok && a.Mode() == mode {
		return name
	}
	// The companion always runs in the opposite mode to the active adapter.
	return o.companion
}

// batchPass reports whether a hybrid session has a batch adapter producing
// finals alongside a streaming one.
func (o *Orchestrator) batchPass() bool {
	return o.policy.Config().Mode == buffer.ModeHybrid && o.companion != ""
}

func (o *Orchestrator) dispatchUnit(ctx context.Context, u *buffer.Unit) error {
	o.metrics.RecordFlush(ctx, string(u.Reason))
	o.log.Debug("unit flushed", "seq", u.Seq, "reason", u.Reason, "frames", u.Frames, "duration", u.Duration)

	var queued time.Duration
	if !u.Start.IsZero() {
		queued = o.now().Sub(u.Start) - u.Duration
		queued = max(queued, 0)
	}
	return o.dispatch(ctx, o.unitTarget, u.Data, "flush", queued)
}

// dispatch sends audio to the adapter named by target and accounts the
// outcome. When the failure moves the session to another provider the same
// audio is sent once more to the new target.
func (o *Orchestrator) dispatch(ctx context.Context, target func() string, data []byte, phase string, queued time.Duration) error {
	name := target()
	if name == "" {
		return nil
	}
	err := o.send(ctx, name, data, phase, queued)
	if err == nil {
		return nil
	}
	if !o.providerFailed(ctx, name, phase, err) {
		return err
	}
	next := target()
	if next == "" || next == name {
		return err
	}
	o.log.Info("resending audio to fallback", "provider", next, "phase", phase, "bytes", len(data))
	if rerr := o.send(ctx, next, data, phase, queued); rerr != nil {
		o.providerFailed(ctx, next, phase, rerr)
		return rerr
	}
	return nil
}

// send makes one request to name. Successes are accounted here; failures
// are left to the caller.
func (o *Orchestrator) send(ctx context.Context, name string, data []byte, phase string, queued time.Duration) error {
	a, ok := o.adapters[name]
	if !ok {
		return nil
	}

	spanCtx, span := observe.StartProviderSpan(ctx, observe.ProviderCall{
		Kind:      "stt",
		Op:        phase,
		Provider:  name,
		SessionID: o.id,
		Bytes:     len(data),
	})
	start := time.Now()
	var (
		res *types.TranscriptionResult
		err error
	)
	if ferr := o.faults.Inject(name); ferr != nil {
		err = provider.NewError(name, "feed", ferr)
	} else {
		res, err = a.Feed(spanCtx, data)
	}
	observe.EndSpan(span, err)
	if err != nil {
		return err
	}

	o.ctrl.RecordSuccess(name)
	o.metrics.RecordProviderRequest(ctx, name, "stt", "ok")
	if res != nil {
		o.metrics.RecordSTTLatency(ctx, name, time.Since(start).Seconds())
		if res.Processing.QueueTime == 0 {
			res.Processing.QueueTime = queued
		}
		o.handleResult(name, res)
	}
	return nil
}

func (o *Orchestrator) handleStreamEvent(ctx context.Context, name string, ev stt.Event) {
	if ev.Err != nil {
		o.providerFailed(ctx, name, "stream", ev.Err)
		return
	}
	if ev.Result == nil {
		return
	}
	res := ev.Result
	if res.IsFinal && o.batchPass() {
		// The batch pass owns the final for this stretch of speech.
		cp := *res
		cp.IsFinal = false
		res = &cp
	}
	o.handleResult(name, res)
}

func (o *Orchestrator) handleResult(name string, res *types.TranscriptionResult) {
	if res.Provider == "" {
		res.Provider = name
	}
	if res.UtteranceID != "" {
		if _, done := o.finalized[res.UtteranceID]; done {
			o.log.Debug("dropping result for finalized utterance", "provider", name, "utterance_id", res.UtteranceID)
			return
		}
	}
	if !res.IsFinal {
		o.analytics.Interims++
		o.emit(Event{Kind: EventInterim, Result: res})
		return
	}
	if res.Text == "" {
		o.log.Debug("empty final result", "provider", name)
		return
	}

	now := o.now()
	if o.dedupe.duplicate(res.Text, now) {
		o.analytics.Suppressed++
		o.log.Debug("suppressed duplicate final after switch", "provider", name, "text", res.Text)
		return
	}
	if res.UtteranceID != "" {
		o.markFinalized(res.UtteranceID)
	}
	o.dedupe.add(res.Text, now)
	o.analytics.recordFinal(res)
	o.emit(Event{Kind: EventTranscription, Result: res})
}

func (o *Orchestrator) markFinalized(id string) {
	o.finalized[id] = struct{}{}
	o.finalOrder = append(o.finalOrder, id)
	if len(o.finalOrder) > finalizedMemory {
		delete(o.finalized, o.finalOrder[0])
		o.finalOrder = o.finalOrder[1:]
	}
}

// ─── silence timer ───────────────────────────────────────────────────────────

// syncSilence arms, re-arms or cancels the silence timer to match the
// policy's deadline. Every arm bumps timerGen; a callback whose generation no
// longer matches is ignored.
func (o *Orchestrator) syncSilence() {
	deadline, ok := o.policy.Deadline()
	if !ok {
		o.cancelSilence()
		return
	}
	if o.silence != nil && o.silenceAt.Equal(deadline) {
		return
	}
	o.cancelSilence()
	gen := o.timerGen
	o.silenceAt = deadline
	o.silence = o.afterFunc(deadline.Sub(o.now()), func() {
		o.post(func() { o.silenceExpired(gen) })
	})
}

func (o *Orchestrator) cancelSilence() {
	if o.silence != nil {
		o.silence.Stop()
		o.silence = nil
	}
	o.silenceAt = time.Time{}
	o.timerGen++
}

func (o *Orchestrator) silenceExpired(gen uint64) {
	if gen != o.timerGen || o.state != StateListening {
		return
	}
	o.silence = nil
	o.silenceAt = time.Time{}
	o.guard(o.runCtx, "silence", func() {
		if u := o.policy.Expire(o.now()); u != nil {
			_ = o.dispatchUnit(o.runCtx, u)
		}
	})
	o.syncSilence()
}

// ─── adapters and failover ───────────────────────────────────────────────────

func (o *Orchestrator) startAdapter(ctx context.Context, name string) error {
	a, ok := o.adapters[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	if a.Mode() == stt.ModeStreaming {
		ch := a.Events()
		// Anything buffered now was produced while the adapter was stopped.
		for stale := len(ch); stale > 0; stale-- {
			<-ch
		}
		o.stream = ch
		o.streamOwner = name
	}
	return nil
}

// stopAdapter stops name and processes what it produced while stopping:
// the flushed batch result and any streaming events still buffered.
func (o *Orchestrator) stopAdapter(ctx context.Context, name string) {
	a, ok := o.adapters[name]
	if !ok {
		return
	}
	res, err := a.Stop(ctx)
	if err != nil {
		o.reportError(ctx, name, "stop", err)
	}
	if res != nil {
		o.handleResult(name, res)
	}
	if o.streamOwner != name || o.stream == nil {
		return
	}
	ch := o.stream
	o.stream = nil
	o.streamOwner = ""
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			o.handleStreamEvent(ctx, name, ev)
		default:
			return
		}
	}
}

// providerFailed accounts a failed request and fails over when the active
// provider crossed the threshold. It reports whether the session moved to
// another provider.
func (o *Orchestrator) providerFailed(ctx context.Context, name, phase string, err error) bool {
	rate := o.ctrl.RecordError(name)
	o.metrics.RecordProviderRequest(ctx, name, "stt", "error")
	o.metrics.RecordProviderError(ctx, name, "stt")
	o.reportError(ctx, name, phase, err)

	if o.failingOver || name != o.ctrl.Current() || !o.ctrl.ShouldFailover() {
		return false
	}
	reason := fmt.Sprintf("error rate %.2f exceeded threshold %.2f", rate, o.ctrl.Config().Threshold)
	return o.failover(ctx, reason) == nil
}

// failover runs the controller's fallback walk. On exhaustion the error is
// reported as an event and returned; the session stays open.
func (o *Orchestrator) failover(ctx context.Context, reason string) error {
	// Errors drained from the stopping adapter must not start a nested walk.
	o.failingOver = true
	if o.state == StateListening {
		o.stopAdapter(ctx, o.ctrl.Current())
	}
	change, err := o.ctrl.Failover(ctx, reason, switcher{o})
	o.failingOver = false
	if err != nil {
		o.reportError(ctx, o.ctrl.Current(), "failover", err)
		return err
	}
	if o.state == StateListening {
		o.pairCompanion(ctx)
	}
	o.analytics.Failovers++
	o.dedupe.markSwitch(o.now())
	o.metrics.RecordFailover(ctx, change.Old, change.New, "session")
	o.emit(Event{Kind: EventProviderChange, Change: &ProviderChange{
		Old:       change.Old,
		New:       change.New,
		Reason:    change.Reason,
		Automatic: true,
	}})
	return nil
}

// switcher performs failover side effects on the loop.
type switcher struct{ o *Orchestrator }

func (s switcher) Available(name string) bool {
	a, ok := s.o.adapters[name]
	return ok && a.Status().Available
}

// Switch starts next. The old adapter was stopped before the walk began.
func (s switcher) Switch(ctx context.Context, _, next string) error {
	o := s.o
	if o.state != StateListening {
		return nil
	}
	if next == o.companion {
		// Already running alongside the old adapter.
		o.companion = ""
		return nil
	}
	return o.startAdapter(ctx, next)
}

// ─── hybrid pairing ──────────────────────────────────────────────────────────

// pairCompanion keeps a hybrid session running one adapter of each mode: the
// active adapter plus the first available profile entry of the other mode.
// Streaming feeds interim results while the batch side transcribes flushed
// units. Without a candidate the session runs on the active adapter alone.
func (o *Orchestrator) pairCompanion(ctx context.Context) {
	if o.policy.Config().Mode != buffer.ModeHybrid || o.state != StateListening {
		return
	}
	cur, ok := o.adapters[o.ctrl.Current()]
	if !ok {
		return
	}
	if o.companion != "" {
		if c := o.adapters[o.companion]; o.companion != cur.Name() && c.Mode() != cur.Mode() {
			return
		}
		o.dropCompanion(ctx)
	}
	for _, name := range o.ctrl.Profile().Order() {
		a := o.adapters[name]
		if name == cur.Name() || a.Mode() == cur.Mode() || !a.Status().Available {
			continue
		}
		if fc := o.ctrl.Config(); fc.Enabled && o.ctrl.ErrorRate(name) > fc.Threshold {
			continue
		}
		if err := o.startAdapter(ctx, name); err != nil {
			o.log.Warn("hybrid companion failed to start", "provider", name, "err", err)
			continue
		}
		o.companion = name
		o.log.Info("hybrid pair", "provider", cur.Name(), "companion", name)
		return
	}
	o.log.Debug("no hybrid companion available", "provider", cur.Name(), "mode", cur.Mode())
}

// dropCompanion stops the companion unless it has become the active adapter.
func (o *Orchestrator) dropCompanion(ctx context.Context) {
	name := o.companion
	o.companion = ""
	if name != "" && name != o.ctrl.Current() {
		o.stopAdapter(ctx, name)
	}
}

// ─── events ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) emit(ev Event) {
	ev.SessionID = o.id
	ev.Time = o.now()
	select {
	case o.events <- ev:
	default:
		o.log.Warn("event dropped, consumer too slow", "kind", ev.Kind.String())
	}
}

func (o *Orchestrator) emitStatus() {
	name := o.ctrl.Current()
	info := &StatusInfo{State: o.state, Provider: name}
	if a, ok := o.adapters[name]; ok {
		info.Health = a.Status()
	}
	o.emit(Event{Kind: EventStatus, Status: info})
}

func (o *Orchestrator) reportError(ctx context.Context, name, phase string, err error) {
	o.analytics.Errors++
	observe.WithTrace(ctx, o.log).ErrorContext(ctx, "session error", "provider", name, "phase", phase, "err", err)
	o.emit(Event{Kind: EventError, Error: &ErrorInfo{
		Err:      err,
		Message:  err.Error(),
		Provider: name,
		Phase:    phase,
	}})
}
