// Package speech is the synthesis façade: it fronts an ordered list of TTS
// synthesizers with the same failover controller transcription sessions
// use, and serves it over HTTP.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/therascribe/internal/observe"
	"github.com/MrWong99/therascribe/internal/resilience"
	"github.com/MrWong99/therascribe/pkg/provider/tts"
	"github.com/MrWong99/therascribe/pkg/types"
)

// ErrEmptyText is returned by Speak for blank input.
var ErrEmptyText = errors.New("speech: empty text")

// Option is a functional option for [New].
type Option func(*Speaker)

// WithMetrics sets the metrics sink. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// WithLogger sets the logger. Default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.log = l }
}

// WithFaultInjector installs a chaos strategy consulted before every
// synthesis attempt. Default is [resilience.NeverFail].
func WithFaultInjector(f resilience.FaultInjector) Option {
	return func(s *Speaker) { s.faults = f }
}

// Speaker synthesises text on the active synthesizer and fails over along
// the profile when its error rate passes the threshold. Failover is
// serialised; synthesis calls otherwise run concurrently.
type Speaker struct {
	synths  map[string]tts.Synthesizer
	ctrl    *resilience.Controller
	metrics *observe.Metrics
	log     *slog.Logger
	faults  resilience.FaultInjector

	failoverMu sync.Mutex
}

// New creates a Speaker. When profile.Primary is empty the slice order is
// used.
func New(profile types.ProviderProfile, synths []tts.Synthesizer, cfg resilience.FailoverConfig, opts ...Option) (*Speaker, error) {
	if len(synths) == 0 {
		return nil, errors.New("speech: at least one synthesizer is required")
	}
	byName := make(map[string]tts.Synthesizer, len(synths))
	var names []string
	for _, s := range synths {
		if _, dup := byName[s.Name()]; dup {
			return nil, fmt.Errorf("speech: duplicate synthesizer %q", s.Name())
		}
		byName[s.Name()] = s
		names = append(names, s.Name())
	}
	if profile.Primary == "" {
		profile = types.ProviderProfile{Primary: names[0], Fallbacks: names[1:]}
	}
	for _, n := range profile.Order() {
		if _, ok := byName[n]; !ok {
			return nil, fmt.Errorf("speech: profile names unknown synthesizer %q", n)
		}
	}

	s := &Speaker{
		synths: byName,
		faults: resilience.NeverFail{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.ctrl = resilience.NewController(profile, cfg, resilience.WithLogger(s.log))
	return s, nil
}

// Initialize initialises and starts every synthesizer concurrently and
// selects the first one in profile order that came up.
func (s *Speaker) Initialize(ctx context.Context, cfg tts.Config) error {
	cfg = cfg.WithDefaults()
	var (
		mu   sync.Mutex
		errs = make(map[string]error, len(s.synths))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, syn := range s.synths {
		g.Go(func() error {
			err := syn.Initialize(gctx, cfg)
			if err == nil {
				err = syn.Start(gctx)
			}
			mu.Lock()
			errs[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	profile := s.ctrl.Profile()
	active, err := resilience.Walk(profile.Order(), "", func(name string) error { return errs[name] })
	if err != nil {
		return fmt.Errorf("speech: initialize: %w", err)
	}
	s.ctrl.SetCurrent(active)
	if active != profile.Primary {
		s.log.Warn("primary synthesizer unavailable at startup", "primary", profile.Primary, "provider", active)
	}
	return nil
}

// Current returns the active synthesizer name.
func (s *Speaker) Current() string { return s.ctrl.Current() }

// Available reports whether any synthesizer can serve requests.
func (s *Speaker) Available() bool {
	for _, syn := range s.synths {
		if syn.Status().Available {
			return true
		}
	}
	return false
}

// Speak synthesises text completely and returns the PCM and the synthesizer
// that produced it. A failed attempt is accounted against the active
// synthesizer; when that pushes it over the threshold the request is
// retried once on the synthesizer failover selected.
func (s *Speaker) Speak(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", ErrEmptyText
	}
	name := s.ctrl.Current()
	pcm, err := s.attempt(ctx, name, text, voice)
	if err == nil {
		return pcm, name, nil
	}
	if !s.shouldFailover(name) {
		return nil, name, err
	}

	next, ferr := s.failover(ctx, name, err.Error())
	if ferr != nil {
		return nil, name, ferr
	}
	pcm, err = s.attempt(ctx, next, text, voice)
	if err != nil {
		return nil, next, err
	}
	return pcm, next, nil
}

// ListVoices returns the voices of the active synthesizer.
func (s *Speaker) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return s.synths[s.ctrl.Current()].ListVoices(ctx)
}

// Destroy tears down every synthesizer.
func (s *Speaker) Destroy() error {
	var errs []error
	for _, syn := range s.synths {
		if err := syn.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Speaker) attempt(ctx context.Context, name, text string, voice tts.VoiceProfile) ([]byte, error) {
	syn := s.synths[name]
	spanCtx, span := observe.StartProviderSpan(ctx, observe.ProviderCall{Kind: "tts", Op: "synthesize", Provider: name, Bytes: len(text)})
	pcm, err := s.synthesize(spanCtx, syn, text, voice)
	observe.EndSpan(span, err)
	if err != nil {
		s.ctrl.RecordError(name)
		s.metrics.RecordProviderError(ctx, name, "tts")
		s.metrics.RecordProviderRequest(ctx, name, "tts", "error")
		s.log.Warn("synthesis failed", "provider", name, "err", err)
		return nil, err
	}
	s.ctrl.RecordSuccess(name)
	s.metrics.RecordProviderRequest(ctx, name, "tts", "ok")
	return pcm, nil
}

func (s *Speaker) synthesize(ctx context.Context, syn tts.Synthesizer, text string, voice tts.VoiceProfile) ([]byte, error) {
	if err := s.faults.Inject(syn.Name()); err != nil {
		return nil, fmt.Errorf("speech: %s: %w", syn.Name(), err)
	}
	start := time.Now()
	ch, err := syn.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	var (
		buf   bytes.Buffer
		first = true
	)
	for chunk := range ch {
		if first {
			s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		buf.Write(chunk)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("speech: %s: %w", syn.Name(), err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("speech: %s produced no audio", syn.Name())
	}
	return buf.Bytes(), nil
}

// shouldFailover reports whether name is still active and over threshold.
func (s *Speaker) shouldFailover(name string) bool {
	return s.ctrl.Current() == name && s.ctrl.ShouldFailover()
}

// failover moves the controller off failed. Concurrent requests that failed
// on the same synthesizer share one switch.
func (s *Speaker) failover(ctx context.Context, failed, reason string) (string, error) {
	s.failoverMu.Lock()
	defer s.failoverMu.Unlock()
	if cur := s.ctrl.Current(); cur != failed {
		return cur, nil
	}
	change, err := s.ctrl.Failover(ctx, reason, switcher{s})
	if err != nil {
		return "", fmt.Errorf("speech: %w", err)
	}
	s.metrics.RecordFailover(ctx, change.Old, change.New, "speech")
	return change.New, nil
}

type switcher struct{ s *Speaker }

func (sw switcher) Available(name string) bool {
	return sw.s.synths[name].Status().Available
}

// Switch makes sure the target accepts requests. The old synthesizer keeps
// running because in-flight requests may still use it.
func (sw switcher) Switch(ctx context.Context, _, next string) error {
	return sw.s.synths[next].Start(ctx)
}
