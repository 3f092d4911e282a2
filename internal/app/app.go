// Package app wires the therascribe subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithVADEngine,
// WithSink, etc.). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/therascribe/internal/config"
	"github.com/MrWong99/therascribe/internal/health"
	"github.com/MrWong99/therascribe/internal/observe"
	"github.com/MrWong99/therascribe/internal/relay"
	"github.com/MrWong99/therascribe/internal/resilience"
	"github.com/MrWong99/therascribe/internal/sink"
	"github.com/MrWong99/therascribe/internal/sink/kafka"
	"github.com/MrWong99/therascribe/internal/sink/redis"
	"github.com/MrWong99/therascribe/internal/speech"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/provider/tts"
	"github.com/MrWong99/therascribe/pkg/provider/vad"
	"github.com/MrWong99/therascribe/pkg/provider/vad/energy"
	"github.com/MrWong99/therascribe/pkg/types"
)

// shutdownTimeout bounds the HTTP server drain once Run's context ends.
const shutdownTimeout = 10 * time.Second

// Sink is a relay sink that must be flushed on shutdown.
type Sink = sink.Publisher

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry
	log *slog.Logger

	metrics  *observe.Metrics
	promReg  *prometheus.Registry
	logLevel *slog.LevelVar
	engine   vad.Engine
	faults   resilience.FaultInjector
	sink     Sink

	sessions *SessionManager
	relay    *relay.Server
	speaker  *speech.Speaker
	monitors []stt.Adapter
	health   *health.Handler
	handler  http.Handler

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instruments. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPrometheusRegistry selects the registry served on /metrics. Default is
// the global Prometheus gatherer.
func WithPrometheusRegistry(r *prometheus.Registry) Option {
	return func(a *App) { a.promReg = r }
}

// WithLogger sets the base logger. Default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLogLevel hands the app the level variable behind the logger so a
// reloaded log_level takes effect without a restart.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithVADEngine injects a VAD engine instead of the energy detector.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithFaultInjector injects a chaos strategy instead of the one derived from
// relay.chaos_failure_rate.
func WithFaultInjector(f resilience.FaultInjector) Option {
	return func(a *App) { a.faults = f }
}

// WithSink injects the transcript sink instead of the configured Kafka and
// Redis publishers.
func WithSink(s Sink) Option {
	return func(a *App) { a.sink = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Transcription and synthesis providers are
// built through reg. A synthesis stack that fails to come up is logged and
// left unmounted; transcription is the service's core and its errors are
// returned.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.engine == nil {
		a.engine = energy.New()
	}
	if a.faults == nil {
		a.faults = faultsFromConfig(cfg.Relay.ChaosFailureRate)
	}

	// ── 1. Transcript sink ───────────────────────────────────────────────
	if a.sink == nil {
		s, err := a.buildSink(ctx)
		if err != nil {
			return nil, err
		}
		a.sink = s
	}
	a.closers = append(a.closers, a.sink.Close)

	// ── 2. Sessions + relay ──────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:   cfg,
		Registry: reg,
		VAD:      a.engine,
		Metrics:  a.metrics,
		Logger:   a.log,
	})
	rs, err := relay.New(relayConfig(cfg), a.sessions.Create,
		relay.WithFaultInjector(a.faults),
		relay.WithSink(a.sink),
		relay.WithMetrics(a.metrics),
		relay.WithLogger(a.log),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init relay: %w", err)
	}
	a.relay = rs
	a.closers = append(a.closers, a.sessions.DestroyAll)

	// ── 3. Provider monitors for readiness ───────────────────────────────
	if err := a.initMonitors(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init monitors: %w", err)
	}

	// ── 4. Speech synthesis ──────────────────────────────────────────────
	if err := a.initSpeech(ctx); err != nil {
		a.log.Warn("speech synthesis disabled", "err", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	reporters := statusReporters(a.monitors)
	a.health = health.New(
		health.WithCheckers(
			health.AnyAvailable("stt", reporters...),
			health.Accepting("relay", a.relay.Accepting),
		),
		health.WithProviders(reporters...),
	)
	a.handler = a.buildHandler()

	return a, nil
}

// buildSink returns the Kafka publisher, fanned out to the Redis stream sink
// when one is configured. An unreachable Redis is logged, not fatal.
func (a *App) buildSink(ctx context.Context) (Sink, error) {
	k := kafka.New(kafka.Config{
		Brokers:        a.cfg.Sink.Kafka.Brokers,
		Topic:          a.cfg.Sink.Kafka.Topic,
		IncludeInterim: a.cfg.Sink.Kafka.IncludeInterim,
	}, kafka.WithMetrics(a.metrics))

	rc := a.cfg.Sink.Redis
	if rc.Addr == "" {
		return k, nil
	}
	r, err := redis.New(redis.Config{
		Addr:           rc.Addr,
		Password:       rc.Password,
		DB:             rc.DB,
		StreamPrefix:   rc.StreamPrefix,
		MaxLen:         rc.MaxLen,
		TTL:            rc.TTL,
		IncludeInterim: rc.IncludeInterim,
	}, redis.WithMetrics(a.metrics))
	if err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("app: redis sink: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		a.log.Warn("redis sink unreachable, events will be retried per publish", "addr", rc.Addr, "err", err)
	}
	return sink.Multi{k, r}, nil
}

func faultsFromConfig(rate float64) resilience.FaultInjector {
	if rate <= 0 {
		return resilience.NeverFail{}
	}
	return resilience.NewRandomFaults(rate, uint64(time.Now().UnixNano()))
}

func relayConfig(cfg *config.Config) relay.Config {
	r := cfg.Relay
	return relay.Config{
		JWTSecret:            r.JWTSecret,
		AllowDevSessions:     r.AllowDevSessions,
		AllowedOrigins:       slices.Clone(r.AllowedOrigins),
		MessagesPerMinute:    r.MessagesPerMinute,
		ConnectionsPerMinute: r.ConnectionsPerMinute,
		TelemetryInterval:    r.TelemetryInterval,
		IdleTimeout:          r.IdleTimeout,
		SweepInterval:        r.SweepInterval,
		ProviderOrder:        slices.Clone(r.ProviderOrder),
		SampleRate:           cfg.Pipeline.SampleRate,
	}
}

// initMonitors keeps one initialised, never started adapter per configured
// provider whose status answers the readiness check. Streaming backends are
// not dialled until Start, so monitors hold no connections.
func (a *App) initMonitors(ctx context.Context) error {
	monitors, err := a.reg.CreateSTTAll(a.cfg.Providers.STT)
	if err != nil {
		return err
	}
	p := a.cfg.Pipeline
	sttCfg := stt.Config{
		SampleRate:     p.SampleRate,
		Channels:       1,
		Language:       p.Language,
		RequestTimeout: p.RequestTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ad := range monitors {
		g.Go(func() error {
			if err := ad.Initialize(gctx, sttCfg); err != nil {
				a.log.Warn("provider unavailable at startup", "provider", ad.Name(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	a.monitors = monitors
	a.closers = append(a.closers, func() error {
		var errs []error
		for _, ad := range monitors {
			errs = append(errs, ad.Destroy())
		}
		return errors.Join(errs...)
	})
	return nil
}

func (a *App) initSpeech(ctx context.Context) error {
	if len(a.cfg.Providers.TTS) == 0 {
		return errors.New("no tts providers configured")
	}
	synths, err := a.reg.CreateTTSAll(a.cfg.Providers.TTS)
	if err != nil {
		return err
	}
	sp, err := speech.New(profileOf(a.cfg.Providers.TTS), synths,
		resilience.FailoverConfig{
			Enabled:   a.cfg.Pipeline.FailoverEnabled,
			Threshold: a.cfg.Pipeline.FailoverThreshold,
		},
		speech.WithMetrics(a.metrics),
		speech.WithLogger(a.log.With("component", "speech")),
		speech.WithFaultInjector(a.faults),
	)
	if err != nil {
		for _, s := range synths {
			_ = s.Destroy()
		}
		return err
	}
	if err := sp.Initialize(ctx, tts.Config{
		SampleRate:     a.cfg.Pipeline.SampleRate,
		RequestTimeout: a.cfg.Pipeline.RequestTimeout,
	}); err != nil {
		_ = sp.Destroy()
		return err
	}
	a.speaker = sp
	a.closers = append(a.closers, sp.Destroy)
	return nil
}

func profileOf(entries []config.ProviderEntry) (p types.ProviderProfile) {
	for i, e := range entries {
		if i == 0 {
			p.Primary = e.Name
			continue
		}
		p.Fallbacks = append(p.Fallbacks, e.Name)
	}
	return p
}

func statusReporters(monitors []stt.Adapter) []health.StatusReporter {
	out := make([]health.StatusReporter, len(monitors))
	for i, p := range monitors {
		out[i] = p
	}
	return out
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(relay.Path, a.relay)
	if a.speaker != nil {
		mux.Handle(speech.Path, speech.NewHandler(a.speaker, a.cfg.Pipeline.SampleRate))
	}
	mux.Handle("GET /metrics", observe.MetricsHandler(a.promReg))
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the live session registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Relay returns the streaming relay.
func (a *App) Relay() *relay.Server { return a.relay }

// SpeechEnabled reports whether the synthesis endpoint is mounted.
func (a *App) SpeechEnabled() bool { return a.speaker != nil }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a configuration change. It
// matches [config.ChangeFunc] so it can be handed to [config.NewWatcher].
func (a *App) ApplyConfig(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADThresholdChanged {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n := a.sessions.UpdateThreshold(ctx, d.NewVADThreshold)
		cancel()
		a.log.Info("vad threshold changed", "threshold", d.NewVADThreshold, "sessions", n)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr until ctx is cancelled, then
// drains the relay and the server. It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases every subsystem in reverse order of creation. It is
// idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.relay != nil {
			if e := a.relay.Shutdown(ctx); e != nil && !errors.Is(e, context.Canceled) {
				a.log.Warn("relay shutdown", "err", e)
			}
		}
		err = a.closeAll()
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if e := a.closers[i](); e != nil {
			errs = append(errs, e)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
