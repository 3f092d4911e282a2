package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/therascribe/internal/buffer"
	"github.com/MrWong99/therascribe/internal/config"
	"github.com/MrWong99/therascribe/internal/observe"
	"github.com/MrWong99/therascribe/internal/relay"
	"github.com/MrWong99/therascribe/internal/resilience"
	"github.com/MrWong99/therascribe/internal/session"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/provider/vad"
	"github.com/MrWong99/therascribe/pkg/types"
)

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Registry *config.Registry
	VAD      vad.Engine
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// SessionManager builds one orchestrator per relay connection and keeps
// track of the live ones so configuration changes can reach them.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg     *config.Config
	reg     *config.Registry
	engine  vad.Engine
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*session.Orchestrator
	threshold float64
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := &SessionManager{
		cfg:       cfg.Config,
		reg:       cfg.Registry,
		engine:    cfg.VAD,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		sessions:  make(map[string]*session.Orchestrator),
		threshold: cfg.Config.Pipeline.Threshold(),
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

var _ relay.SessionFactory = (*SessionManager)(nil).Create

// Create builds, initialises and starts a session whose adapters follow the
// relay provider order, then moves it onto requested. Automatic failover is
// disabled: the relay owns provider switching.
func (m *SessionManager) Create(ctx context.Context, sessionID, requested string) (relay.Session, error) {
	entries := m.orderedEntries()
	if len(entries) == 0 {
		return nil, errors.New("app: no transcription providers configured")
	}
	adapters, err := m.reg.CreateSTTAll(entries)
	if err != nil {
		return nil, fmt.Errorf("app: create adapters: %w", err)
	}

	sessCfg, err := m.sessionConfig(sessionID, entries)
	if err != nil {
		for _, a := range adapters {
			_ = a.Destroy()
		}
		return nil, err
	}
	o, err := session.New(sessCfg, adapters, m.engine,
		session.WithMetrics(m.metrics),
		session.WithLogger(m.log),
	)
	if err != nil {
		for _, a := range adapters {
			_ = a.Destroy()
		}
		return nil, fmt.Errorf("app: new session: %w", err)
	}

	if err := m.startSession(ctx, o, requested); err != nil {
		_ = o.Destroy()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = o
	m.mu.Unlock()
	m.log.Info("session created", "session_id", sessionID, "provider", o.CurrentProvider())
	return &managedSession{Orchestrator: o, release: func() { m.release(sessionID, o) }}, nil
}

func (m *SessionManager) startSession(ctx context.Context, o *session.Orchestrator, requested string) error {
	if err := o.Initialize(ctx); err != nil {
		return fmt.Errorf("app: initialize session: %w", err)
	}
	if requested != "" && requested != o.CurrentProvider() {
		// An unusable requested provider is not fatal; the relay walks the
		// order on the first failed packet.
		if err := o.SwitchProvider(ctx, requested, "requested by client"); err != nil {
			m.log.Warn("requested provider unavailable, keeping current",
				"session_id", o.ID(), "requested", requested, "provider", o.CurrentProvider(), "err", err)
		}
	}
	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	return nil
}

func (m *SessionManager) sessionConfig(sessionID string, entries []config.ProviderEntry) (session.Config, error) {
	p := m.cfg.Pipeline
	mode, err := buffer.ParseMode(string(p.Mode))
	if err != nil {
		return session.Config{}, fmt.Errorf("app: %w", err)
	}

	profile := types.ProviderProfile{Primary: entries[0].Name}
	for _, e := range entries[1:] {
		profile.Fallbacks = append(profile.Fallbacks, e.Name)
	}

	m.mu.Lock()
	threshold := m.threshold
	m.mu.Unlock()

	return session.Config{
		ID:      sessionID,
		Profile: profile,
		Buffer: buffer.Config{
			Mode:       mode,
			MinSilence: p.MinSilence,
			MaxBatch:   p.BatchSize,
		},
		VAD: vad.Config{
			SampleRate:  p.SampleRate,
			Threshold:   threshold,
			HistorySize: p.VADHistory,
		},
		STT: stt.Config{
			SampleRate:     p.SampleRate,
			Channels:       1,
			Language:       p.Language,
			RequestTimeout: p.RequestTimeout,
			InterimResults: p.InterimResults,
		},
		Failover: resilience.FailoverConfig{
			Enabled:   false,
			Threshold: p.FailoverThreshold,
		},
	}, nil
}

// orderedEntries returns the stt entries named by the relay provider order,
// in that order.
func (m *SessionManager) orderedEntries() []config.ProviderEntry {
	order := m.cfg.Relay.ProviderOrder
	if len(order) == 0 {
		return m.cfg.Providers.STT
	}
	out := make([]config.ProviderEntry, 0, len(order))
	for _, name := range order {
		i := slices.IndexFunc(m.cfg.Providers.STT, func(e config.ProviderEntry) bool { return e.Name == name })
		if i >= 0 {
			out = append(out, m.cfg.Providers.STT[i])
		}
	}
	return out
}

func (m *SessionManager) release(id string, o *session.Orchestrator) {
	m.mu.Lock()
	if m.sessions[id] == o {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// UpdateThreshold pushes a new VAD threshold into every live session and
// uses it for sessions created afterwards. It returns how many sessions
// accepted the change.
func (m *SessionManager) UpdateThreshold(ctx context.Context, threshold float64) int {
	m.mu.Lock()
	m.threshold = threshold
	live := make([]*session.Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		live = append(live, o)
	}
	m.mu.Unlock()

	n := 0
	for _, o := range live {
		if err := o.UpdateThreshold(ctx, threshold); err != nil {
			m.log.Warn("threshold update failed", "session_id", o.ID(), "err", err)
			continue
		}
		n++
	}
	return n
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns the live session with the given id.
func (m *SessionManager) Get(id string) (*session.Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.sessions[id]
	return o, ok
}

// DestroyAll tears down every live session.
func (m *SessionManager) DestroyAll() error {
	m.mu.Lock()
	live := make([]*session.Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		live = append(live, o)
	}
	clear(m.sessions)
	m.mu.Unlock()

	var errs []error
	for _, o := range live {
		if err := o.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// managedSession unregisters itself from the manager on Destroy.
type managedSession struct {
	*session.Orchestrator
	release func()
}

func (s *managedSession) Destroy() error {
	s.release()
	return s.Orchestrator.Destroy()
}
