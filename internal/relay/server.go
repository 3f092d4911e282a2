// Package relay implements the server side of the streaming transcription
// relay: a websocket endpoint that authenticates a session, feeds its audio
// through a per-connection session orchestrator and walks a fixed provider
// order when the active provider fails.
//
// Each connection is served by one reader goroutine, so its audio and its
// provider pointer are handled in arrival order. Telemetry snapshots and
// orchestrator events are written from helper goroutines; the websocket
// connection serialises writes. Two rate limits apply: new connections per
// identity ([golang.org/x/time/rate], keyed without a global lock) and audio
// messages per connection (a sliding one-minute window).
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/therascribe/internal/observe"
	"github.com/MrWong99/therascribe/internal/resilience"
	"github.com/MrWong99/therascribe/internal/session"
	"github.com/MrWong99/therascribe/pkg/types"
)

// Path is where the relay is mounted.
const Path = "/v1/stream"

// Session is the part of [session.Orchestrator] the relay drives.
type Session interface {
	Feed(ctx context.Context, frame types.AudioFrame) error
	SwitchProvider(ctx context.Context, name, reason string) error
	CurrentProvider() string
	ProviderStatus(name string) (types.ProviderStatus, bool)
	Events() <-chan session.Event
	Destroy() error
}

var _ Session = (*session.Orchestrator)(nil)

// SessionFactory creates a listening session for an accepted connection,
// starting on provider. The relay owns provider switching, so sessions
// should be built with automatic failover disabled.
type SessionFactory func(ctx context.Context, sessionID, provider string) (Session, error)

// Sink receives every event of every relayed session.
type Sink interface {
	Publish(ctx context.Context, ev session.Event) error
}

// Option is a functional option for [New].
type Option func(*Server)

// WithFaultInjector installs the chaos strategy consulted before each
// provider attempt. Default is [resilience.NeverFail].
func WithFaultInjector(f resilience.FaultInjector) Option {
	return func(s *Server) { s.faults = f }
}

// WithSink forwards session events to sink.
func WithSink(sink Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithMetrics sets the metrics sink. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the base logger. Default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the relay's HTTP handler. It is safe for concurrent use.
type Server struct {
	cfg        Config
	auth       *Authenticator
	newSession SessionFactory
	faults     resilience.FaultInjector
	sink       Sink
	metrics    *observe.Metrics
	log        *slog.Logger
	now        func() time.Time

	identities *identityLimiter
	conns      sync.Map // connection id → *conn
	closing    atomic.Bool
	wg         sync.WaitGroup
}

var _ http.Handler = (*Server)(nil)

// New creates a Server.
func New(cfg Config, factory SessionFactory, opts ...Option) (*Server, error) {
	if factory == nil {
		return nil, errors.New("relay: session factory is required")
	}
	cfg = cfg.WithDefaults()
	auth, err := NewAuthenticator(cfg.JWTSecret, cfg.AllowDevSessions)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		auth:       auth,
		newSession: factory,
		faults:     resilience.NeverFail{},
		now:        time.Now,
		identities: newIdentityLimiter(cfg.ConnectionsPerMinute),
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
	return s, nil
}

// Authenticator returns the credential verifier, for issuing tokens.
func (s *Server) Authenticator() *Authenticator { return s.auth }

// Accepting reports whether new connections are admitted.
func (s *Server) Accepting() bool { return !s.closing.Load() }

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	n := 0
	s.conns.Range(func(any, any) bool { n++; return true })
	return n
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	// Origins are checked after the upgrade so the rejection carries a
	// policy-violation close code.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("relay: websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx := r.Context()
	q := r.URL.Query()
	sessionID, providerName := q.Get("sessionId"), q.Get("provider")
	log := s.log.With("session_id", sessionID, "remote", r.RemoteAddr)

	if err := checkOrigin(r.Header.Get("Origin"), s.cfg.AllowedOrigins); err != nil {
		s.reject(ctx, ws, log, ReasonOrigin, err)
		return
	}
	if sessionID == "" || providerName == "" {
		s.reject(ctx, ws, log, ReasonMissingParameter, errors.New("sessionId and provider are required"))
		return
	}
	identity, err := s.auth.Verify(sessionID, q.Get("token"))
	if err != nil {
		reason := ReasonBadToken
		var ae *AuthenticationError
		if errors.As(err, &ae) {
			reason = ae.Reason
		}
		s.reject(ctx, ws, log, reason, err)
		return
	}
	if len(s.cfg.ProviderOrder) > 0 && !slices.Contains(s.cfg.ProviderOrder, providerName) {
		s.reject(ctx, ws, log, ReasonUnknownProvider, fmt.Errorf("provider %q is not configured", providerName))
		return
	}
	if err := s.identities.allow(identity, s.now()); err != nil {
		s.reject(ctx, ws, log, ReasonConnectionRate, err)
		return
	}

	codec := q.Get("codec")
	if codec == "" {
		codec = codecPCM
	}
	c, err := newConn(s, ws, connParams{
		id:        uuid.NewString(),
		sessionID: sessionID,
		provider:  providerName,
		codec:     codec,
	})
	if err != nil {
		log.Error("relay: connection setup failed", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	sess, err := s.newSession(ctx, sessionID, providerName)
	if err != nil {
		log.Error("relay: session setup failed", "provider", providerName, "err", err)
		_ = ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	c.sess = sess

	s.conns.Store(c.id, c)
	s.metrics.RelayConnections.Add(ctx, 1)
	c.log.Info("relay: connection accepted", "provider", providerName, "codec", codec, "identity", identity)
	defer func() {
		s.conns.Delete(c.id)
		s.metrics.RelayConnections.Add(context.WithoutCancel(ctx), -1)
		if err := sess.Destroy(); err != nil {
			c.log.Warn("relay: session destroy failed", "err", err)
		}
	}()

	err = c.serve(ctx)
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		c.log.Info("relay: connection closed", "status", status)
	case errors.Is(err, context.Canceled):
		c.log.Info("relay: connection closed", "reason", "context canceled")
	default:
		c.log.Info("relay: connection closed", "err", err)
	}
	_ = ws.CloseNow()
}

func (s *Server) reject(ctx context.Context, ws *websocket.Conn, log *slog.Logger, reason string, err error) {
	log.Warn("relay: connection rejected", "reason", reason, "err", err)
	s.metrics.RecordRelayRejection(ctx, reason)
	_ = ws.Close(websocket.StatusPolicyViolation, reason)
}

// Run sweeps idle connections until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		case <-t.C:
			s.sweep()
		}
	}
}

// sweep closes connections idle past the timeout and forgets identities
// that have been quiet for twice as long.
func (s *Server) sweep() {
	now := s.now()
	cutoff := now.Add(-s.cfg.IdleTimeout)
	s.conns.Range(func(_, v any) bool {
		c := v.(*conn)
		if c.lastActivity().Before(cutoff) {
			c.log.Info("relay: closing idle connection", "idle", now.Sub(c.lastActivity()))
			go c.close(websocket.StatusGoingAway, "idle timeout")
		}
		return true
	})
	s.identities.prune(now.Add(-2 * s.cfg.IdleTimeout))
}

// Shutdown stops admitting connections, closes the open ones and waits for
// their handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closing.Swap(true) {
		return nil
	}
	s.conns.Range(func(_, v any) bool {
		go v.(*conn).close(websocket.StatusGoingAway, "server shutting down")
		return true
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}
