package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/therascribe/internal/resilience"
	"github.com/MrWong99/therascribe/internal/session"
	"github.com/MrWong99/therascribe/pkg/audio"
	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/types"
)

const (
	codecPCM  = "pcm"
	codecOpus = "opus"

	writeTimeout = 5 * time.Second
)

type connParams struct {
	id        string
	sessionID string
	provider  string
	codec     string
}

// conn is one accepted relay connection.
type conn struct {
	id        string
	sessionID string
	srv       *Server
	ws        *websocket.Conn
	sess      Session
	log       *slog.Logger
	started   time.Time

	// Owned by the reader goroutine.
	codec  string
	opus   *audio.OpusDecoder
	window *slidingWindow

	mu          sync.Mutex
	current     string
	status      string
	packets     int64
	failures    int64
	rateLimited int64
	lastSeen    time.Time

	closeOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn, p connParams) (*conn, error) {
	now := s.now()
	c := &conn{
		id:        p.id,
		sessionID: p.sessionID,
		srv:       s,
		ws:        ws,
		log:       s.log.With("session_id", p.sessionID, "connection_id", p.id),
		started:   now,
		codec:     p.codec,
		window:    newSlidingWindow(s.cfg.MessagesPerMinute, time.Minute),
		current:   p.provider,
		status:    statusActive,
		lastSeen:  now,
	}
	switch p.codec {
	case codecPCM:
	case codecOpus:
		dec, err := audio.NewOpusDecoder(1, audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1})
		if err != nil {
			return nil, err
		}
		c.opus = dec
	default:
		return nil, fmt.Errorf("relay: unsupported codec %q", p.codec)
	}
	return c, nil
}

// serve runs the connection until the socket closes.
func (c *conn) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.pumpEvents(ctx) })
	g.Go(func() error { return c.telemetryLoop(ctx) })
	return g.Wait()
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		c.touch()

		if typ == websocket.MessageBinary {
			c.handleAudio(ctx, data)
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ctx, "", "decode", fmt.Errorf("malformed message: %w", err))
			continue
		}
		switch msg.Type {
		case TypeAudio:
			c.handleAudio(ctx, msg.Data)
		case TypePing:
			c.send(ctx, Envelope{Type: TypePong, SessionID: c.sessionID, Timestamp: c.srv.now()})
		default:
			c.sendError(ctx, "", "decode", fmt.Errorf("unknown message type %q", msg.Type))
		}
	}
}

// handleAudio admits one audio message through the rate limit and routes it
// to the current provider, walking the fallback order on failure.
func (c *conn) handleAudio(ctx context.Context, payload []byte) {
	if err := c.window.take(c.srv.now()); err != nil {
		var rl *RateLimitError
		errors.As(err, &rl)
		c.mu.Lock()
		c.rateLimited++
		c.mu.Unlock()
		c.srv.metrics.RelayRateLimited.Add(ctx, 1)
		c.log.Debug("relay: message rate limited", "retry_after", rl.RetryAfter)
		c.send(ctx, RateLimitMessage{
			Envelope:     c.envelope(TypeRateLimit),
			Limit:        rl.Limit,
			RetryAfterMs: rl.RetryAfter.Milliseconds(),
		})
		return
	}
	c.mu.Lock()
	c.packets++
	current := c.current
	c.mu.Unlock()

	if len(payload) == 0 {
		return
	}
	frame, err := c.decode(payload)
	if err != nil {
		c.sendError(ctx, current, "decode", err)
		return
	}

	err = c.processProviderAudio(ctx, current, frame)
	if err == nil {
		c.setStatus(statusActive)
		return
	}
	if !isProviderFailure(err) {
		c.sendError(ctx, current, "feed", err)
		return
	}

	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()
	c.log.Warn("relay: provider failed", "provider", current, "err", err)

	attempted := current
	next, werr := resilience.Walk(c.srv.cfg.ProviderOrder, current, func(name string) error {
		attempted = name
		return c.processProviderAudio(ctx, name, frame)
	})
	if werr != nil {
		// Candidates rejected before a switch never move the session, so
		// the connection records the last name the walk tried.
		c.mu.Lock()
		c.current = attempted
		c.status = statusDegraded
		c.mu.Unlock()
		c.log.Error("relay: no provider available", "err", werr)
		c.sendError(ctx, current, "failover", werr)
		return
	}

	c.mu.Lock()
	c.current = next
	c.status = statusActive
	c.mu.Unlock()
	c.srv.metrics.RecordFailover(ctx, current, next, "relay")
	c.log.Info("relay: provider changed", "from", current, "to", next, "failures", failures)
	c.send(ctx, ProviderChangeMessage{
		Envelope:     c.envelope(TypeProviderChange),
		OldProvider:  current,
		NewProvider:  next,
		Reason:       err.Error(),
		FailureCount: failures,
		Uptime:       c.srv.now().Sub(c.started).Milliseconds(),
	})
}

// processProviderAudio feeds frame to the session on the named provider,
// switching the session to it first when needed.
func (c *conn) processProviderAudio(ctx context.Context, name string, frame types.AudioFrame) error {
	if st, ok := c.sess.ProviderStatus(name); !ok {
		return fmt.Errorf("%w: %s is not configured", resilience.ErrUnavailable, name)
	} else if !st.Available {
		return resilience.ErrUnavailable
	}
	if ferr := c.srv.faults.Inject(name); ferr != nil {
		return provider.NewError(name, "feed", ferr)
	}
	if c.sess.CurrentProvider() != name {
		if err := c.sess.SwitchProvider(ctx, name, "relay fallback"); err != nil {
			return err
		}
	}
	return c.sess.Feed(ctx, frame)
}

func isProviderFailure(err error) bool {
	var pe *provider.Error
	return errors.As(err, &pe) || errors.Is(err, resilience.ErrUnavailable)
}

func (c *conn) decode(payload []byte) (types.AudioFrame, error) {
	if c.opus != nil {
		return c.opus.Decode(payload)
	}
	return types.AudioFrame{
		Data:       payload,
		SampleRate: c.srv.cfg.SampleRate,
		Channels:   1,
		Timestamp:  c.srv.now().Sub(c.started),
	}, nil
}

// pumpEvents forwards session events to the client and the sink until the
// session's event channel closes or ctx ends.
func (c *conn) pumpEvents(ctx context.Context) error {
	events := c.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if c.srv.sink != nil {
				if err := c.srv.sink.Publish(ctx, ev); err != nil {
					c.log.Warn("relay: sink publish failed", "kind", ev.Kind, "err", err)
				}
			}
			c.forward(ctx, ev)
		}
	}
}

func (c *conn) forward(ctx context.Context, ev session.Event) {
	switch ev.Kind {
	case session.EventTranscription:
		c.send(ctx, ResultMessage{Envelope: c.envelope(TypeTranscription), Result: ev.Result})
	case session.EventInterim:
		c.send(ctx, ResultMessage{Envelope: c.envelope(TypeInterim), Result: ev.Result})
	case session.EventStatus:
		c.send(ctx, StatusMessage{
			Envelope: c.envelope(TypeStatus),
			State:    string(ev.Status.State),
			Provider: ev.Status.Provider,
		})
	case session.EventError:
		c.send(ctx, ErrorMessage{
			Envelope: c.envelope(TypeError),
			Message:  ev.Error.Message,
			Provider: ev.Error.Provider,
			Phase:    ev.Error.Phase,
		})
	case session.EventProviderChange:
		// Switches are driven and reported by handleAudio.
	}
}

func (c *conn) telemetryLoop(ctx context.Context) error {
	t := time.NewTicker(c.srv.cfg.TelemetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.send(ctx, c.snapshot())
		}
	}
}

func (c *conn) snapshot() Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Telemetry{
		Envelope:         c.envelope(TypeTelemetry),
		ConnectionID:     c.id,
		ConnectionUptime: c.srv.now().Sub(c.started).Milliseconds(),
		CurrentProvider:  c.current,
		PacketsReceived:  c.packets,
		ProviderFailures: c.failures,
		RateLimitCount:   c.rateLimited,
		Status:           c.status,
	}
}

func (c *conn) envelope(typ string) Envelope {
	return Envelope{Type: typ, SessionID: c.sessionID, Timestamp: c.srv.now()}
}

func (c *conn) sendError(ctx context.Context, providerName, phase string, err error) {
	c.send(ctx, ErrorMessage{
		Envelope: c.envelope(TypeError),
		Message:  err.Error(),
		Provider: providerName,
		Phase:    phase,
	})
}

func (c *conn) send(ctx context.Context, v any) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		c.log.Debug("relay: write failed", "err", err)
	}
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = c.srv.now()
	c.mu.Unlock()
}

func (c *conn) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *conn) setStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
