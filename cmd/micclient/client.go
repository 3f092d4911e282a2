package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/therascribe/internal/relay"
)

// Client streams audio to the relay and prints what comes back.
type Client struct {
	conn      *websocket.Conn
	out       io.Writer
	log       *slog.Logger
	frameSize int

	// paced throttles non-live sources to real time.
	paced      bool
	sampleRate int

	closing atomic.Bool
}

// Run streams src until it is exhausted or ctx ends, while printing server
// messages. After src ends it keeps reading until linger elapses so late
// transcripts still arrive.
func (c *Client) Run(ctx context.Context, src io.Reader, linger time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	sent := make(chan struct{})
	g.Go(func() error {
		defer close(sent)
		return c.stream(gctx, src)
	})
	g.Go(func() error {
		return c.receive(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sent:
		}
		select {
		case <-gctx.Done():
		case <-time.After(linger):
		}
		c.closing.Store(true)
		return c.conn.Close(websocket.StatusNormalClosure, "done")
	})
	err := g.Wait()
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) stream(ctx context.Context, src io.Reader) error {
	buf := make([]byte, c.frameSize)
	var tick *time.Ticker
	if c.paced && c.sampleRate > 0 {
		tick = time.NewTicker(time.Duration(c.frameSize/2) * time.Second / time.Duration(c.sampleRate))
		defer tick.Stop()
	}
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if werr := c.conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return fmt.Errorf("write audio: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
			}
		}
	}
}

func (c *Client) receive(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if c.closing.Load() {
				return nil
			}
			return err
		}
		line, err := format(data)
		if err != nil {
			c.log.Warn("undecodable server message", "err", err)
			continue
		}
		if line != "" {
			fmt.Fprintln(c.out, line)
		}
	}
}

// format renders one server message as a console line. Telemetry and pongs
// render as "" unless they carry news.
func format(data []byte) (string, error) {
	var env relay.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	ts := env.Timestamp.Local().Format("15:04:05")

	switch env.Type {
	case relay.TypeTranscription, relay.TypeInterim:
		var m relay.ResultMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", err
		}
		if m.Result == nil {
			return "", nil
		}
		if env.Type == relay.TypeInterim {
			return fmt.Sprintf("[%s] … %s", ts, m.Result.Text), nil
		}
		return fmt.Sprintf("[%s] [%s %.2f] %s", ts, m.Result.Provider, m.Result.Confidence, m.Result.Text), nil

	case relay.TypeProviderChange:
		var m relay.ProviderChangeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", err
		}
		return fmt.Sprintf("[%s] provider %s → %s (%s, failures=%d)", ts, m.OldProvider, m.NewProvider, m.Reason, m.FailureCount), nil

	case relay.TypeTelemetry:
		var m relay.Telemetry
		if err := json.Unmarshal(data, &m); err != nil {
			return "", err
		}
		if m.Status == "active" && m.RateLimitCount == 0 {
			return "", nil
		}
		return fmt.Sprintf("[%s] telemetry provider=%s status=%s packets=%d failures=%d rateLimited=%d",
			ts, m.CurrentProvider, m.Status, m.PacketsReceived, m.ProviderFailures, m.RateLimitCount), nil

	case relay.TypeError:
		var m relay.ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", err
		}
		return fmt.Sprintf("[%s] error (%s): %s", ts, m.Phase, m.Message), nil

	case relay.TypeRateLimit:
		var m relay.RateLimitMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", err
		}
		return fmt.Sprintf("[%s] rate limited: %d/min, retry in %dms", ts, m.Limit, m.RetryAfterMs), nil

	default:
		return "", nil
	}
}
