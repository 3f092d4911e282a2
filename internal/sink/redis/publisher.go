// Package redis appends session events to Redis streams, one stream per
// session, so downstream consumers can tail a live transcript with XREAD.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/therascribe/internal/observe"
	"github.com/MrWong99/therascribe/internal/session"
	"github.com/MrWong99/therascribe/internal/sink"
)

// DefaultStreamPrefix is prepended to the session id to form the stream key.
const DefaultStreamPrefix = "therascribe:session"

// Config configures the publisher.
type Config struct {
	Addr     string
	Password string
	DB       int

	// StreamPrefix defaults to [DefaultStreamPrefix].
	StreamPrefix string

	// MaxLen approximately caps each stream. 0 keeps everything.
	MaxLen int64

	// TTL expires a session stream after its last event. 0 disables expiry.
	TTL time.Duration

	// IncludeInterim also publishes interim and status events.
	IncludeInterim bool
}

// Option is a functional option for [New].
type Option func(*Publisher)

// WithMetrics sets the metrics sink. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

var _ sink.Publisher = (*Publisher)(nil)

// Publisher writes session events to Redis. It is safe for concurrent use.
type Publisher struct {
	cfg     Config
	rdb     *goredis.Client
	metrics *observe.Metrics
}

// New creates a Publisher. The client connects lazily; use [Publisher.Ping]
// to verify the server is reachable.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: addr is required")
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = DefaultStreamPrefix
	}
	p := &Publisher{
		cfg: cfg,
		rdb: goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	slog.Info("redis sink enabled", "addr", cfg.Addr, "db", cfg.DB, "prefix", cfg.StreamPrefix)
	return p, nil
}

// Ping verifies the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// StreamKey returns the stream holding the events of sessionID.
func (p *Publisher) StreamKey(sessionID string) string {
	return p.cfg.StreamPrefix + ":" + sessionID
}

// Publish appends ev to the session stream. Interim and status events are
// skipped unless IncludeInterim is set.
func (p *Publisher) Publish(ctx context.Context, ev session.Event) error {
	rec, ok := sink.NewRecord(ev, p.cfg.IncludeInterim)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal %s event: %w", rec.Type, err)
	}

	key := p.StreamKey(ev.SessionID)
	pipe := p.rdb.TxPipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: p.cfg.MaxLen,
		Approx: p.cfg.MaxLen > 0,
		Values: map[string]any{"type": rec.Type, "data": payload},
	})
	if p.cfg.TTL > 0 {
		pipe.Expire(ctx, key, p.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.metrics.RecordProviderRequest(ctx, "redis", "sink", "error")
		return fmt.Errorf("redis: publish %s event: %w", rec.Type, err)
	}
	p.metrics.RecordProviderRequest(ctx, "redis", "sink", "ok")
	return nil
}

// Close closes the client.
func (p *Publisher) Close() error {
	if err := p.rdb.Close(); err != nil {
		return fmt.Errorf("redis: close: %w", err)
	}
	return nil
}
