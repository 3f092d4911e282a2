// Package kafka publishes session events to a Kafka topic. Records are JSON,
// keyed by session id so one session's events stay ordered within a
// partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/MrWong99/therascribe/internal/observe"
	"github.com/MrWong99/therascribe/internal/session"
	"github.com/MrWong99/therascribe/internal/sink"
)

// Config configures the publisher. With no brokers the publisher only logs.
type Config struct {
	Brokers []string
	Topic   string

	// IncludeInterim also publishes interim and status events.
	IncludeInterim bool
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Option is a functional option for [New].
type Option func(*Publisher)

// WithMetrics sets the metrics sink. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// withWriter replaces the Kafka writer; tests use it.
func withWriter(w messageWriter) Option {
	return func(p *Publisher) { p.w = w }
}

var _ sink.Publisher = (*Publisher)(nil)

// Publisher writes session events to Kafka. It is safe for concurrent use.
type Publisher struct {
	cfg     Config
	w       messageWriter
	metrics *observe.Metrics
}

// New creates a Publisher.
func New(cfg Config, opts ...Option) *Publisher {
	p := &Publisher{cfg: cfg}
	if len(cfg.Brokers) > 0 && cfg.Topic != "" {
		dialer := &kafkago.Dialer{Timeout: 10 * time.Second, DualStack: true}
		p.w = &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafkago.RequireOne,
			Transport:    &kafkago.Transport{Dial: dialer.DialFunc},
		}
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.w == nil {
		slog.Info("kafka sink disabled, logging events only")
	} else {
		slog.Info("kafka sink enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	return p
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.w != nil }

// Publish writes ev. Interim and status events are skipped unless
// IncludeInterim is set.
func (p *Publisher) Publish(ctx context.Context, ev session.Event) error {
	rec, ok := sink.NewRecord(ev, p.cfg.IncludeInterim)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kafka: marshal %s event: %w", rec.Type, err)
	}
	if p.w == nil {
		slog.Debug("sink event", "session_id", ev.SessionID, "type", rec.Type, "payload", string(payload))
		return nil
	}

	err = p.w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "eventType", Value: []byte(rec.Type)},
		},
	})
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, "kafka", "sink", "error")
		return fmt.Errorf("kafka: publish %s event: %w", rec.Type, err)
	}
	p.metrics.RecordProviderRequest(ctx, "kafka", "sink", "ok")
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if p.w == nil {
		return nil
	}
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("kafka: close: %w", err)
	}
	return nil
}
