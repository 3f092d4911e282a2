// Package sink holds what the transcript sinks share: the record every sink
// writes and a fan-out that feeds several sinks from one relay.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/therascribe/internal/session"
	"github.com/MrWong99/therascribe/pkg/types"
)

// Publisher is a sink that must be flushed on shutdown.
type Publisher interface {
	Publish(ctx context.Context, ev session.Event) error
	Close() error
}

// Record is the JSON value every sink writes for one event.
type Record struct {
	Type      string                     `json:"type"`
	SessionID string                     `json:"sessionId"`
	Timestamp time.Time                  `json:"timestamp"`
	Result    *types.TranscriptionResult `json:"result,omitempty"`
	Change    *session.ProviderChange    `json:"change,omitempty"`
	Status    *session.StatusInfo        `json:"status,omitempty"`
	Error     *session.ErrorInfo         `json:"error,omitempty"`
}

// NewRecord converts ev into a Record. It reports false for events the sink
// should skip: interim and status events unless includeInterim is set, and
// unknown kinds.
func NewRecord(ev session.Event, includeInterim bool) (Record, bool) {
	rec := Record{Type: ev.Kind.String(), SessionID: ev.SessionID, Timestamp: ev.Time}
	switch ev.Kind {
	case session.EventTranscription:
		rec.Result = ev.Result
	case session.EventProviderChange:
		rec.Change = ev.Change
	case session.EventError:
		rec.Error = ev.Error
	case session.EventInterim:
		if !includeInterim {
			return rec, false
		}
		rec.Result = ev.Result
	case session.EventStatus:
		if !includeInterim {
			return rec, false
		}
		rec.Status = ev.Status
	default:
		return rec, false
	}
	return rec, true
}

// Multi publishes every event to each of its sinks in order. A failing sink
// does not stop the others; the errors are joined.
type Multi []Publisher

var _ Publisher = Multi(nil)

// Publish implements [Publisher].
func (m Multi) Publish(ctx context.Context, ev session.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
