package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// identityLimiter rate limits new connections per identity. Entries are
// looked up by key without a map-wide lock so unrelated identities never
// contend.
type identityLimiter struct {
	perMinute int
	entries   sync.Map // string → *identityEntry
}

type identityEntry struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

func newIdentityLimiter(perMinute int) *identityLimiter {
	return &identityLimiter{perMinute: perMinute}
}

// allow reports whether identity may open another connection at now.
func (l *identityLimiter) allow(identity string, now time.Time) error {
	v, ok := l.entries.Load(identity)
	if !ok {
		lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		v, _ = l.entries.LoadOrStore(identity, &identityEntry{lim: lim})
	}
	e := v.(*identityEntry)
	e.lastSeen.Store(now.UnixNano())
	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return &RateLimitError{Scope: "connection", Limit: l.perMinute}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return &RateLimitError{Scope: "connection", Limit: l.perMinute, RetryAfter: d}
	}
	return nil
}

// prune drops identities not seen since before cutoff.
func (l *identityLimiter) prune(cutoff time.Time) {
	l.entries.Range(func(k, v any) bool {
		if v.(*identityEntry).lastSeen.Load() < cutoff.UnixNano() {
			l.entries.Delete(k)
		}
		return true
	})
}

// slidingWindow admits at most limit events in any span-long window. It is
// owned by one connection's reader and not safe for concurrent use.
type slidingWindow struct {
	limit  int
	span   time.Duration
	stamps []time.Time
}

func newSlidingWindow(limit int, span time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, span: span, stamps: make([]time.Time, 0, limit)}
}

// take admits one event at now or returns a *RateLimitError. Refused events
// do not occupy the window.
func (w *slidingWindow) take(now time.Time) error {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
	if len(w.stamps) >= w.limit {
		return &RateLimitError{
			Scope:      "message",
			Limit:      w.limit,
			RetryAfter: w.stamps[0].Add(w.span).Sub(now),
		}
	}
	w.stamps = append(w.stamps, now)
	return nil
}
