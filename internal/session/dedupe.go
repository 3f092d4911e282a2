package session

import (
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
)

const (
	dedupeCapacity   = 8
	dedupeWindow     = 10 * time.Second
	dedupeSimilarity = 0.9
)

type recentFinal struct {
	text string
	at   time.Time
}

// dedupe suppresses finals that repeat a recent one after a provider
// switch, when the new provider re-transcribes audio the old one already
// covered.
type dedupe struct {
	recent     []recentFinal
	head       int
	switchedAt time.Time
}

func newDedupe() *dedupe {
	return &dedupe{recent: make([]recentFinal, 0, dedupeCapacity)}
}

func (d *dedupe) add(text string, now time.Time) {
	rf := recentFinal{text: normalize(text), at: now}
	if len(d.recent) < dedupeCapacity {
		d.recent = append(d.recent, rf)
		return
	}
	d.recent[d.head] = rf
	d.head = (d.head + 1) % dedupeCapacity
}

func (d *dedupe) markSwitch(now time.Time) { d.switchedAt = now }

// duplicate reports whether text should be suppressed. Only finals arriving
// within the window after a switch are considered.
func (d *dedupe) duplicate(text string, now time.Time) bool {
	if d.switchedAt.IsZero() || now.Sub(d.switchedAt) > dedupeWindow {
		return false
	}
	msg := normalize(text)
	for _, rf := range d.recent {
		if now.Sub(rf.at) > dedupeWindow {
			continue
		}
		if similar(msg, rf.text) {
			return true
		}
	}
	return false
}

func (d *dedupe) reset() {
	d.recent = d.recent[:0]
	d.head = 0
	d.switchedAt = time.Time{}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func similar(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	dist := levenshtein.ComputeDistance(a, b)
	longest := max(len([]rune(a)), len([]rune(b)))
	return 1-float64(dist)/float64(longest) >= dedupeSimilarity
}
