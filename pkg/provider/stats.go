package provider

import (
	"sync"
	"time"

	"github.com/MrWong99/therascribe/pkg/types"
)

// Stats keeps the success/error counters and last observed latency an
// adapter reports through Status. Counters are monotonic for the life of the
// adapter. Safe for concurrent use.
type Stats struct {
	mu        sync.Mutex
	successes int64
	errors    int64
	latency   time.Duration
}

// RecordSuccess counts a successful request and remembers its latency.
func (s *Stats) RecordSuccess(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	s.latency = latency
}

// RecordError counts a failed request.
func (s *Stats) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// ErrorRate returns errors / (errors + successes), or 0 with no requests.
func (s *Stats) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rate(s.errors, s.successes)
}

// Status builds a [types.ProviderStatus] with the given availability.
func (s *Stats) Status(available bool) types.ProviderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ProviderStatus{
		Available: available,
		Latency:   s.latency,
		ErrorRate: rate(s.errors, s.successes),
	}
}

func rate(errs, successes int64) float64 {
	total := errs + successes
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total)
}
