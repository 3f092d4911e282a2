package resilience

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

// ErrInjectedFault is wrapped by every error a FaultInjector produces.
var ErrInjectedFault = errors.New("injected fault")

// FaultInjector decides whether a request to provider should be failed
// artificially before it reaches the adapter. Production code uses
// [NeverFail].
type FaultInjector interface {
	Inject(provider string) error
}

// NeverFail is the default injector; it never fails.
type NeverFail struct{}

// Inject always returns nil.
func (NeverFail) Inject(string) error { return nil }

// RandomFaults fails each request with a fixed probability. It is the chaos
// hook for exercising failover against real providers.
type RandomFaults struct {
	mu   sync.Mutex
	rate float64
	rng  *rand.Rand
}

// NewRandomFaults creates a seeded injector failing with probability rate,
// clamped to [0, 1].
func NewRandomFaults(rate float64, seed uint64) *RandomFaults {
	return &RandomFaults{
		rate: min(max(rate, 0), 1),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Inject fails with the configured probability.
func (r *RandomFaults) Inject(provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rate > 0 && r.rng.Float64() < r.rate {
		return fmt.Errorf("%w: random failure for %s", ErrInjectedFault, provider)
	}
	return nil
}

// ScriptedFaults fails a scripted number of upcoming requests per provider.
// Tests use it to make failover deterministic.
type ScriptedFaults struct {
	mu      sync.Mutex
	pending map[string]int
	always  map[string]bool
	calls   map[string]int
}

// NewScriptedFaults creates an injector with no scripted failures.
func NewScriptedFaults() *ScriptedFaults {
	return &ScriptedFaults{
		pending: make(map[string]int),
		always:  make(map[string]bool),
		calls:   make(map[string]int),
	}
}

// FailNext makes the next n requests to provider fail.
func (s *ScriptedFaults) FailNext(provider string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[provider] += n
}

// FailAlways makes every request to provider fail until cleared with
// FailAlways(provider, false).
func (s *ScriptedFaults) FailAlways(provider string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.always[provider] = on
}

// Calls returns how many times Inject was consulted for provider.
func (s *ScriptedFaults) Calls(provider string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[provider]
}

// Inject consumes one scripted failure for provider, if any.
func (s *ScriptedFaults) Inject(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[provider]++
	if s.always[provider] {
		return fmt.Errorf("%w: scripted failure for %s", ErrInjectedFault, provider)
	}
	if s.pending[provider] > 0 {
		s.pending[provider]--
		return fmt.Errorf("%w: scripted failure for %s", ErrInjectedFault, provider)
	}
	return nil
}
