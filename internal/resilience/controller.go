// Package resilience holds the failover machinery shared by the session
// orchestrator, the streaming relay and the speech façade: per-provider
// error accounting, the ordered fallback walk, and injectable fault
// strategies for chaos testing.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/therascribe/pkg/types"
)

// FailoverConfig controls automatic failover.
type FailoverConfig struct {
	// Enabled turns automatic failover on.
	Enabled bool

	// Threshold is the error rate above which the active provider is
	// abandoned. A rate equal to the threshold does not trigger failover.
	Threshold float64
}

// Change describes a completed provider switch.
type Change struct {
	Old    string
	New    string
	Reason string
}

// Switcher performs the side effects of a switch on behalf of the
// controller.
type Switcher interface {
	// Available reports whether name can currently serve requests.
	Available(name string) bool

	// Switch stops old and starts new. A non-nil error skips new.
	Switch(ctx context.Context, old, new string) error
}

type counts struct {
	errors    int64
	successes int64
}

// Controller tracks monotonic per-provider counters and owns the
// current-provider pointer. Counters are never decayed or windowed, so a
// provider that fails early recovers its apparent health through later
// successes.
//
// Controller is safe for concurrent use.
type Controller struct {
	profile types.ProviderProfile
	cfg     FailoverConfig
	log     *slog.Logger

	mu      sync.Mutex
	current string
	counts  map[string]*counts
}

// ControllerOption is a functional option for [NewController].
type ControllerOption func(*Controller)

// WithLogger sets the logger failover outcomes are written to, typically one
// already carrying the session or connection attributes. Default is
// [slog.Default].
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// NewController creates a controller whose current provider is the
// profile's primary.
func NewController(profile types.ProviderProfile, cfg FailoverConfig, opts ...ControllerOption) *Controller {
	c := &Controller{
		profile: profile.Clone(),
		cfg:     cfg,
		current: profile.Primary,
		counts:  make(map[string]*counts),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Profile returns a copy of the provider profile.
func (c *Controller) Profile() types.ProviderProfile { return c.profile.Clone() }

// Config returns the failover configuration.
func (c *Controller) Config() FailoverConfig { return c.cfg }

// Current returns the active provider.
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetCurrent moves the pointer without any side effects. It is used for
// manual switches that the caller has already carried out.
func (c *Controller) SetCurrent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = name
}

func (c *Controller) countsLocked(name string) *counts {
	ct, ok := c.counts[name]
	if !ok {
		ct = &counts{}
		c.counts[name] = ct
	}
	return ct
}

// RecordError counts a failed request for name and returns its new error
// rate.
func (c *Controller) RecordError(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct := c.countsLocked(name)
	ct.errors++
	return rate(ct)
}

// RecordSuccess counts a successful request for name.
func (c *Controller) RecordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countsLocked(name).successes++
}

// ErrorRate returns errors/(errors+successes) for name, or 0 before any
// request.
func (c *Controller) ErrorRate(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.counts[name]
	if !ok {
		return 0
	}
	return rate(ct)
}

// Counts returns the raw counters for name.
func (c *Controller) Counts(name string) (errs, successes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct, ok := c.counts[name]; ok {
		return ct.errors, ct.successes
	}
	return 0, 0
}

// ShouldFailover reports whether failover is enabled and the current
// provider's error rate exceeds the threshold.
func (c *Controller) ShouldFailover() bool {
	if !c.cfg.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.counts[c.current]
	return ok && rate(ct) > c.cfg.Threshold
}

// Reset clears every counter and points back at the primary.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]*counts)
	c.current = c.profile.Primary
}

// Failover walks the fallback list in order, excluding the current
// provider. Each candidate becomes the current attempt before it is checked;
// unavailable candidates and candidates whose switch fails are skipped. On
// exhaustion a *NoProviderAvailableError is returned and the pointer is left
// at the last candidate attempted.
func (c *Controller) Failover(ctx context.Context, reason string, sw Switcher) (Change, error) {
	old := c.Current()
	next, err := Walk(c.profile.Fallbacks, old, func(name string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.SetCurrent(name)
		if !sw.Available(name) {
			return ErrUnavailable
		}
		if err := sw.Switch(ctx, old, name); err != nil {
			return fmt.Errorf("switch: %w", err)
		}
		return nil
	})
	if err != nil {
		c.log.ErrorContext(ctx, "failover exhausted", "from", old, "reason", reason, "err", err)
		return Change{}, err
	}
	c.log.InfoContext(ctx, "failover complete", "from", old, "to", next, "reason", reason)
	return Change{Old: old, New: next, Reason: reason}, nil
}

func rate(ct *counts) float64 {
	total := ct.errors + ct.successes
	if total == 0 {
		return 0
	}
	return float64(ct.errors) / float64(total)
}
