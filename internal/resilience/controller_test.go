package resilience

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/therascribe/pkg/types"
)

// fakeSwitcher reports availability from a map and records switches.
type fakeSwitcher struct {
	available map[string]bool
	failOn    map[string]bool
	switches  [][2]string
}

func (f *fakeSwitcher) Available(name string) bool { return f.available[name] }

func (f *fakeSwitcher) Switch(_ context.Context, old, new string) error {
	if f.failOn[new] {
		return errTest
	}
	f.switches = append(f.switches, [2]string{old, new})
	return nil
}

func newTestController(enabled bool) *Controller {
	return NewController(types.ProviderProfile{
		Primary:   "primary",
		Fallbacks: []string{"fb1", "fb2"},
	}, FailoverConfig{Enabled: enabled, Threshold: 0.3})
}

func TestErrorRate_ZeroWithoutRequests(t *testing.T) {
	c := newTestController(true)
	if got := c.ErrorRate("primary"); got != 0 {
		t.Fatalf("ErrorRate = %v, want 0", got)
	}
	if c.ShouldFailover() {
		t.Fatal("ShouldFailover with no requests")
	}
}

func TestErrorRate_StrictlyIncreasesWithConsecutiveErrors(t *testing.T) {
	c := newTestController(true)
	c.RecordSuccess("primary")
	c.RecordSuccess("primary")

	prev := c.ErrorRate("primary")
	for i := range 10 {
		got := c.RecordError("primary")
		if got <= prev {
			t.Fatalf("error %d: rate %v did not increase from %v", i, got, prev)
		}
		if got != c.ErrorRate("primary") {
			t.Fatalf("RecordError returned %v, ErrorRate reports %v", got, c.ErrorRate("primary"))
		}
		prev = got
	}
}

func TestSuccessesDiluteErrorRate(t *testing.T) {
	c := newTestController(true)
	c.RecordError("primary")
	if !c.ShouldFailover() {
		t.Fatal("rate 1.0 should exceed threshold")
	}
	for range 9 {
		c.RecordSuccess("primary")
	}
	if got := c.ErrorRate("primary"); got != 0.1 {
		t.Fatalf("ErrorRate = %v, want 0.1", got)
	}
	if c.ShouldFailover() {
		t.Fatal("rate 0.1 should not exceed 0.3")
	}
	errs, succ := c.Counts("primary")
	if errs != 1 || succ != 9 {
		t.Fatalf("Counts = (%d, %d), want (1, 9)", errs, succ)
	}
}

func TestShouldFailover_Disabled(t *testing.T) {
	c := newTestController(false)
	for range 5 {
		c.RecordError("primary")
	}
	if c.ShouldFailover() {
		t.Fatal("ShouldFailover must be false when disabled")
	}
}

func TestShouldFailover_ThresholdIsExclusive(t *testing.T) {
	c := NewController(types.ProviderProfile{Primary: "p"}, FailoverConfig{Enabled: true, Threshold: 0.5})
	c.RecordError("p")
	c.RecordSuccess("p")
	if c.ShouldFailover() {
		t.Fatal("rate equal to threshold must not trigger failover")
	}
}

func TestFailover_SkipsUnavailable(t *testing.T) {
	c := newTestController(true)
	// 4 errors, 1 success: rate 0.8.
	for range 4 {
		c.RecordError("primary")
	}
	c.RecordSuccess("primary")
	if !c.ShouldFailover() {
		t.Fatal("expected failover at rate 0.8")
	}

	sw := &fakeSwitcher{available: map[string]bool{"fb1": false, "fb2": true}}
	change, err := c.Failover(context.Background(), "error rate", sw)
	if err != nil {
		t.Fatalf("Failover: %v", err)
	}
	want := Change{Old: "primary", New: "fb2", Reason: "error rate"}
	if change != want {
		t.Fatalf("Change = %+v, want %+v", change, want)
	}
	if c.Current() != "fb2" {
		t.Fatalf("Current = %q, want fb2", c.Current())
	}
	if len(sw.switches) != 1 || sw.switches[0] != [2]string{"primary", "fb2"} {
		t.Fatalf("switches = %v, want exactly primary→fb2", sw.switches)
	}
}

func TestFailover_SwitchFailureSkipsCandidate(t *testing.T) {
	c := newTestController(true)
	sw := &fakeSwitcher{
		available: map[string]bool{"fb1": true, "fb2": true},
		failOn:    map[string]bool{"fb1": true},
	}
	change, err := c.Failover(context.Background(), "test", sw)
	if err != nil {
		t.Fatalf("Failover: %v", err)
	}
	if change.New != "fb2" {
		t.Fatalf("New = %q, want fb2", change.New)
	}
}

func TestFailover_Exhausted_LeavesLastAttempted(t *testing.T) {
	c := newTestController(true)
	sw := &fakeSwitcher{available: map[string]bool{}}

	_, err := c.Failover(context.Background(), "test", sw)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("err = %v, want ErrNoProviderAvailable", err)
	}
	if c.Current() != "fb2" {
		t.Fatalf("Current = %q, want last attempted fb2", c.Current())
	}
	if len(sw.switches) != 0 {
		t.Fatalf("switches = %v, want none", sw.switches)
	}
}

func TestFailover_LogsThroughContextualLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "sess-1")
	c := NewController(types.ProviderProfile{Primary: "primary", Fallbacks: []string{"fb1"}},
		FailoverConfig{Enabled: true, Threshold: 0.3}, WithLogger(log))

	if _, err := c.Failover(context.Background(), "test", &fakeSwitcher{available: map[string]bool{"fb1": true}}); err != nil {
		t.Fatalf("Failover: %v", err)
	}
	c.SetCurrent("primary")
	if _, err := c.Failover(context.Background(), "test", &fakeSwitcher{available: map[string]bool{}}); err == nil {
		t.Fatal("expected exhaustion")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var complete, exhausted bool
	for _, l := range lines {
		if !strings.Contains(l, "session_id=sess-1") {
			t.Errorf("log line without session_id: %s", l)
		}
		complete = complete || strings.Contains(l, "failover complete")
		exhausted = exhausted || strings.Contains(l, "failover exhausted")
	}
	if !complete || !exhausted {
		t.Errorf("log = %q, want complete and exhausted lines", buf.String())
	}
}

func TestFailover_FromFallbackExcludesCurrent(t *testing.T) {
	c := newTestController(true)
	c.SetCurrent("fb1")
	sw := &fakeSwitcher{available: map[string]bool{"fb1": true, "fb2": true}}

	change, err := c.Failover(context.Background(), "test", sw)
	if err != nil {
		t.Fatalf("Failover: %v", err)
	}
	if change.Old != "fb1" || change.New != "fb2" {
		t.Fatalf("Change = %+v, want fb1→fb2", change)
	}
}

func TestReset(t *testing.T) {
	c := newTestController(true)
	c.RecordError("primary")
	c.SetCurrent("fb1")
	c.Reset()
	if c.Current() != "primary" {
		t.Errorf("Current = %q after Reset, want primary", c.Current())
	}
	if errs, succ := c.Counts("primary"); errs != 0 || succ != 0 {
		t.Errorf("Counts = (%d, %d) after Reset, want zeros", errs, succ)
	}
}
