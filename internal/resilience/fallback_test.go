package resilience

import (
	"errors"
	"slices"
	"testing"
)

var errTest = errors.New("test error")

func TestWalk_FirstSuccess(t *testing.T) {
	var called []string
	got, err := Walk([]string{"a", "b", "c"}, "", func(name string) error {
		called = append(called, name)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a" {
		t.Fatalf("got = %q, want a", got)
	}
	if !slices.Equal(called, []string{"a"}) {
		t.Fatalf("called = %v, want [a]", called)
	}
}

func TestWalk_ExcludesAndSkipsFailures(t *testing.T) {
	var called []string
	got, err := Walk([]string{"a", "b", "c"}, "a", func(name string) error {
		called = append(called, name)
		if name == "b" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "c" {
		t.Fatalf("got = %q, want c", got)
	}
	if !slices.Equal(called, []string{"b", "c"}) {
		t.Fatalf("called = %v, want [b c]", called)
	}
}

func TestWalk_AllFail(t *testing.T) {
	_, err := Walk([]string{"a", "b", "c"}, "b", func(name string) error {
		if name == "a" {
			return ErrUnavailable
		}
		return errTest
	})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("err = %v, want ErrNoProviderAvailable", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, should wrap the candidate failures", err)
	}
	var npe *NoProviderAvailableError
	if !errors.As(err, &npe) {
		t.Fatalf("err = %T, want *NoProviderAvailableError", err)
	}
	if !slices.Equal(npe.Attempted, []string{"a", "c"}) {
		t.Errorf("Attempted = %v, want [a c]", npe.Attempted)
	}
	if npe.Last() != "c" {
		t.Errorf("Last = %q, want c", npe.Last())
	}
}

func TestWalk_NoCandidates(t *testing.T) {
	_, err := Walk([]string{"only"}, "only", func(string) error { return nil })
	var npe *NoProviderAvailableError
	if !errors.As(err, &npe) {
		t.Fatalf("err = %v, want *NoProviderAvailableError", err)
	}
	if npe.Last() != "" {
		t.Errorf("Last = %q, want empty", npe.Last())
	}
}

func TestFaultInjectors(t *testing.T) {
	if err := (NeverFail{}).Inject("x"); err != nil {
		t.Fatalf("NeverFail.Inject = %v", err)
	}

	s := NewScriptedFaults()
	s.FailNext("a", 2)
	for i, want := range []bool{true, true, false} {
		err := s.Inject("a")
		if (err != nil) != want {
			t.Errorf("call %d: err = %v, want failure=%v", i, err, want)
		}
		if err != nil && !errors.Is(err, ErrInjectedFault) {
			t.Errorf("call %d: err = %v, want ErrInjectedFault", i, err)
		}
	}
	if err := s.Inject("b"); err != nil {
		t.Errorf("unscripted provider failed: %v", err)
	}
	s.FailAlways("b", true)
	if err := s.Inject("b"); err == nil {
		t.Error("FailAlways should fail")
	}
	if s.Calls("a") != 3 {
		t.Errorf("Calls(a) = %d, want 3", s.Calls("a"))
	}

	never := NewRandomFaults(0, 1)
	always := NewRandomFaults(1, 1)
	for range 100 {
		if never.Inject("x") != nil {
			t.Fatal("rate 0 must never fail")
		}
		if always.Inject("x") == nil {
			t.Fatal("rate 1 must always fail")
		}
	}

	// Same seed, same sequence.
	r1, r2 := NewRandomFaults(0.5, 42), NewRandomFaults(0.5, 42)
	for i := range 50 {
		if (r1.Inject("x") == nil) != (r2.Inject("x") == nil) {
			t.Fatalf("seeded injectors diverged at call %d", i)
		}
	}
}
