package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoProviderAvailable is matched (via errors.Is) by every
// [NoProviderAvailableError].
var ErrNoProviderAvailable = errors.New("no provider available")

// ErrUnavailable marks a candidate skipped because it reported itself
// unavailable.
var ErrUnavailable = errors.New("provider unavailable")

// NoProviderAvailableError reports that every candidate in a fallback walk
// was unavailable or failed. The session that hit it stays open.
type NoProviderAvailableError struct {
	// Attempted lists the candidates tried, in order.
	Attempted []string

	// Err joins the per-candidate failures.
	Err error
}

func (e *NoProviderAvailableError) Error() string {
	if len(e.Attempted) == 0 {
		return "resilience: no provider available: no candidates"
	}
	return fmt.Sprintf("resilience: no provider available (attempted %s): %v",
		strings.Join(e.Attempted, ", "), e.Err)
}

func (e *NoProviderAvailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNoProviderAvailable) hold.
func (e *NoProviderAvailableError) Is(target error) bool {
	return target == ErrNoProviderAvailable
}

// Last returns the last candidate attempted, or "" when none were.
func (e *NoProviderAvailableError) Last() string {
	if len(e.Attempted) == 0 {
		return ""
	}
	return e.Attempted[len(e.Attempted)-1]
}

// Walk tries each name in order, skipping exclude, until try succeeds. It
// returns the name that succeeded. When every candidate fails it returns a
// *NoProviderAvailableError naming the candidates in the order they were
// attempted.
func Walk(order []string, exclude string, try func(name string) error) (string, error) {
	var (
		attempted []string
		errs      []error
	)
	for _, name := range order {
		if name == exclude {
			continue
		}
		attempted = append(attempted, name)
		err := try(name)
		if err == nil {
			return name, nil
		}
		if errors.Is(err, ErrUnavailable) {
			slog.Debug("skipping provider (unavailable)", "provider", name)
		} else {
			slog.Warn("provider failed, trying next", "provider", name, "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return "", &NoProviderAvailableError{Attempted: attempted, Err: errors.Join(errs...)}
}
