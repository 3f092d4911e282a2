package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/therascribe/pkg/types"
)

// ErrNotAccepting is reported by [Accepting] while the relay refuses new
// connections.
var ErrNotAccepting = errors.New("not accepting connections")

// StatusReporter is satisfied by every provider adapter.
type StatusReporter interface {
	Name() string
	Status() types.ProviderStatus
}

// AnyAvailable passes while at least one of providers reports itself
// available. The failure message lists every provider that is down.
func AnyAvailable(name string, providers ...StatusReporter) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if len(providers) == 0 {
				return errors.New("no providers configured")
			}
			var down []string
			for _, p := range providers {
				if p.Status().Available {
					return nil
				}
				down = append(down, p.Name())
			}
			return fmt.Errorf("all providers unavailable: %s", strings.Join(down, ", "))
		},
	}
}

// Accepting passes while fn reports true.
func Accepting(name string, fn func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if !fn() {
				return ErrNotAccepting
			}
			return nil
		},
	}
}
