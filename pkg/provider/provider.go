// Package provider holds the pieces shared by every adapter that wraps an
// external transcription or synthesis backend: the lifecycle state machine,
// the error taxonomy and the rolling success/error counters behind
// [types.ProviderStatus].
//
// Every adapter follows the same lifecycle:
//
//	Uninitialized → Initialized → Accepting ⇄ Stopped → Destroyed
//
// Initialize validates that the backend is reachable, Start moves the adapter
// into the accepting state, Stop flushes and leaves it, and Destroy releases
// everything. Destroyed is terminal and Destroy is idempotent.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// State is a position in the adapter lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateAccepting
	StateStopped
	StateDestroyed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateAccepting:
		return "accepting"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotInitialized is returned by Start (and Feed) when Initialize has not
	// completed successfully.
	ErrNotInitialized = errors.New("provider: not initialized")

	// ErrNotAccepting is returned by Feed when the adapter is initialised but
	// not started, or has been stopped.
	ErrNotAccepting = errors.New("provider: not accepting audio")

	// ErrDestroyed is returned by every lifecycle call after Destroy.
	ErrDestroyed = errors.New("provider: destroyed")
)

// InitializationError reports that a backend was unreachable or rejected the
// adapter's configuration. The adapter stays unusable until Initialize is
// retried successfully.
type InitializationError struct {
	Provider string
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("provider %s: initialize: %v", e.Provider, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// Error reports that a single request to a provider failed. It is recoverable
// and feeds the failover counters. Timeout is set when the request overran its
// deadline; timeouts are provider errors like any other.
type Error struct {
	Provider string
	Op       string
	Err      error
	Timeout  bool
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %s: %s: timeout: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as an [Error], classifying deadline overruns as timeouts.
func NewError(provider, op string, err error) *Error {
	return &Error{Provider: provider, Op: op, Err: err, Timeout: IsTimeout(err)}
}

// IsTimeout reports whether err is a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Lifecycle is the shared state machine embedded by adapters. It is safe for
// concurrent use.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// MarkInitialized records a successful Initialize. Re-initialising an
// initialised or stopped adapter is allowed and leaves it non-accepting.
func (l *Lifecycle) MarkInitialized() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateDestroyed:
		return ErrDestroyed
	case StateAccepting:
		return nil
	}
	l.state = StateInitialized
	return nil
}

// Start moves the adapter into the accepting state. It returns true when the
// state actually changed so the caller knows to open its transport.
func (l *Lifecycle) Start() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateUninitialized:
		return false, ErrNotInitialized
	case StateDestroyed:
		return false, ErrDestroyed
	case StateAccepting:
		return false, nil
	}
	l.state = StateAccepting
	return true, nil
}

// Stop leaves the accepting state. It returns true when the adapter was
// accepting, i.e. when the caller has pending work to flush.
func (l *Lifecycle) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAccepting {
		return false
	}
	l.state = StateStopped
	return true
}

// Destroy moves to the terminal state. It returns true only on the first
// call so teardown side effects run once.
func (l *Lifecycle) Destroy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDestroyed {
		return false
	}
	l.state = StateDestroyed
	return true
}

// CheckAccepting returns nil when audio may be fed.
func (l *Lifecycle) CheckAccepting() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateAccepting:
		return nil
	case StateUninitialized:
		return ErrNotInitialized
	case StateDestroyed:
		return ErrDestroyed
	default:
		return ErrNotAccepting
	}
}

// Usable reports whether the adapter has been initialised and not destroyed.
func (l *Lifecycle) Usable() bool {
	s := l.State()
	return s != StateUninitialized && s != StateDestroyed
}
