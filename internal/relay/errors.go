package relay

import (
	"fmt"
	"time"
)

// Rejection reasons, used as close reasons, log values and metric labels.
const (
	ReasonMissingParameter = "missing parameter"
	ReasonBadToken         = "bad token"
	ReasonSessionMismatch  = "session mismatch"
	ReasonOrigin           = "disallowed origin"
	ReasonConnectionRate   = "connection rate"
	ReasonUnknownProvider  = "unknown provider"
)

// AuthenticationError rejects a connection whose credential cannot be
// verified. It is fatal to the connection attempt.
type AuthenticationError struct {
	// Reason is one of ReasonMissingParameter, ReasonBadToken or
	// ReasonSessionMismatch.
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay: authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("relay: authentication failed (%s)", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// OriginRejectedError rejects a connection from an origin outside the
// allow-list.
type OriginRejectedError struct {
	Origin string
}

func (e *OriginRejectedError) Error() string {
	return fmt.Sprintf("relay: origin %q not allowed", e.Origin)
}

// RateLimitError reports an exceeded limit. For audio messages it is
// advisory and the connection stays open; for connection attempts it
// rejects the attempt.
type RateLimitError struct {
	// Scope is "message" or "connection".
	Scope string
	Limit int

	// RetryAfter is when the next request would be admitted.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("relay: %s rate limit of %d/min exceeded, retry after %v", e.Scope, e.Limit, e.RetryAfter)
}
