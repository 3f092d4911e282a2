package session

import (
	"time"

	"github.com/MrWong99/therascribe/pkg/types"
)

// EventKind classifies an orchestrator [Event].
type EventKind int

const (
	// EventInterim carries a provisional transcript in Result.
	EventInterim EventKind = iota

	// EventTranscription carries a final transcript in Result.
	EventTranscription

	// EventStatus reports a lifecycle change in Status.
	EventStatus

	// EventError carries a recoverable failure in Err. The session stays
	// usable.
	EventError

	// EventProviderChange reports a switch of the active provider in Change.
	EventProviderChange
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventTranscription:
		return "transcription"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	case EventProviderChange:
		return "providerChange"
	default:
		return "unknown"
	}
}

// State is the orchestrator lifecycle position.
type State string

const (
	StateCreated   State = "created"
	StateReady     State = "ready"
	StateListening State = "listening"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed"
)

// StatusInfo is the payload of an EventStatus.
type StatusInfo struct {
	State    State                `json:"state"`
	Provider string               `json:"provider"`
	Health   types.ProviderStatus `json:"health"`
}

// ProviderChange is the payload of an EventProviderChange.
type ProviderChange struct {
	Old    string `json:"oldProvider"`
	New    string `json:"newProvider"`
	Reason string `json:"reason"`

	// Automatic is false for manual switches.
	Automatic bool `json:"automatic"`
}

// ErrorInfo is the payload of an EventError.
type ErrorInfo struct {
	Err      error  `json:"-"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Phase    string `json:"phase"`
}

// Event is one outward notification from an [Orchestrator]. Exactly one of
// the payload fields is set, according to Kind.
type Event struct {
	Kind      EventKind
	SessionID string
	Time      time.Time

	Result *types.TranscriptionResult
	Status *StatusInfo
	Change *ProviderChange
	Error  *ErrorInfo
}
