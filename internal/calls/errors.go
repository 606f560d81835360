package calls

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrNotParticipant  = errors.New("calls: not a participant")
	ErrInvalidArgument = errors.New("calls: invalid argument")

	// ErrNoRoom means the call is running in degraded direct-signaling
	// mode and has no provider room to issue tokens or telemetry for.
	ErrNoRoom = errors.New("calls: call has no provider room")
)

// ConflictError covers both conflict shapes: an actor who is already in a
// non-terminal call (ExistingCallID set, so the client can offer "switch
// calls"), and a transition the current status does not permit.
type ConflictError struct {
	Reason         string
	ExistingCallID string
	CurrentStatus  Status
}

func (e *ConflictError) Error() string {
	if e.ExistingCallID != "" {
		return fmt.Sprintf("calls: %s (existing call %s)", e.Reason, e.ExistingCallID)
	}
	if e.CurrentStatus != "" {
		return fmt.Sprintf("calls: %s (current status %s)", e.Reason, e.CurrentStatus)
	}
	return "calls: " + e.Reason
}

func busyConflict(existingCallID string) *ConflictError {
	return &ConflictError{Reason: "user already in a call", ExistingCallID: existingCallID}
}

func transitionConflict(current Status) *ConflictError {
	return &ConflictError{Reason: "transition not permitted", CurrentStatus: current}
}
