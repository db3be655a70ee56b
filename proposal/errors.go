package proposal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the proposal does not exist.
	ErrNotFound = errors.New("proposal: not found")
	// ErrInvalidTransition signals that the proposal is not in the required source status.
	ErrInvalidTransition = errors.New("proposal: invalid transition")
	// ErrForbidden signals that the actor may not act on this proposal.
	ErrForbidden = errors.New("proposal: forbidden")
	// ErrStoreUnavailable wraps failures talking to the store. The record is left
	// in its last committed state and the caller may retry.
	ErrStoreUnavailable = errors.New("proposal: store unavailable")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	ProposalID string
	From       Status
	To         Status
	Reason     string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("proposal: invalid transition %s -> %s for %s", e.From, e.To, e.ProposalID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError is returned for malformed create input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("proposal: %s %s", e.Field, e.Msg)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
