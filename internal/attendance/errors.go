package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when the requested transition is not the next allowed step.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingIdentifier is returned when no participant key is supplied.
	ErrMissingIdentifier = errors.New("participant key required")

	// ErrMissingEvidence is returned by the scan path when no capture was produced.
	ErrMissingEvidence = errors.New("scan evidence required")

	// ErrPersistence is matched by every PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	// ErrSessionBusy is returned when another update for the same participant and event is in flight.
	ErrSessionBusy = errors.New("session update already in progress")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From      State
	Attempted Transition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %s", ErrInvalidTransition, e.Attempted, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// PersistenceError wraps a backend failure for one transition.
type PersistenceError struct {
	Key        Key
	Transition Transition
	Err        error
}

func (e *PersistenceError) Error() string {
	if e.Transition == "" {
		return fmt.Sprintf("%s: list active sessions of %s: %v", ErrPersistence, e.Key.Event, e.Err)
	}
	return fmt.Sprintf("%s: persist %s for %s: %v", ErrPersistence, e.Transition, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
