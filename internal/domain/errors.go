package domain

import "errors"

var (
	// ErrValidation marks rejected input; no state is created or mutated.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing batch, record, conflict, or session.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a state transition refused because the current
	// state no longer matches what the caller assumed.
	ErrConflict = errors.New("state conflict")
	// ErrSessionActive is returned when a sync is requested for a batch
	// that already has an active session.
	ErrSessionActive = errors.New("session already active")
	// ErrInvalidTransition marks a batch status transition outside the
	// lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
