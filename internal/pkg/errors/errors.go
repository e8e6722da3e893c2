package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when an identity-gated operation has no caller.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrQuotaExceeded is returned when the daily AI budget is spent.
	ErrQuotaExceeded = errors.New("ai quota exceeded")
	// ErrInvalidTransition is returned by the broker state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrDeadlinePassed is returned when a match is confirmed too late.
	ErrDeadlinePassed = errors.New("confirmation deadline passed")
)
