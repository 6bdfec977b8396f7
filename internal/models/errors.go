package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBookingNotFound    = errors.New("booking not found")
	ErrStaffNotFound      = errors.New("staff user not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid booking state")
	ErrConcurrentUpdate   = errors.New("booking was modified concurrently")
	ErrLinkInvalid        = errors.New("link is invalid or has expired")
	ErrNoConfirmedTours   = errors.New("booking has no confirmed tours")
	ErrNothingDue         = errors.New("booking has no outstanding balance")
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrRateLimited        = errors.New("too many requests")
	ErrNotificationFailed = errors.New("notification could not be delivered")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
)

// StateError reports a transition attempted from the wrong status.
type StateError struct {
	Action   string
	Expected []Status
	Actual   Status
}

func (e *StateError) Error() string {
	expected := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		expected[i] = string(s)
	}
	return fmt.Sprintf("cannot %s: booking status is %q, expected %s", e.Action, e.Actual, strings.Join(expected, " or "))
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NewStateError builds a StateError for action.
func NewStateError(action string, actual Status, expected ...Status) *StateError {
	return &StateError{Action: action, Expected: expected, Actual: actual}
}

// ValidationError reports a rejected input field. IDs enumerates offending tour ids when relevant.
type ValidationError struct {
	Field  string
	Reason string
	IDs    []string
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = e.Field + ": " + e.Reason
	}
	if len(e.IDs) > 0 {
		msg += " (" + strings.Join(e.IDs, ", ") + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func NewValidationError(field, reason string, ids ...string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, IDs: ids}
}
