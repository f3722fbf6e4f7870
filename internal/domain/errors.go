package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification surfaced to callers.
type ErrorKind string

const (
	ErrStepOrder            ErrorKind = "step_order"
	ErrAlreadyBound         ErrorKind = "already_bound"
	ErrInvalidSelection     ErrorKind = "invalid_selection"
	ErrChallengeOutstanding ErrorKind = "challenge_outstanding"
	ErrInvalidCode          ErrorKind = "invalid_code"
	ErrChallengeExpired     ErrorKind = "challenge_expired"
	ErrGateway              ErrorKind = "gateway"
	ErrPersistence          ErrorKind = "persistence"
	ErrConflict             ErrorKind = "conflict"
	ErrNotFound             ErrorKind = "not_found"
)

// Error carries a kind plus a human-readable message. Gateway and
// persistence failures keep their cause for %w chains.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain, or "" for plain errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
