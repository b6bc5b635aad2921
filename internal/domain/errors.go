package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the query core.
type ErrorKind string

const (
	KindValidation ErrorKind = "ValidationError"
	KindConnection ErrorKind = "ConnectionError"
	KindQuery      ErrorKind = "QueryError"
	KindTimeout    ErrorKind = "TimeoutError"
	KindConflict   ErrorKind = "ConflictError"
)

// Codes attached to errors that do not originate from a backend.
const (
	CodeTimeout   = "TIMEOUT"
	CodeCancelled = "CANCELLED"
)

// Error is the typed failure returned by the store, executor and introspector.
// Code carries the backend status code or SQLSTATE when one is known.
type Error struct {
	Kind    ErrorKind
	Message string
	Code    string
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

// Is reports kind equality so callers can match with errors.Is(err, domain.ErrTimeout).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && (other.Code == "" || other.Code == e.Code)
	}
	return false
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrConnection = &Error{Kind: KindConnection}
	ErrQuery      = &Error{Kind: KindQuery}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrCancelled  = &Error{Kind: KindQuery, Code: CodeCancelled}
)

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ConnectionFailed wraps an open/close failure with the backend-reported cause.
func ConnectionFailed(message string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: message, Cause: cause}
}

// QueryFailed carries a backend rejection verbatim.
func QueryFailed(message, code string, cause error) *Error {
	return &Error{Kind: KindQuery, Message: message, Code: code, Cause: cause}
}

// Timeout reports an exceeded deadline.
func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message, Code: CodeTimeout}
}

// Cancelled reports an explicitly cancelled query.
func Cancelled() *Error {
	return &Error{Kind: KindQuery, Message: "query cancelled", Code: CodeCancelled}
}

// Conflictf builds a ConflictError.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind of err, or "" when err is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
