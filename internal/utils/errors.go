package utils

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can map them to behaviour:
// validation failures are rejected without retry, precondition failures leave
// state unchanged, upstream timeouts degrade to partial results, and
// persistence failures roll the enclosing transition back.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindPrecondition    Kind = "precondition"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindPersistence     Kind = "persistence"
	KindNotFound        Kind = "not_found"
)

// AppError wraps an operation, failure kind, human-facing message, and cause.
type AppError struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ValidationError marks malformed input payloads.
func ValidationError(op, msg string) error {
	return &AppError{Op: op, Kind: KindValidation, Msg: msg}
}

// PreconditionError marks illegal lifecycle transitions.
func PreconditionError(op, msg string) error {
	return &AppError{Op: op, Kind: KindPrecondition, Msg: msg}
}

// UpstreamTimeoutError marks unresponsive collaborators.
func UpstreamTimeoutError(op, msg string, err error) error {
	return &AppError{Op: op, Kind: KindUpstreamTimeout, Msg: msg, Err: err}
}

// PersistenceError marks failed store writes.
func PersistenceError(op, msg string, err error) error {
	return &AppError{Op: op, Kind: KindPersistence, Msg: msg, Err: err}
}

// NotFoundError marks lookups for absent aggregates.
func NotFoundError(op, msg string) error {
	return &AppError{Op: op, Kind: KindNotFound, Msg: msg}
}

// KindOf extracts the failure kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
