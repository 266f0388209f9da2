// Package apperr defines the application error taxonomy.
//
// Every failure that crosses a service boundary is classified into one of a
// small set of kinds so the HTTP layer can map it to a status code without
// inspecting message strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error.
type Kind int

const (
	// KindInternal is the default for unexpected failures.
	KindInternal Kind = iota
	// KindValidation marks caller-supplied input that violates a constraint.
	KindValidation
	// KindAuth marks missing roles and license denials.
	KindAuth
	// KindNotFound marks lookups of unknown ids.
	KindNotFound
	// KindProvider marks exhaustion of all configured data providers.
	KindProvider
	// KindGovernance marks runtime use of an unapproved strategy.
	KindGovernance
)

// Error is a kinded application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a validation error.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// Auth creates an authorization error.
func Auth(format string, args ...interface{}) *Error {
	return New(KindAuth, format, args...)
}

// Provider creates a provider-exhaustion error.
func Provider(format string, args ...interface{}) *Error {
	return New(KindProvider, format, args...)
}

// Governance creates a governance violation error.
func Governance(format string, args ...interface{}) *Error {
	return New(KindGovernance, format, args...)
}

// Internal creates an internal error.
func Internal(format string, args ...interface{}) *Error {
	return New(KindInternal, format, args...)
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
