// Package apperr defines the error taxonomy shared by the lending services and
// the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the caller
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindInternal     Kind = "INTERNAL"
)

// Error is a classified application error. Message is safe to show to
// clients except for KindInternal, whose message and cause stay server-side.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches caller-facing context such as current/max counts
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// Validation reports malformed or missing input
func Validation(msg string) *Error { return newError(KindValidation, msg, nil) }

// Unauthorized reports a missing or invalid session
func Unauthorized(msg string) *Error { return newError(KindUnauthorized, msg, nil) }

// Forbidden reports an ownership or role mismatch
func Forbidden(msg string) *Error { return newError(KindForbidden, msg, nil) }

// NotFound reports an absent entity or one in the wrong state
func NotFound(msg string) *Error { return newError(KindNotFound, msg, nil) }

// Conflict reports a cap or duplicate violation
func Conflict(msg string) *Error { return newError(KindConflict, msg, nil) }

// Internal wraps a crypto or storage failure
func Internal(msg string, cause error) *Error { return newError(KindInternal, msg, cause) }

// KindOf returns the kind of err, or KindInternal for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusCode maps a kind to its HTTP status
func StatusCode(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
