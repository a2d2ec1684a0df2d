// Package httperr defines the error taxonomy handlers and workers return.
// The REST layer maps kinds onto HTTP statuses; the job runner uses kinds to
// tell retryable failures from poison pills.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for response shaping and retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimited
	KindExternal
	KindExternalTimeout
	KindTransientStore
	KindFatal
)

// Error is the typed error all API handlers and job handlers return.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	// RetryAfter is surfaced as the Retry-After header for rate limits.
	RetryAfter time.Duration
	err        error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindExternal:
		return http.StatusBadGateway
	case KindExternalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Validation reports a request shape or constraint violation. Details list
// the offending fields.
func Validation(message string, details map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// Unauthenticated reports missing, expired, or revoked credentials.
func Unauthenticated(message string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message}
}

// Forbidden reports a failed scope, permission, org-access, or ownership
// check. Messages must not reveal whether a resource exists in another
// tenant.
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// NotFound covers both genuinely missing resources and resources outside the
// caller's tenancy, so IDs cannot be enumerated across tenants.
func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Message: resource + " not found"}
}

// Conflict reports a concurrent update or unique-constraint violation.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// RateLimited reports an exhausted request budget.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// External wraps a downstream provider failure. The message must not leak
// provider identifiers to clients.
func External(message string, err error) *Error {
	return &Error{Kind: KindExternal, Message: message, err: err}
}

// ExternalTimeout wraps a downstream provider timeout.
func ExternalTimeout(message string, err error) *Error {
	return &Error{Kind: KindExternalTimeout, Message: message, err: err}
}

// Transient wraps a store connection failure or deadlock that the retry
// layer may attempt again.
func Transient(err error) *Error {
	return &Error{Kind: KindTransientStore, Message: "temporary storage failure", err: err}
}

// Internal wraps an unexpected failure as a 500 without classifying it.
func Internal(err error) *Error {
	return &Error{Kind: KindUnknown, Message: "internal error", err: err}
}

// Fatal reports precondition collapse (schema drift, corrupt state).
func Fatal(message string, err error) *Error {
	return &Error{Kind: KindFatal, Message: message, err: err}
}

// KindOf extracts the taxonomy kind from any error chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsError converts any error into a taxonomy error, defaulting to internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Retryable reports whether a worker should retry after this error.
// Validation and authorization failures are poison pills; transient store
// and external failures retry per the job's policy.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindForbidden, KindUnauthenticated, KindNotFound, KindConflict, KindFatal:
		return false
	default:
		return true
	}
}
