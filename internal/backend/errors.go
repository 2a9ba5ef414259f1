// Package backend is the HTTP client for the case/messaging backend. The
// engine consumes it as an external collaborator: stable authoritative ids,
// comparable timestamps, and truncation detection are all it requires of
// the wire format.
package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass drives how a failed request is handled upstream.
type ErrorClass string

const (
	// ClassTransient errors are retried with backoff; the user sees a
	// retry affordance.
	ClassTransient ErrorClass = "transient"
	// ClassAuth errors are not retried; the operation fails, rolls back
	// and the user is prompted to re-authenticate.
	ClassAuth ErrorClass = "auth"
	// ClassValidation errors are not retried; the message is surfaced
	// verbatim.
	ClassValidation ErrorClass = "validation"
	// ClassConflict responses are not failures: they are routed to the
	// conflict detector.
	ClassConflict ErrorClass = "conflict"
)

// Error is a classified backend failure.
type Error struct {
	Class   ErrorClass
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s error (status %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("backend %s error: %s", e.Class, e.Message)
}

// classify maps an HTTP status to an error class.
func classify(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ClassValidation
	default:
		return ClassTransient
	}
}

// ClassOf returns the class of a backend error, defaulting to transient for
// anything unclassified (network failures, timeouts).
func ClassOf(err error) ErrorClass {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassTransient
}

// IsRetryable reports whether the operation that produced err should be
// retried automatically.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}
