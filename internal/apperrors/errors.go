// Package apperrors provides structured application errors classified with
// sentinel values via errors.Is().
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrRateLimited   = errors.New("rate limited")
	ErrTransientSend = errors.New("transient send error")
	ErrPersistence   = errors.New("persistence error")
)

// Error carries the sentinel plus context about what failed.
type Error struct {
	Sentinel   error
	Message    string
	Field      string // for validation errors
	Resource   string // for not-found / invalid-state
	Op         string // operation that failed
	RetryAfter time.Duration // for rate-limited errors
	Cause      error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel so errors.Is() can classify the error.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

func NotFound(resource string, id int64) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %d not found", resource, id),
		Resource: resource,
	}
}

func InvalidState(resource, reason string) error {
	return &Error{
		Sentinel: ErrInvalidState,
		Message:  reason,
		Resource: resource,
	}
}

func RateLimited(retryAfter time.Duration) error {
	return &Error{
		Sentinel:   ErrRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func TransientSend(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransientSend,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

func Persistence(op string, cause error) error {
	return &Error{
		Sentinel: ErrPersistence,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
