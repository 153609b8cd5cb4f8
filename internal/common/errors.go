package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error taxonomy. Every pipeline failure wraps exactly one of these so the
// orchestrator and appender can decide between retry, skip, and escalate.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInput        = errors.New("input error")          // unreadable/corrupt file; never retried
	ErrTransient    = errors.New("transient error")      // network/rate-limit/5xx; retried with backoff
	ErrPermanent    = errors.New("permanent error")      // auth/permission/missing destination; no retry
	ErrAlreadyOwned = errors.New("fingerprint is owned") // claim lost to an in-flight or terminal entry
	ErrNotFound     = errors.New("resource not found")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err is fatal for its destination.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
