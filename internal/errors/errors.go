// Package errors provides error code definitions shared across the sync core
// and the app layers that consume its state.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode represents a unique application error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors, one per failure class the engine distinguishes
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncNetwork       ErrorCode = "SYNC_NETWORK"
	ErrSyncAuthFailed    ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncRateLimited   ErrorCode = "SYNC_RATE_LIMITED"
	ErrSyncServer        ErrorCode = "SYNC_SERVER"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"
	ErrSyncInvalidID     ErrorCode = "SYNC_INVALID_ID"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// RetryAfter carries the server-advertised cool-down on rate-limit
	// errors; zero elsewhere.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// RateLimited creates a rate-limit error carrying the server-advertised
// cool-down.
func RateLimited(message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       ErrSyncRateLimited,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// RetryAfter extracts the advertised cool-down from an error, zero when the
// error carries none.
func RetryAfter(err error) time.Duration {
	if appErr, ok := err.(*AppError); ok {
		return appErr.RetryAfter
	}
	return 0
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error, or ErrInternal if it is not
// an AppError.
func Code(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the sync engine may retry the failed operation
// automatically. Auth and validation failures need user action; everything
// transient (network, timeout, rate limit, server) retries.
func Retryable(code ErrorCode) bool {
	switch code {
	case ErrSyncNetwork, ErrSyncTimeout, ErrSyncRateLimited, ErrSyncServer:
		return true
	default:
		return false
	}
}
