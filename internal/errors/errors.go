// Package errors provides error codes and classification for FieldSync.
package errors

import "fmt"

// ErrorCode identifies a class of failure. The sync executor keys its
// retry and conflict behavior off these codes.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors: a local durable write failed. Fatal to the
	// triggering operation; never absorbed.
	ErrStorage ErrorCode = "STORAGE_ERROR"

	// Sync delivery errors
	ErrSyncTransient  ErrorCode = "SYNC_TRANSIENT"   // network error, timeout, remote 5xx
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"    // remote reports a divergent version
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"    // remote refused the payload (4xx)
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS" // a pass is already running
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"     // connectivity lost
)

// AppError is an error carrying an ErrorCode.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if appErr.Code == code {
				return true
			}
			err = appErr.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost ErrorCode of err, or ErrInternal if err
// carries none.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// IsConflict reports whether err is a remote version conflict.
func IsConflict(err error) bool {
	return Is(err, ErrSyncConflict)
}

// Retryable reports whether a delivery failure should consume the retry
// budget and be attempted again. Rejections are retried identically to
// transient errors; the code only makes the class visible in logs.
func Retryable(err error) bool {
	return Is(err, ErrSyncTransient) || Is(err, ErrSyncRejected)
}
