// Package errors provides error codes for the sync engine and its callers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to the application layer.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Local durability errors
	ErrQueue          ErrorCode = "QUEUE_ERROR"
	ErrStoreCorrupted ErrorCode = "STORE_CORRUPTED"

	// Connector errors
	ErrConnectorTransient ErrorCode = "CONNECTOR_TRANSIENT"
	ErrConnectorPermanent ErrorCode = "CONNECTOR_PERMANENT"

	// Sync errors
	ErrConflictResolution ErrorCode = "CONFLICT_RESOLUTION"
	ErrSyncNotConfigured  ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline        ErrorCode = "SYNC_OFFLINE"
)

// AppError represents an application error with code and message.
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

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or an empty code when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Transient marks a connector failure that may succeed on a later attempt
// (timeouts, connection refused, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return Wrap(ErrConnectorTransient, "transient connector failure", err)
}

// Permanent marks a connector failure that retrying cannot fix
// (validation rejection, 4xx, unauthorized).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return Wrap(ErrConnectorPermanent, "permanent connector failure", err)
}

// IsPermanent reports whether err was classified as permanent.
// Unclassified errors are treated as retriable.
func IsPermanent(err error) bool {
	return Is(err, ErrConnectorPermanent)
}

// IsRetriable reports whether err should go back to the queue for another attempt.
func IsRetriable(err error) bool {
	return err != nil && !IsPermanent(err)
}
