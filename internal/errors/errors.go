// Package errors provides the error codes the stockroom backend reports to
// its callers and the mapping from those codes to HTTP status classes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	jujuerrors "github.com/juju/errors"
)

// ErrorCode represents a unique, client-visible error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrRateLimit  ErrorCode = "RATE_LIMITED"

	// Store errors
	ErrStorage ErrorCode = "STORAGE_ERROR"
	// ErrPartialReconciliation means the delete phase of a non-atomic
	// reconciliation committed but the insert phase did not.
	ErrPartialReconciliation ErrorCode = "PARTIAL_RECONCILIATION"

	// Identity errors
	ErrAuth ErrorCode = "AUTH_ERROR"

	// Change feed errors
	ErrFeedDisconnected ErrorCode = "FEED_DISCONNECTED"

	// Spreadsheet export errors
	ErrExportFailed ErrorCode = "EXPORT_FAILED"
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

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// As returns the outermost AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrInternal
}

// FromStore classifies an error returned by the storage layer. AppErrors
// pass through unchanged; juju error kinds map onto their codes and
// anything else becomes ErrStorage.
func FromStore(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	code := ErrStorage
	switch {
	case jujuerrors.Is(err, jujuerrors.NotFound):
		code = ErrNotFound
	case jujuerrors.Is(err, jujuerrors.AlreadyExists):
		code = ErrDuplicate
	case jujuerrors.Is(err, jujuerrors.NotValid):
		code = ErrValidation
	case jujuerrors.Is(err, jujuerrors.Unauthorized):
		code = ErrAuth
	case jujuerrors.Is(err, jujuerrors.Forbidden):
		code = ErrPermission
	}
	return Wrap(code, message, err)
}

// HTTPStatus maps an error code to the HTTP status returned to clients.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuth:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrDuplicate:
		return http.StatusConflict
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrFeedDisconnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
