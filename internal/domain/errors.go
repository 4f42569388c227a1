package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies bridge failures on the wire and in logs.
type ErrorCode string

const (
	ErrAuthenticationRequired ErrorCode = "AUTHENTICATION_REQUIRED"
	ErrInvalidCredentials     ErrorCode = "INVALID_CREDENTIALS"
	ErrAccountNotFound        ErrorCode = "ACCOUNT_NOT_FOUND"
	ErrInvalidFormat          ErrorCode = "INVALID_FORMAT"
	ErrExecutionFailure       ErrorCode = "EXECUTION_FAILURE"
	ErrPersistenceFailure     ErrorCode = "PERSISTENCE_FAILURE"
	ErrConnectionTimeout      ErrorCode = "CONNECTION_TIMEOUT"
	ErrSessionUnavailable     ErrorCode = "SESSION_UNAVAILABLE"
	ErrDuplicateInstruction   ErrorCode = "DUPLICATE_INSTRUCTION"
	ErrUnsupportedPlatform    ErrorCode = "UNSUPPORTED_PLATFORM"
	ErrUnknown                ErrorCode = "UNKNOWN"
)

// CopyError is a classified bridge error.
type CopyError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

func (e *CopyError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CopyError) Unwrap() error {
	return e.Wrapped
}

// Is matches any CopyError with the same code, so sentinels work with errors.Is.
func (e *CopyError) Is(target error) bool {
	var t *CopyError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Wrap attaches a cause.
func (e *CopyError) Wrap(err error) *CopyError {
	e.Wrapped = err
	return e
}

func NewError(code ErrorCode, message string) *CopyError {
	return &CopyError{Code: code, Message: message}
}

// Sentinels for errors.Is checks.
var (
	ErrNotAuthenticated   = NewError(ErrAuthenticationRequired, "connection is not authenticated")
	ErrBadCredentials     = NewError(ErrInvalidCredentials, "invalid credentials")
	ErrNoAccount          = NewError(ErrAccountNotFound, "account not found")
	ErrNoSession          = NewError(ErrSessionUnavailable, "no live session for target account")
	ErrDuplicate          = NewError(ErrDuplicateInstruction, "instruction already exists")
	ErrPlatformNotHandled = NewError(ErrUnsupportedPlatform, "no execution adapter for platform")
)

// ErrStaleTransition is returned when a status write targets a row that is no
// longer processing, e.g. a late adapter completion after a timeout.
var ErrStaleTransition = errors.New("instruction is not processing")

// CodeOf extracts the code of the first CopyError in the chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *CopyError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUnknown
}
