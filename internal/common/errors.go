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

// Common application errors
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")

	// ErrCheckpointCorrupt marks an unreadable or inconsistent checkpoint
	// database. It is never auto-recovered: starting over with an empty
	// checkpoint would silently duplicate output rows.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrFatal marks conditions that abort the whole run (bad credentials,
	// exhausted quota). Per-item retry is pointless for these.
	ErrFatal = errors.New("fatal")
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

// IsFatal reports whether err should abort the whole run rather than the item.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, ErrCheckpointCorrupt)
}
