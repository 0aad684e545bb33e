package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. The user-facing text of a failed run
// lives in ExecutionResult.Error; these only classify.
var (
	ErrValidation        = errors.New("code validation failed")
	ErrTimeout           = errors.New("execution timed out")
	ErrCanceled          = errors.New("execution canceled")
	ErrSpawn             = errors.New("failed to start process")
	ErrInvalidRequest    = errors.New("invalid execution request")
	ErrInvalidSyntax     = errors.New("invalid syntax")
	ErrParserUnavailable = errors.New("parser unavailable")
	ErrNotWebApp         = errors.New("code is not a web application")
	ErrPreviewExited     = errors.New("preview server exited during startup")
	ErrPortInUse         = errors.New("port already used by another preview")
	ErrPreviewLimit      = errors.New("too many active previews")
	ErrPreviewNotFound   = errors.New("preview not found")
	ErrClosed            = errors.New("sandbox is closed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// PreviewError is a preview launch failure whose Message is shown to the user as is.
type PreviewError struct {
	Message string
	Err     error
}

func (e *PreviewError) Error() string { return e.Message }

func (e *PreviewError) Unwrap() error { return e.Err }

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsValidation returns true if the code was rejected before running.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
