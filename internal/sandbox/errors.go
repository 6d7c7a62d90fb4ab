package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrResourceExceeded   = errors.New("resource limit exceeded")
	ErrBackendUnavailable = errors.New("sandbox backend unavailable")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrUnsupportedLang    = errors.New("unsupported language")
	ErrSecretEnv          = errors.New("secret-like environment variable refused")
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

// IsTimeout returns true if the error is an execution timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsBackendUnavailable returns true if the backend could not serve the run.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsResourceExceeded returns true if a resource limit was hit.
func IsResourceExceeded(err error) bool {
	return errors.Is(err, ErrResourceExceeded)
}
