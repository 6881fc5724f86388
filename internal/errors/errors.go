// Package errors provides centralized error definitions for occtl.
// It defines sentinel errors for the session store and lifecycle
// subsystems, semantic error types carrying context, and re-exports the
// standard library helpers so callers can import a single package.
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrSessionNotFound) { ... }
//
//	var spawnErr *errors.SpawnError
//	if errors.As(err, &spawnErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session ID is not in the store.
	ErrSessionNotFound = New("session not found")
	// ErrSessionNotRunning indicates that a session exists but is not in a
	// state that can accept requests.
	ErrSessionNotRunning = New("session not running")
)

// Store-related sentinel errors
var (
	// ErrLockTimeout indicates that the store lock could not be acquired
	// within the configured timeout.
	ErrLockTimeout = New("store lock timeout")
	// ErrStoreCorrupt indicates that the persisted store document could
	// not be parsed.
	ErrStoreCorrupt = New("store document corrupted")
)

// Process-related sentinel errors
var (
	// ErrSpawnFailed indicates that the opencode subprocess failed to start.
	ErrSpawnFailed = New("subprocess failed to start")
)

// NotFoundError reports an unknown session ID.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "oc-ab12cd34")
//	fmt.Println(err) // "session 'oc-ab12cd34' not found"
type NotFoundError struct {
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is reports whether this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return target == ErrSessionNotFound && e.ResourceType == "session"
}

// LockTimeoutError reports a failure to obtain exclusive store access
// within the bounded wait.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

// NewLockTimeoutError creates a new LockTimeoutError.
func NewLockTimeoutError(path string, timeout time.Duration) *LockTimeoutError {
	return &LockTimeoutError{Path: path, Timeout: timeout}
}

// Error returns the formatted error message.
func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %s", e.Timeout, e.Path)
}

// Is reports whether this error matches the target.
func (e *LockTimeoutError) Is(target error) bool {
	if _, ok := target.(*LockTimeoutError); ok {
		return true
	}
	return target == ErrLockTimeout
}

// SpawnError reports a subprocess that failed to come up on its port.
// Output holds whatever the child wrote before it was terminated.
type SpawnError struct {
	Port   int
	Output string
	cause  error
}

// NewSpawnError creates a new SpawnError.
func NewSpawnError(port int, cause error) *SpawnError {
	return &SpawnError{Port: port, cause: cause}
}

// WithOutput attaches captured subprocess output to the error context.
func (e *SpawnError) WithOutput(output string) *SpawnError {
	e.Output = output
	return e
}

// Error returns the formatted error message.
func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("failed to start opencode on port %d", e.Port)
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Output != "" {
		msg = fmt.Sprintf("%s\nsubprocess output: %s", msg, e.Output)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.cause
}

// Is reports whether this error matches the target.
func (e *SpawnError) Is(target error) bool {
	if _, ok := target.(*SpawnError); ok {
		return true
	}
	if target == ErrSpawnFailed {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// CorruptStoreError reports an unreadable top-level store document.
// Individual records with missing fields are repaired with defaults
// instead; only a document that cannot be parsed at all produces this.
type CorruptStoreError struct {
	Path  string
	cause error
}

// NewCorruptStoreError creates a new CorruptStoreError.
func NewCorruptStoreError(path string, cause error) *CorruptStoreError {
	return &CorruptStoreError{Path: path, cause: cause}
}

// Error returns the formatted error message.
func (e *CorruptStoreError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("store %s is corrupted: %v", e.Path, e.cause)
	}
	return fmt.Sprintf("store %s is corrupted", e.Path)
}

// Unwrap returns the underlying error.
func (e *CorruptStoreError) Unwrap() error {
	return e.cause
}

// Is reports whether this error matches the target.
func (e *CorruptStoreError) Is(target error) bool {
	if _, ok := target.(*CorruptStoreError); ok {
		return true
	}
	if target == ErrStoreCorrupt {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
