package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrStoryNotFound indicates that a story source has no definition for the requested story
	ErrStoryNotFound = errors.New("story not found")

	// ErrEngineStopped indicates that the engine no longer accepts triggers
	ErrEngineStopped = errors.New("engine is stopped")

	// ErrNoAppsStarted indicates that every application of a startup batch failed
	ErrNoAppsStarted = errors.New("no application started")

	// ErrAlreadyInitialized indicates a second initialization of a create-once component
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrProvision indicates that an execution unit could not be created
	ErrProvision = errors.New("provision failed")

	// ErrRuntime indicates that an execution unit failed or exited non-zero
	ErrRuntime = errors.New("runtime failure")

	// ErrTimeout indicates that an execution unit exceeded its timeout
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates that an execution unit was terminated by run cancellation
	ErrCancelled = errors.New("operation cancelled")

	// ErrAppInit indicates that an application failed to start
	ErrAppInit = errors.New("application init failed")

	// ErrAppDestroy indicates that an application was not released cleanly
	ErrAppDestroy = errors.New("application destroy failed")

	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")
)

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// GraphBuildError reports a malformed story. It is fatal to that story only.
type GraphBuildError struct {
	Story  string
	LineID string
	Reason string
}

func (e *GraphBuildError) Error() string {
	if e.LineID == "" {
		return fmt.Sprintf("story %q: %s", e.Story, e.Reason)
	}
	return fmt.Sprintf("story %q, line %s: %s", e.Story, e.LineID, e.Reason)
}

// ResolutionError reports a variable or argument that could not be resolved.
// It is fatal to the run.
type ResolutionError struct {
	LineID   string
	Variable string
	Err      error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("line %s: cannot resolve %q", e.LineID, e.Variable)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ArgumentNotFoundError reports a required line argument that is missing.
type ArgumentNotFoundError struct {
	Name string
}

func (e *ArgumentNotFoundError) Error() string {
	return e.Name + " is required, but not found"
}

// CallStackError reports a malformed function call or return, or a call
// chain deeper than the configured maximum.
type CallStackError struct {
	LineID string
	Depth  int
	Reason string
}

func (e *CallStackError) Error() string {
	return fmt.Sprintf("line %s: call stack error at depth %d: %s", e.LineID, e.Depth, e.Reason)
}

// ExecutionError is returned by the container executor. Kind is one of
// ErrProvision, ErrRuntime, ErrTimeout or ErrCancelled.
type ExecutionError struct {
	Kind      error
	Container string
	ExitCode  int
	Output    string
	Err       error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("container %s: %v", e.Container, e.Kind)
	if e.Kind == ErrRuntime && e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches the error kind so callers can use errors.Is(err, ErrTimeout).
func (e *ExecutionError) Is(target error) bool {
	return target == e.Kind
}

// LineError ties a run failure to the line that produced it.
type LineError struct {
	LineID string
	Output string
	Err    error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %s failed: %v", e.LineID, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// AppError is an application lifecycle failure isolated to one application.
// Kind is ErrAppInit or ErrAppDestroy.
type AppError struct {
	Kind error
	App  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Kind == ErrAppDestroy {
		return fmt.Sprintf("app %s failed to stop: %v", e.App, e.Err)
	}
	return fmt.Sprintf("app %s failed to start: %v", e.App, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) Is(target error) bool {
	return target == e.Kind
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotFound checks if an error is a story-not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStoryNotFound)
}
