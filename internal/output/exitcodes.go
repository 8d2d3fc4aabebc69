// Package output handles user-facing CLI output: styled terminal text,
// JSON mode, and the exit-code taxonomy shared by all commands.
package output

import "errors"

// Exit codes reported by the nbforge binary.
const (
	ExitSuccess     = 0
	ExitUserError   = 1 // bad arguments, missing config, validation failures
	ExitSystemError = 2 // docker daemon, subprocess, filesystem or database failures
)

// ExitError is an error carrying the process exit code to report.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewUserError creates an error for user mistakes (exit code 1).
func NewUserError(message string) *ExitError {
	return &ExitError{Code: ExitUserError, Message: message}
}

// NewSystemError creates an error for system failures (exit code 2).
func NewSystemError(message string, err error) *ExitError {
	return &ExitError{Code: ExitSystemError, Message: message, Err: err}
}

// WrapUser wraps an underlying error as a user error, keeping its text.
func WrapUser(err error) *ExitError {
	return &ExitError{Code: ExitUserError, Err: err}
}

// WrapSystem wraps an underlying error as a system error, keeping its text.
func WrapSystem(err error) *ExitError {
	return &ExitError{Code: ExitSystemError, Err: err}
}

// GetExitCode maps an error to a process exit code. Untyped errors are
// treated as user errors.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitUserError
}
