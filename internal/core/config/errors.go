// Package config handles nbforge configuration: runtime settings from the
// environment, the generated HOCON application config, and the HOCON step
// and dag documents that describe what to provision.
package config

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a configuration file does not exist.
	ErrNotFound = errors.New("configuration file not found")

	// ErrParse is returned when a configuration file is not valid HOCON.
	ErrParse = errors.New("configuration parse failed")

	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrTypeMismatch is returned when a field has the wrong type.
	ErrTypeMismatch = errors.New("field type mismatch")

	// ErrSelectionNotFound is returned when a named step or dag is not
	// defined in the document.
	ErrSelectionNotFound = errors.New("selection not found")

	// ErrAmbiguousSelection is returned when no name was given and the
	// document defines more than one candidate.
	ErrAmbiguousSelection = errors.New("ambiguous selection")

	// ErrHomeUnavailable is returned when the application home directory
	// cannot be created or written.
	ErrHomeUnavailable = errors.New("application home unavailable")
)

// ConfigError wraps errors with the operation and file they relate to.
type ConfigError struct {
	Op      string // operation that failed, e.g. "SelectStep"
	Path    string // file or field path if applicable
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(op, path, message string, err error) *ConfigError {
	return &ConfigError{Op: op, Path: path, Message: message, Err: err}
}
