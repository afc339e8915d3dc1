package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfigPath is returned when the config file path is unusable.
	ErrInvalidConfigPath = errors.New("invalid config file path")

	// ErrOutOfRange is wrapped by ErrInvalidValue for numeric settings.
	ErrOutOfRange = errors.New("value out of range")

	// ErrInvalidGroupName is wrapped by ErrInvalidValue for allowed groups.
	ErrInvalidGroupName = errors.New("invalid group name")
)

// ErrInvalidValue reports a setting that failed validation.
type ErrInvalidValue struct {
	Field string
	Value string
	Err   error
}

func (e *ErrInvalidValue) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %v", e.Value, e.Field, e.Err)
}

func (e *ErrInvalidValue) Unwrap() error {
	return e.Err
}
