package config

import (
	"errors"
	"fmt"
)

// ValidationError is returned when a config document is rejected.
type ValidationError struct {
	// Code identifies the error category.
	Code ValidationErrorCode

	// Message is a human-readable description.
	Message string

	// Field is the offending YAML key, if known.
	Field string
}

// ValidationErrorCode categorizes config errors.
type ValidationErrorCode string

const (
	// ErrCodeParse indicates the document is not valid YAML or has unknown
	// keys.
	ErrCodeParse ValidationErrorCode = "PARSE"

	// ErrCodeSchema indicates the document violates the config schema.
	ErrCodeSchema ValidationErrorCode = "SCHEMA"

	// ErrCodeInvalid indicates values that are well-formed but unusable
	// together.
	ErrCodeInvalid ValidationErrorCode = "INVALID"
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError returns true if err is a config validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
