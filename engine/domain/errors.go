package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrInvalidSelector = errors.New("invalid selector")
	ErrUnknownCategory = errors.New("unknown category")
	ErrUnknownPolarity = errors.New("unknown polarity")
	ErrSchema          = errors.New("response failed schema validation")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// TransientRemoteError marks a remote failure worth retrying: rate limiting,
// server errors, or a broken connection.
type TransientRemoteError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientRemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient http %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientRemoteError.
func IsTransient(err error) bool {
	var t *TransientRemoteError
	return errors.As(err, &t)
}

// SchemaValidationError describes why a classifier response was rejected.
type SchemaValidationError struct {
	Reason string
	Key    string
}

func (e *SchemaValidationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("schema: %s (key=%q)", e.Reason, e.Key)
	}
	return "schema: " + e.Reason
}

func (e *SchemaValidationError) Unwrap() error { return ErrSchema }

// NewSchemaError creates a SchemaValidationError.
func NewSchemaError(key, format string, args ...any) *SchemaValidationError {
	return &SchemaValidationError{Reason: fmt.Sprintf(format, args...), Key: key}
}
