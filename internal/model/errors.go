package model

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedDetectorOutput is returned when a detector emits bad geometry
	// or omits a required field. It is never corrected automatically.
	ErrMalformedDetectorOutput = errors.New("malformed detector output")

	// ErrValidation is returned when a record or filter violates its structural invariant.
	ErrValidation = errors.New("validation error")

	// ErrInvalidFilter is returned for out-of-range pagination or confidence bounds.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrConflict is returned by a store when a create collides with an existing
	// record on the natural deduplication key.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a lookup by identifier finds nothing.
	ErrNotFound = errors.New("not found")

	// ErrDetectorUnavailable wraps transport failures talking to a detector backend.
	ErrDetectorUnavailable = errors.New("detector unavailable")
)

// FieldError reports which field failed and why. It unwraps to Kind so callers
// can match it with errors.Is.
type FieldError struct {
	Kind   error
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return e.Kind
}

// Malformed builds a FieldError of kind ErrMalformedDetectorOutput.
func Malformed(field, format string, args ...interface{}) error {
	return &FieldError{Kind: ErrMalformedDetectorOutput, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Invalid builds a FieldError of kind ErrValidation.
func Invalid(field, format string, args ...interface{}) error {
	return &FieldError{Kind: ErrValidation, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidFilter builds a FieldError of kind ErrInvalidFilter.
func InvalidFilter(field, format string, args ...interface{}) error {
	return &FieldError{Kind: ErrInvalidFilter, Field: field, Reason: fmt.Sprintf(format, args...)}
}
