// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the store's logic-violation taxonomy. These indicate
// refused operations with no state change; they are never retried.
var (
	// ErrNotFound is returned when the addressed entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for refused alarm status transitions,
	// e.g. acknowledging a closed alarm.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrReferenced is returned when deleting a device still referenced by
	// collection rules.
	ErrReferenced = errors.New("entity still referenced")

	// ErrWatermark is returned when a retention delete would run ahead of the
	// aggregation watermark.
	ErrWatermark = errors.New("delete would pass aggregation watermark")
)

// ValidationError wraps a config-boundary rejection. Validation failures
// never reach the engines.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// Validationf builds a ValidationError.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a config-boundary rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError marks a store failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
