package domain

import "errors"

var (
	// ErrNotFound is returned when a record is absent from the store.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional write loses the version
	// race against a concurrent writer. Callers may re-read and retry, or
	// defer to the next cycle.
	ErrConflict = errors.New("version conflict")

	// ErrValidation wraps all input validation failures.
	ErrValidation = errors.New("validation error")
)
