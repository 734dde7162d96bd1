// Package domain contains the core pipeline entities and state transitions.
package domain

import "errors"

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateEvent indicates an event with the same id already exists.
	// Duplicate inserts are conflicts, never overwrites.
	ErrDuplicateEvent = errors.New("duplicate event id")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAccountInactive indicates the destination account is disabled;
	// affected events dead-letter immediately and are never retried.
	ErrAccountInactive = errors.New("account inactive")
)
