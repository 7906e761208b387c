// Package common defines shared constants and sentinel errors used across the
// sync engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store-level errors.
	ErrNotFound = errors.New("not found")
	ErrOffline  = errors.New("store offline")

	// Conflict-state errors (logical, never retried).
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// Validation errors (never retried, surfaced immediately).
	ErrValidation = errors.New("validation failed")

	// Offline queue errors.
	ErrQueueFull = errors.New("offline queue full")

	// Version store errors.
	ErrDeltaIntegrity = errors.New("delta round-trip integrity check failed")
)
