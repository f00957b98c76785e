package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound                = errors.New("domain: not found")
	ErrValidation              = errors.New("domain: validation failed")
	ErrBackingStoreUnavailable = errors.New("domain: backing store unavailable")

	// ErrNoChange aborts a mutation that would leave the board untouched.
	// The version is not bumped and nothing is persisted.
	ErrNoChange = errors.New("domain: no change")
)
