package services

import "errors"

// Sentinel errors returned by the lifecycle manager.
var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrStorage marks a payload or database failure. Callers may retry.
	ErrStorage = errors.New("storage failure")
	// ErrNotFound is returned by read-only lookups for unknown or inactive tokens.
	ErrNotFound = errors.New("share not found")
)

// ValidationError rejects create input before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// DenialReason explains why a download may not proceed.
type DenialReason int

const (
	DenyNone DenialReason = iota
	DenyNotFound
	DenyExpired
	DenyLimitReached
)

func (r DenialReason) String() string {
	switch r {
	case DenyNone:
		return "allowed"
	case DenyNotFound:
		return "not_found"
	case DenyExpired:
		return "expired"
	case DenyLimitReached:
		return "limit_reached"
	}
	return "unknown"
}
