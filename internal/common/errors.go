package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Control surface errors.
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnknownProvider = errors.New("unknown provider")

	// Validation errors.
	ErrInvalidRecord = errors.New("invalid record")
)
