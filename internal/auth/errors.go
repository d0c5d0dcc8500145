package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated means no credential is stored; the interactive
	// flow must run first.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRefreshRejected means the provider refused the refresh token. The
	// stored credential has been cleared.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrTimeout means the token endpoint or the callback did not answer in
	// time.
	ErrTimeout = errors.New("authentication timed out")

	ErrUnknownProvider = errors.New("provider is not configured")
	ErrStaticProvider  = errors.New("provider uses static credentials")
	ErrStateMismatch   = errors.New("oauth state mismatch")
)

// Error carries the provider and the failure kind. errors.Is matches it
// against the Err* kinds above.
type Error struct {
	Provider string
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(provider string, kind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}
