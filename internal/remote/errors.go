package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
)

type Kind int

const (
	// Transient failures are retried on the next cycle.
	Transient Kind = iota
	RateLimited
	// Permanent failures mark the record as failed until retried by the
	// user.
	Permanent
	// Unauthorized aborts the provider cycle and invalidates the token.
	Unauthorized
	// CheckpointExpired discards the checkpoint; the next pull is full.
	CheckpointExpired
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate limited"
	case Permanent:
		return "permanent"
	case Unauthorized:
		return "unauthorized"
	case CheckpointExpired:
		return "checkpoint expired"
	}
	return "unknown"
}

type Error struct {
	Op         string
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Wrap classifies an arbitrary error returned during op. Errors that are
// already classified keep their kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return NewError(op, KindOf(err), err)
}

// KindOf returns the kind of err. Missing or refused credentials are
// Unauthorized. Anything else, token endpoint timeouts and deadlines
// included, is Transient so no local edit is dropped.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, auth.ErrNotAuthenticated) ||
		errors.Is(err, auth.ErrRefreshRejected) ||
		errors.Is(err, auth.ErrUnknownProvider) {
		return Unauthorized
	}
	return Transient
}

// RetryAfterOf returns the delay the provider asked for, or zero.
func RetryAfterOf(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// ClassifyStatus maps an HTTP status of a failed request.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return Unauthorized
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	}
	return Transient
}

// StatusError builds a classified error from a failed HTTP exchange.
func StatusError(op string, code int, header http.Header, err error) *Error {
	e := NewError(op, ClassifyStatus(code), err)
	if header != nil {
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return e
}

// ParseRetryAfter reads delay-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
