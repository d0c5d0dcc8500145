// Package models defines the records the sync engine moves between the local
// store and remote providers.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates events from tasks.
type Kind string

const (
	KindEvent Kind = "event"
	KindTask  Kind = "task"
)

// ParseKind accepts "event" or "task".
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindEvent:
		return KindEvent, nil
	case KindTask:
		return KindTask, nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// UntitledTitle is shown for remote records without a summary.
const UntitledTitle = "(no title)"

var (
	ErrMissingProvider = errors.New("record has no provider")
	ErrInvalidSpan     = errors.New("event ends before it starts")
	ErrMissingStart    = errors.New("event has no start")
)

// Payload holds the user-visible fields that are mirrored to providers.
// Instants are kept in UTC with second precision so values round-trip through
// every provider unchanged.
type Payload struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start,omitzero"`
	End         time.Time `json:"end,omitzero"`
	AllDay      bool      `json:"all_day,omitempty"`
	Due         time.Time `json:"due,omitzero"`
	Completed   bool      `json:"completed,omitempty"`
}

// Normalize converts instants to UTC seconds. All-day values are truncated to
// the date.
func (p Payload) Normalize() Payload {
	p.Start = normTime(p.Start, p.AllDay)
	p.End = normTime(p.End, p.AllDay)
	p.Due = normTime(p.Due, false)
	return p
}

// Equal compares two payloads after normalization.
func (p Payload) Equal(o Payload) bool {
	a, b := p.Normalize(), o.Normalize()
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Start.Equal(b.Start) &&
		a.End.Equal(b.End) &&
		a.AllDay == b.AllDay &&
		a.Due.Equal(b.Due) &&
		a.Completed == b.Completed
}

// DisplayTitle returns Title or a placeholder.
func (p Payload) DisplayTitle() string {
	if strings.TrimSpace(p.Title) == "" {
		return UntitledTitle
	}
	return p.Title
}

func normTime(t time.Time, dateOnly bool) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	t = t.UTC().Truncate(time.Second)
	if dateOnly {
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Record is the syncable shape shared by events and tasks.
type Record struct {
	LocalID     string    `json:"local_id"`
	Kind        Kind      `json:"kind"`
	Provider    string    `json:"provider"`
	Collection  string    `json:"collection"`
	RemoteID    string    `json:"remote_id,omitempty"`
	RevisionTag string    `json:"revision_tag,omitempty"`
	Dirty       bool      `json:"dirty"`
	Deleted     bool      `json:"deleted"`
	SyncFailed  bool      `json:"sync_failed"`
	LastError   string    `json:"last_error,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`

	Payload
}

// NewLocalID returns a fresh, never reused local identifier.
func NewLocalID() string {
	return uuid.NewString()
}

// NewRecord builds an unsynced record ready for the local write path.
func NewRecord(kind Kind, provider, collection string, p Payload) *Record {
	return &Record{
		LocalID:    NewLocalID(),
		Kind:       kind,
		Provider:   provider,
		Collection: collection,
		Dirty:      true,
		Payload:    p.Normalize(),
	}
}

// Synced reports whether the record has a remote counterpart.
func (r *Record) Synced() bool {
	return r.RemoteID != ""
}

// Validate checks the fields the local write path must provide.
func (r *Record) Validate() error {
	if r.Provider == "" {
		return ErrMissingProvider
	}
	switch r.Kind {
	case KindEvent:
		if r.Start.IsZero() {
			return ErrMissingStart
		}
		if !r.End.IsZero() && r.End.Before(r.Start) {
			return ErrInvalidSpan
		}
	case KindTask:
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

// EffectiveEnd returns End, or a default span when End is unset: one hour for
// timed events and one day for all-day events.
func (r *Record) EffectiveEnd() time.Time {
	if !r.End.IsZero() {
		return r.End
	}
	if r.AllDay {
		return r.Start.AddDate(0, 0, 1)
	}
	return r.Start.Add(time.Hour)
}
