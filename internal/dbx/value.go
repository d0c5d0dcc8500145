package dbx

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeLayout is the text representation of instants in SQLite columns.
const TimeLayout = time.RFC3339

// Time converts t to a column value; the zero time becomes NULL.
func Time(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a column written by Time.
func ParseTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, ns.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", ns.String, err)
	}
	return t.UTC(), nil
}

// NullString maps "" to NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Bool converts b to 0 or 1.
func Bool(b bool) int {
	if b {
		return 1
	}
	return 0
}
