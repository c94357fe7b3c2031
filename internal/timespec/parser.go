// Package timespec parses the time bounds accepted by journal-reading
// commands. A bound is either a Go duration relative to now ("30m" means
// thirty minutes ago) or an absolute RFC3339 timestamp.
package timespec

import (
	"fmt"
	"time"
)

// Parse turns one specification into an absolute time.
func Parse(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification %q (use a duration like '1h30m' or RFC3339 like '2026-08-24T13:00:00Z')", spec)
}

// Range is a half-open event time window. A zero bound means unbounded on
// that side.
type Range struct {
	Since time.Time
	Until time.Time
}

// ParseRange parses optional since and until specifications into a Range.
func ParseRange(since, until string) (Range, error) {
	var r Range
	var err error

	if since != "" {
		if r.Since, err = Parse(since); err != nil {
			return Range{}, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if r.Until, err = Parse(until); err != nil {
			return Range{}, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if !r.Since.IsZero() && !r.Until.IsZero() && !r.Since.Before(r.Until) {
		return Range{}, fmt.Errorf("--since must be before --until")
	}
	return r, nil
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && !t.Before(r.Until) {
		return false
	}
	return true
}
