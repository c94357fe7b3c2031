package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RFC3339(t *testing.T) {
	got, err := Parse("2026-08-24T13:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC), got.UTC())
}

func TestParse_Duration(t *testing.T) {
	before := time.Now()
	got, err := Parse("30m")
	require.NoError(t, err)

	want := before.Add(-30 * time.Minute)
	assert.WithinDuration(t, want, got, 2*time.Second)
}

func TestParse_Invalid(t *testing.T) {
	for _, spec := range []string{"", "yesterday", "2026-13-01"} {
		_, err := Parse(spec)
		assert.Error(t, err, "spec %q", spec)
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("", "")
	require.NoError(t, err)
	assert.True(t, r.Since.IsZero())
	assert.True(t, r.Until.IsZero())

	r, err = ParseRange("2026-08-24T10:00:00Z", "2026-08-24T12:00:00Z")
	require.NoError(t, err)
	assert.False(t, r.Since.IsZero())
	assert.False(t, r.Until.IsZero())

	_, err = ParseRange("2026-08-24T12:00:00Z", "2026-08-24T10:00:00Z")
	assert.Error(t, err)

	_, err = ParseRange("nope", "")
	assert.Error(t, err)
}

func TestRangeContains(t *testing.T) {
	since := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	r := Range{Since: since, Until: until}
	assert.True(t, r.Contains(since))
	assert.True(t, r.Contains(since.Add(time.Hour)))
	assert.False(t, r.Contains(until))
	assert.False(t, r.Contains(since.Add(-time.Second)))

	unbounded := Range{}
	assert.True(t, unbounded.Contains(time.Unix(0, 0)))
}
