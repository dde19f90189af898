package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsFeedURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"primary", false},
		{"family12345@group.calendar.google.com", false},
		{"https://example.com/cal.ics", true},
		{"webcal://example.com/cal.ics", true},
		{"HTTP://EXAMPLE.COM/x", true},
		{"ftp://example.com/cal.ics", false},
		{"https:///nohost", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsFeedURL(tt.in), tt.in)
	}
}

func TestWindowOverlaps(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	w := Window{From: from, To: from.AddDate(0, 0, 7)}

	assert.False(t, w.Overlaps(from.Add(-3*time.Hour), from.Add(-time.Hour)), "entirely before")
	assert.False(t, w.Overlaps(w.To.Add(time.Hour), w.To.Add(2*time.Hour)), "entirely after")
	assert.True(t, w.Overlaps(from.Add(-time.Hour), from.Add(time.Hour)), "straddles start")
	assert.True(t, w.Overlaps(w.To.Add(-time.Hour), w.To.Add(time.Hour)), "straddles end")
	assert.True(t, w.Overlaps(from, from), "touches start")
}

func TestNormalizeCollapsesMissingEnd(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := CalendarEvent{ID: "a", Start: start}
	ev.Normalize()
	assert.Equal(t, start, ev.End)

	ev = CalendarEvent{ID: "b", Start: start, End: start.Add(-time.Hour)}
	ev.Normalize()
	assert.Equal(t, start, ev.End)
}

func TestDefaultWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	w := DefaultWindow(now, 0)
	assert.Equal(t, now, w.From)
	assert.Equal(t, now.AddDate(0, 0, 30), w.To)

	// Both ends are inclusive.
	assert.True(t, w.Overlaps(w.To, w.To.Add(time.Hour)))
	assert.True(t, w.Overlaps(now.Add(-time.Hour), now))
}
