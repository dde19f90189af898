package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calendarBody(events ...string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n")
	for _, ev := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(ev), "\n", "\r\n"))
		b.WriteString("\r\nEND:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseBasicEvent(t *testing.T) {
	body := calendarBody(`
UID:standup-1
SUMMARY:Standup\, daily
LOCATION:Room 4
DTSTART:20250110T150000Z
DTEND:20250110T151500Z`)

	events, err := Parse("https://x/ok.ics", body, time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "standup-1", ev.UID)
	assert.Equal(t, "Standup, daily", ev.Summary)
	assert.Equal(t, "Room 4", ev.Location)
	assert.False(t, ev.AllDay)
	assert.True(t, ev.Start.Equal(time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, 15*time.Minute, ev.End.Sub(ev.Start))
	assert.Equal(t, "https://x/ok.ics", ev.FeedURL)
}

func TestParseAllDayAndTZID(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	body := calendarBody(`
UID:holiday
SUMMARY:Holiday
DTSTART;VALUE=DATE:20250120
DTEND;VALUE=DATE:20250121`, `
UID:berlin
SUMMARY:Call
DTSTART;TZID=Europe/Berlin:20250120T090000
DTEND;TZID=Europe/Berlin:20250120T100000`)

	events, err := Parse("https://x/a.ics", body, ny)
	require.NoError(t, err)
	require.Len(t, events, 2)

	holiday := events[0]
	assert.True(t, holiday.AllDay)
	assert.True(t, holiday.Start.Equal(time.Date(2025, 1, 20, 0, 0, 0, 0, ny)), "dates are placed in the display zone")
	assert.Equal(t, 24*time.Hour, holiday.End.Sub(holiday.Start))

	call := events[1]
	assert.False(t, call.AllDay)
	assert.True(t, call.Start.Equal(time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC)))
}

func TestParseEndFallbacks(t *testing.T) {
	body := calendarBody(`
UID:with-duration
SUMMARY:Workshop
DTSTART:20250110T090000Z
DURATION:PT1H30M`, `
UID:no-end
SUMMARY:Reminder
DTSTART:20250110T120000Z`)

	events, err := Parse("https://x/a.ics", body, time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, 90*time.Minute, events[0].End.Sub(events[0].Start))
	assert.True(t, events[1].End.Equal(events[1].Start), "missing DTEND and DURATION collapses to start")
}

func TestParseSkipsUnparseableAndCancelled(t *testing.T) {
	body := calendarBody(`
UID:bad
SUMMARY:Broken date
DTSTART:not-a-date`, `
UID:nostart
SUMMARY:No start`, `
UID:gone
SUMMARY:Cancelled
STATUS:CANCELLED
DTSTART:20250110T090000Z`, `
UID:good
SUMMARY:Good
DTSTART:20250110T090000Z`)

	events, err := Parse("https://x/a.ics", body, time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "good", events[0].UID)
}

func TestParseSyntheticUIDIsStable(t *testing.T) {
	body := calendarBody(`
SUMMARY:Anonymous
DTSTART:20250110T090000Z`)

	first, err := Parse("https://x/a.ics", body, time.UTC)
	require.NoError(t, err)
	second, err := Parse("https://x/a.ics", body, time.UTC)
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.Len(t, first[0].UID, 16)
	assert.Equal(t, first[0].UID, second[0].UID)

	other, err := Parse("https://x/b.ics", body, time.UTC)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].UID, other[0].UID)
}

func TestParseRecurrenceProperties(t *testing.T) {
	body := calendarBody(`
UID:weekly
SUMMARY:Weekly
DTSTART:20250106T100000Z
DTEND:20250106T110000Z
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE:20250113T100000Z,20250120T100000Z`, `
UID:weekly
SUMMARY:Weekly (moved)
RECURRENCE-ID:20250127T100000Z
DTSTART:20250127T140000Z
DTEND:20250127T150000Z`)

	events, err := Parse("https://x/a.ics", body, time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "FREQ=WEEKLY;COUNT=4", events[0].RawRRule)
	assert.Len(t, events[0].ExDates, 2)
	assert.True(t, events[1].IsOverride)
	require.NotNil(t, events[1].Recurrence)
	assert.True(t, events[1].Recurrence.Equal(time.Date(2025, 1, 27, 10, 0, 0, 0, time.UTC)))
}

func TestParseRejectsEmptyAndMalformed(t *testing.T) {
	_, err := Parse("https://x/a.ics", []byte("  \n"), time.UTC)
	assert.Error(t, err)

	_, err = Parse("https://x/a.ics", []byte("<html>not a calendar</html>"), time.UTC)
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"P1D":     24 * time.Hour,
		"PT1H30M": 90 * time.Minute,
		"P1W":     7 * 24 * time.Hour,
		"PT45S":   45 * time.Second,
		"P1DT2H":  26 * time.Hour,
		"-PT15M":  -15 * time.Minute,
		"+PT10M":  10 * time.Minute,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "P", "1H", "PTXM"} {
		_, err := parseDuration(bad)
		assert.Error(t, err, bad)
	}
}
