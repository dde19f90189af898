package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homedash/internal/ics"
	"homedash/internal/model"
)

func TestExportICSRoundTrips(t *testing.T) {
	events := []model.CalendarEvent{
		{ID: "a", Title: "Lunch, with team", Start: at(10, 12), End: at(10, 13), Location: "Cafe"},
		{ID: "b", Title: "Holiday", Start: at(20, 0), End: at(21, 0), AllDay: true},
	}

	body := ExportICS(events, at(1, 0))
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "METHOD:PUBLISH")

	parsed, err := ics.Parse("https://self/calendar.ics", []byte(body), time.UTC)
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	assert.Equal(t, "a", parsed[0].UID)
	assert.Equal(t, "Lunch, with team", parsed[0].Summary)
	assert.Equal(t, "Cafe", parsed[0].Location)
	assert.True(t, parsed[0].Start.Equal(at(10, 12)))

	assert.True(t, parsed[1].AllDay)
	assert.True(t, parsed[1].Start.Equal(at(20, 0)))
	assert.True(t, parsed[1].End.Equal(at(21, 0)))
}
