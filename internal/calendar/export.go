package calendar

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"homedash/internal/model"
)

// ExportICS serializes events as an iCalendar document. All-day events are
// written as DATE values in their own location.
func ExportICS(events []model.CalendarEvent, stamp time.Time) string {
	cal := ical.NewCalendarFor("homedash")
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName("homedash")

	for _, ev := range events {
		vev := cal.AddEvent(ev.ID)
		vev.SetDtStampTime(stamp)
		vev.SetSummary(ev.Title)
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if ev.AllDay {
			vev.SetAllDayStartAt(ev.Start)
			end := ev.End
			if !end.After(ev.Start) {
				end = ev.Start.AddDate(0, 0, 1)
			}
			vev.SetAllDayEndAt(end)
			continue
		}
		vev.SetStartAt(ev.Start)
		vev.SetEndAt(ev.End)
	}
	return cal.Serialize()
}
