package web

import (
	"net/http"
	"time"

	"homedash/internal/calendar"
	"homedash/internal/gcal"
	"homedash/internal/model"
)

type eventsResponse struct {
	Events []model.CalendarEvent `json:"events"`
}

type calendarsResponse struct {
	Calendars []gcal.Calendar `json:"calendars"`
}

// handleCalendar runs the aggregator over the configured sources. It never
// fails; unreachable sources just contribute nothing.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	events := s.deps.Events.Events(r.Context())
	if events == nil {
		events = []model.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// handleCalendarICS re-publishes the aggregated events as one iCalendar feed.
func (s *Server) handleCalendarICS(w http.ResponseWriter, r *http.Request) {
	events := s.deps.Events.Events(r.Context())
	body := calendar.ExportICS(events, time.Now())

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="homedash.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// handleCalendars lists the account's API calendars for the admin page.
func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.deps.Calendars.ListCalendars(r.Context())
	if err != nil {
		fail(w, "Failed to fetch calendars", err)
		return
	}
	if cals == nil {
		cals = []gcal.Calendar{}
	}
	writeJSON(w, http.StatusOK, calendarsResponse{Calendars: cals})
}
