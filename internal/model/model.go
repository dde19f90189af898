package model

import (
	"net/url"
	"strings"
	"time"
)

// SourceKind distinguishes the two calendar source strategies.
type SourceKind string

const (
	SourceAPI  SourceKind = "api"
	SourceFeed SourceKind = "feed"
)

// CalendarSource is one configured calendar: either a calendar ID queried
// through the Google Calendar API or a public iCal feed URL.
type CalendarSource struct {
	Kind       SourceKind `json:"kind"`
	CalendarID string     `json:"calendarId,omitempty"`
	URL        string     `json:"url,omitempty"`
}

// APISource returns a structured-API source for the given calendar ID.
func APISource(calendarID string) CalendarSource {
	return CalendarSource{Kind: SourceAPI, CalendarID: calendarID}
}

// FeedSource returns an iCal feed source for the given URL.
func FeedSource(u string) CalendarSource {
	return CalendarSource{Kind: SourceFeed, URL: u}
}

// Key identifies the source in logs and metrics.
func (s CalendarSource) Key() string {
	if s.Kind == SourceFeed {
		return s.URL
	}
	return s.CalendarID
}

// IsFeedURL reports whether a configured calendar identifier is shaped like
// a feed URL rather than an opaque calendar ID.
func IsFeedURL(id string) bool {
	u, err := url.Parse(strings.TrimSpace(id))
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "webcal", "webcals":
		return true
	}
	return false
}

// CalendarEvent is the normalized event shape shared by every source.
//
// ID is stable across repeated fetches of the same underlying event.
// Start <= End always holds; a missing end collapses onto Start.
type CalendarEvent struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"allDay"`
	Location string    `json:"location,omitempty"`
	Source   string    `json:"source,omitempty"`
}

// Normalize enforces the start/end invariant.
func (e *CalendarEvent) Normalize() {
	if e.End.IsZero() || e.End.Before(e.Start) {
		e.End = e.Start
	}
}

// Window is the aggregation time range. Events overlapping it are included.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DefaultHorizonDays is the default look-ahead for the aggregation window.
const DefaultHorizonDays = 30

// DefaultWindow returns the window from now to now + days, both ends
// inclusive. days <= 0 uses DefaultHorizonDays.
func DefaultWindow(now time.Time, days int) Window {
	if days <= 0 {
		days = DefaultHorizonDays
	}
	return Window{From: now, To: now.AddDate(0, 0, days)}
}

// Overlaps reports whether [start, end] intersects the window. Touching
// boundaries count as overlap.
func (w Window) Overlaps(start, end time.Time) bool {
	if end.Before(w.From) {
		return false
	}
	if start.After(w.To) {
		return false
	}
	return true
}

// SelectedPhoto is one image chosen through a picker session.
type SelectedPhoto struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Alt      string `json:"alt"`
	MimeType string `json:"mimeType,omitempty"`
}

// PickerSession is a remote media-selection session.
type PickerSession struct {
	SessionID string `json:"sessionId"`
	PickerURI string `json:"pickerUri"`
	// PollInterval is the provider's suggested cadence; zero when absent.
	PollInterval time.Duration `json:"-"`
	// Timeout is the provider's advertised session lifetime; zero when absent.
	Timeout   time.Duration `json:"-"`
	CreatedAt time.Time     `json:"createdAt"`
}
