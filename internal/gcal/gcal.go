// Package gcal is the structured-API calendar source backed by the Google
// Calendar v3 API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"homedash/internal/auth"
	appLog "homedash/internal/log"
	"homedash/internal/model"
)

const (
	pageSize      = 250
	dateLayout    = "2006-01-02"
	untitledEvent = "(No title)"
)

// CredentialSource hands out a usable Google credential.
type CredentialSource interface {
	Credential(ctx context.Context) (auth.Credential, error)
}

// Calendar is one entry of the user's calendar list.
type Calendar struct {
	ID              string `json:"id"`
	Summary         string `json:"summary"`
	Description     string `json:"description"`
	Primary         bool   `json:"primary"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
	AccessRole      string `json:"accessRole,omitempty"`
}

// Fetcher lists events of API calendars.
type Fetcher struct {
	creds    CredentialSource
	loc      *time.Location
	endpoint string
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithEndpoint points the client at a different API base URL.
func WithEndpoint(endpoint string) Option {
	return func(f *Fetcher) { f.endpoint = endpoint }
}

func NewFetcher(creds CredentialSource, loc *time.Location, opts ...Option) *Fetcher {
	if loc == nil {
		loc = time.Local
	}
	f := &Fetcher{creds: creds, loc: loc}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) service(ctx context.Context) (*calendar.Service, error) {
	cred, err := f.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(cred.Client(ctx))}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

// Events lists the single (expanded) events of calendarID overlapping w,
// following page tokens. Cancelled events are dropped.
func (f *Fetcher) Events(ctx context.Context, calendarID string, w model.Window) ([]model.CalendarEvent, error) {
	service, err := f.service(ctx)
	if err != nil {
		return nil, err
	}

	call := service.Events.List(calendarID).
		Context(ctx).
		TimeMin(w.From.Format(time.RFC3339)).
		TimeMax(w.To.Format(time.RFC3339)).
		SingleEvents(true). // Expand recurring events
		OrderBy("startTime").
		ShowDeleted(false).
		MaxResults(pageSize)

	out := make([]model.CalendarEvent, 0)
	pageToken := ""
	pages := 0

	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Do()
		if err != nil {
			return nil, mapError(fmt.Sprintf("list events of %s", calendarID), err)
		}
		pages++

		for _, item := range events.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, err := f.convert(calendarID, item)
			if err != nil {
				appLog.Debug("gcal event skipped", "calendar", calendarID, "event", item.Id, "reason", err)
				continue
			}
			out = append(out, ev)
		}

		if events.NextPageToken == "" {
			break
		}
		pageToken = events.NextPageToken
	}

	appLog.Debug("gcal events fetched", "calendar", calendarID, "count", len(out), "pages", pages)
	return out, nil
}

// ListCalendars returns the user's calendar list.
func (f *Fetcher) ListCalendars(ctx context.Context) ([]Calendar, error) {
	service, err := f.service(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Calendar, 0)
	err = service.CalendarList.List().Context(ctx).Pages(ctx, func(list *calendar.CalendarList) error {
		for _, cal := range list.Items {
			summary := cal.Summary
			if summary == "" {
				summary = "Untitled Calendar"
			}
			out = append(out, Calendar{
				ID:              cal.Id,
				Summary:         summary,
				Description:     cal.Description,
				Primary:         cal.Primary,
				BackgroundColor: cal.BackgroundColor,
				AccessRole:      cal.AccessRole,
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapError("list calendars", err)
	}
	return out, nil
}

func (f *Fetcher) convert(calendarID string, item *calendar.Event) (model.CalendarEvent, error) {
	if item.Start == nil {
		return model.CalendarEvent{}, errors.New("event has no start")
	}
	start, allDay, err := f.parseEventTime(item.Start)
	if err != nil {
		return model.CalendarEvent{}, fmt.Errorf("start: %w", err)
	}
	end := start
	if item.End != nil {
		if e, _, err := f.parseEventTime(item.End); err == nil {
			end = e
		}
	}

	title := item.Summary
	if title == "" {
		title = untitledEvent
	}

	ev := model.CalendarEvent{
		ID:       item.Id,
		Title:    title,
		Start:    start,
		End:      end,
		AllDay:   allDay,
		Location: item.Location,
		Source:   calendarID,
	}
	ev.Normalize()
	return ev, nil
}

// parseEventTime reads an EventDateTime. A Date (no DateTime) marks an
// all-day event and is placed at midnight in the display location.
func (f *Fetcher) parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return v.In(f.loc), false, nil
	}
	if t.Date != "" {
		v, err := time.ParseInLocation(dateLayout, t.Date, f.loc)
		return v, true, err
	}
	return time.Time{}, false, errors.New("empty date")
}

// mapError turns a 401 into auth.ErrUnauthenticated and wraps the rest.
func mapError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s: %v", auth.ErrUnauthenticated, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
