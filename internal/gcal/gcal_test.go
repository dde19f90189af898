package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"homedash/internal/auth"
	"homedash/internal/model"
)

type staticCreds struct {
	err error
}

func (s staticCreds) Credential(ctx context.Context) (auth.Credential, error) {
	if s.err != nil {
		return auth.Credential{}, s.err
	}
	return auth.Credential{Token: &oauth2.Token{AccessToken: "test-token", TokenType: "Bearer"}}, nil
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestFetcher(t *testing.T, h http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewFetcher(staticCreds{}, time.UTC, WithEndpoint(srv.URL+"/"))
}

func TestEventsFollowsPagesAndMapsFields(t *testing.T) {
	var seenTokens []string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("singleEvents"))
		assert.Equal(t, "startTime", q.Get("orderBy"))
		assert.Equal(t, "false", q.Get("showDeleted"))
		assert.Equal(t, "2025-01-01T00:00:00Z", q.Get("timeMin"))
		assert.Equal(t, "2025-01-31T00:00:00Z", q.Get("timeMax"))

		seenTokens = append(seenTokens, q.Get("pageToken"))
		if q.Get("pageToken") == "" {
			writeJSON(t, w, map[string]any{
				"items": []map[string]any{
					{
						"id": "e1", "summary": "Dentist", "location": "Main St",
						"start": map[string]string{"dateTime": "2025-01-10T09:00:00-05:00"},
						"end":   map[string]string{"dateTime": "2025-01-10T10:00:00-05:00"},
					},
					{
						"id": "gone", "status": "cancelled", "summary": "Cancelled",
						"start": map[string]string{"dateTime": "2025-01-11T09:00:00Z"},
					},
				},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(t, w, map[string]any{
			"items": []map[string]any{
				{
					"id":    "e2",
					"start": map[string]string{"date": "2025-01-20"},
					"end":   map[string]string{"date": "2025-01-21"},
				},
			},
		})
	})

	events, err := f.Events(context.Background(), "primary", model.Window{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"", "p2"}, seenTokens)
	require.Len(t, events, 2)

	timed := events[0]
	assert.Equal(t, "e1", timed.ID)
	assert.Equal(t, "Dentist", timed.Title)
	assert.Equal(t, "Main St", timed.Location)
	assert.Equal(t, "primary", timed.Source)
	assert.False(t, timed.AllDay)
	assert.True(t, timed.Start.Equal(time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)))

	allDay := events[1]
	assert.True(t, allDay.AllDay)
	assert.Equal(t, untitledEvent, allDay.Title)
	assert.True(t, allDay.Start.Equal(time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)))
	assert.True(t, allDay.End.Equal(time.Date(2025, 1, 21, 0, 0, 0, 0, time.UTC)))
}

func TestEventsUnauthorizedMapsToErrUnauthenticated(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	})

	_, err := f.Events(context.Background(), "primary", model.DefaultWindow(time.Now(), 0))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestEventsWithoutCredentialMakesNoCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	f := NewFetcher(staticCreds{err: auth.ErrUnauthenticated}, time.UTC, WithEndpoint(srv.URL+"/"))
	_, err := f.Events(context.Background(), "primary", model.DefaultWindow(time.Now(), 0))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.Equal(t, 0, calls)
}

func TestListCalendars(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/me/calendarList", r.URL.Path)
		writeJSON(t, w, map[string]any{
			"items": []map[string]any{
				{"id": "primary@example.com", "summary": "Me", "primary": true, "backgroundColor": "#9fe1e7", "accessRole": "owner"},
				{"id": "team@example.com", "accessRole": "reader"},
			},
		})
	})

	cals, err := f.ListCalendars(context.Background())
	require.NoError(t, err)
	require.Len(t, cals, 2)
	assert.Equal(t, Calendar{
		ID: "primary@example.com", Summary: "Me", Primary: true,
		BackgroundColor: "#9fe1e7", AccessRole: "owner",
	}, cals[0])
	assert.Equal(t, "Untitled Calendar", cals[1].Summary)
}
