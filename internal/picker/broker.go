// Package picker drives Google Photos Picker sessions: creating a session,
// polling it until the user has chosen media, and persisting the selection.
package picker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"homedash/internal/auth"
	appLog "homedash/internal/log"
	"homedash/internal/model"
)

// DefaultAPIBase is the Photos Picker API root.
const DefaultAPIBase = "https://photospicker.googleapis.com/v1"

const (
	mediaPageSize = 100
	maxErrorBody  = 4 << 10
	fallbackAlt   = "Photo"
)

var (
	// ErrSessionNotFound is returned when the provider no longer knows the
	// session.
	ErrSessionNotFound = errors.New("picker: session not found")
	// ErrTimedOut is the outcome of a session not completed within its budget.
	ErrTimedOut = errors.New("picker: session timed out")
	// ErrCancelled is the outcome of a disposed session.
	ErrCancelled = errors.New("picker: session cancelled")
)

// APIError is a non-2xx answer from the picker API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("picker: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap exposes the sentinel matching the status code, so errors.Is works
// for 401 and 404.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return auth.ErrUnauthenticated
	case http.StatusNotFound:
		return ErrSessionNotFound
	}
	return nil
}

// CredentialSource hands out a usable Google credential.
type CredentialSource interface {
	Credential(ctx context.Context) (auth.Credential, error)
}

// PhotoStore persists the final selection.
type PhotoStore interface {
	SaveSelectedPhotos(photos []model.SelectedPhoto) error
}

// PollingConfig is the provider's polling advice, passed through verbatim.
type PollingConfig struct {
	PollInterval string `json:"pollInterval,omitempty"`
	TimeoutIn    string `json:"timeoutIn,omitempty"`
}

// Session is a created picker session plus the provider's polling advice.
type Session struct {
	model.PickerSession
	PollingConfig PollingConfig
}

// Status is the readiness of a session.
type Status struct {
	MediaItemsSet bool
	PollingConfig PollingConfig
}

type sessionResource struct {
	ID            string        `json:"id"`
	PickerURI     string        `json:"pickerUri"`
	PollingConfig PollingConfig `json:"pollingConfig"`
	MediaItemsSet bool          `json:"mediaItemsSet"`
	ExpireTime    string        `json:"expireTime,omitempty"`
}

type mediaFile struct {
	BaseURL  string `json:"baseUrl"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
}

type pickedMediaItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type,omitempty"`
	MediaFile mediaFile `json:"mediaFile"`
}

type mediaItemsPage struct {
	MediaItems    []pickedMediaItem `json:"mediaItems"`
	NextPageToken string            `json:"nextPageToken"`
}

// Broker talks to the picker API on behalf of the stored Google account.
type Broker struct {
	creds  CredentialSource
	photos PhotoStore
	client *http.Client
	base   string
	now    func() time.Time
}

// NewBroker creates a Broker. An empty base means DefaultAPIBase; a nil
// client gets a 30s timeout.
func NewBroker(creds CredentialSource, photos PhotoStore, client *http.Client, base string) *Broker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if base == "" {
		base = DefaultAPIBase
	}
	return &Broker{
		creds:  creds,
		photos: photos,
		client: client,
		base:   strings.TrimRight(base, "/"),
		now:    time.Now,
	}
}

// Create allocates a new remote session. Without a stored credential it fails
// with auth.ErrUnauthenticated before any call is made.
func (b *Broker) Create(ctx context.Context) (*Session, error) {
	var res sessionResource
	if err := b.do(ctx, "create session", http.MethodPost, "/sessions", []byte("{}"), &res); err != nil {
		return nil, err
	}
	if res.ID == "" || res.PickerURI == "" {
		return nil, errors.New("picker: create session: response has no id or pickerUri")
	}

	s := &Session{
		PickerSession: model.PickerSession{
			SessionID:    res.ID,
			PickerURI:    res.PickerURI,
			PollInterval: parseDuration(res.PollingConfig.PollInterval),
			Timeout:      parseDuration(res.PollingConfig.TimeoutIn),
			CreatedAt:    b.now(),
		},
		PollingConfig: res.PollingConfig,
	}
	appLog.Info("picker session created", "session", s.SessionID, "poll_interval", res.PollingConfig.PollInterval)
	return s, nil
}

// Status reports whether the user has finished selecting. It has no side
// effects.
func (b *Broker) Status(ctx context.Context, sessionID string) (Status, error) {
	if sessionID == "" {
		return Status{}, errors.New("picker: empty session id")
	}
	var res sessionResource
	if err := b.do(ctx, "get session", http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &res); err != nil {
		return Status{}, err
	}
	return Status{MediaItemsSet: res.MediaItemsSet, PollingConfig: res.PollingConfig}, nil
}

// Retrieve fetches every picked item, keeps images only and persists the
// result as the new selection. A persistence failure is returned; the photos
// are then not considered saved.
func (b *Broker) Retrieve(ctx context.Context, sessionID string) ([]model.SelectedPhoto, error) {
	if sessionID == "" {
		return nil, errors.New("picker: empty session id")
	}

	photos := make([]model.SelectedPhoto, 0)
	pageToken := ""
	total := 0
	for {
		q := url.Values{}
		q.Set("sessionId", sessionID)
		q.Set("pageSize", fmt.Sprint(mediaPageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page mediaItemsPage
		if err := b.do(ctx, "list media items", http.MethodGet, "/mediaItems?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		total += len(page.MediaItems)
		photos = append(photos, toSelectedPhotos(page.MediaItems)...)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := b.photos.SaveSelectedPhotos(photos); err != nil {
		return nil, fmt.Errorf("picker: save selection: %w", err)
	}
	appLog.Info("picker selection saved", "session", sessionID, "items", total, "photos", len(photos))
	return photos, nil
}

// Delete tears the remote session down.
func (b *Broker) Delete(ctx context.Context, sessionID string) error {
	return b.do(ctx, "delete session", http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func toSelectedPhotos(items []pickedMediaItem) []model.SelectedPhoto {
	out := make([]model.SelectedPhoto, 0, len(items))
	for _, item := range items {
		if !strings.HasPrefix(item.MediaFile.MimeType, "image/") {
			continue
		}
		alt := item.MediaFile.Filename
		if alt == "" {
			alt = fallbackAlt
		}
		out = append(out, model.SelectedPhoto{
			ID:       item.ID,
			URL:      item.MediaFile.BaseURL,
			Alt:      alt,
			MimeType: item.MediaFile.MimeType,
		})
	}
	return out
}

func (b *Broker) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	cred, err := b.creds.Credential(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, reader)
	if err != nil {
		return err
	}
	cred.Token.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("picker: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		appLog.Warn("picker api error", "op", op, "status", resp.StatusCode)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("picker: %s: decode response: %w", op, err)
	}
	return nil
}

// parseDuration reads a protobuf JSON duration such as "5s" or "1800.5s".
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
