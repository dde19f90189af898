package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "homedash/internal/log"
	"homedash/internal/model"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
	userAgent           = "homedash/1.0 (+ics)"
)

// ErrBodyTooLarge is returned when a feed exceeds the configured size limit.
var ErrBodyTooLarge = errors.New("ics: feed body exceeds size limit")

// Fetcher downloads ICS feeds. Every call goes to the network; nothing is
// cached between calls.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a new ICS Fetcher. A nil client gets a 15s timeout and
// maxBytes <= 0 means 10 MiB.
func NewFetcher(client *http.Client, maxBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch downloads a single feed. webcal:// and webcals:// are fetched over
// https. Any non-2xx status is an error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("source URL is empty")
	}
	target, err := normalizeFeedURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	req.Header.Set("User-Agent", userAgent)

	appLog.Debug("ics fetch start", "url", RedactURL(rawURL))

	resp, err := f.client.Do(req)
	if err != nil {
		// *url.Error repeats the full URL, which may carry a secret token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("fetch %s: %w", RedactURL(rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("fetch %s: unexpected status %s", RedactURL(rawURL), resp.Status)
	}

	body, err := readAllWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", RedactURL(rawURL), err)
	}

	appLog.Debug("ics fetch success", "url", RedactURL(rawURL), "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	body, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

func normalizeFeedURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid feed URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "webcal", "webcals":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported feed scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("feed URL has no host")
	}
	return u.String(), nil
}

// Feed is the feed-source strategy: fetch, parse and expand into normalized
// events overlapping the requested window.
type Feed struct {
	fetcher        *Fetcher
	loc            *time.Location
	maxOccurrences int
}

func NewFeed(fetcher *Fetcher, loc *time.Location, maxOccurrences int) *Feed {
	if loc == nil {
		loc = time.Local
	}
	return &Feed{fetcher: fetcher, loc: loc, maxOccurrences: maxOccurrences}
}

// Events returns the events of one feed that overlap w.
func (f *Feed) Events(ctx context.Context, feedURL string, w model.Window) ([]model.CalendarEvent, error) {
	body, err := f.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	parsed, err := Parse(feedURL, body, f.loc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", RedactURL(feedURL), err)
	}
	res, err := Expand(parsed, ExpandConfig{
		Window:                 w,
		DisplayLocation:        f.loc,
		MaxOccurrencesPerEvent: f.maxOccurrences,
	})
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// RedactURL hides sensitive parts of an ICS URL for logging purposes:
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	// Drop userinfo if present.
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return u[:i+3] + rest + redactedSuffix
}
