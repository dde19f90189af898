// Package calendar merges events from independently failing calendar
// sources into one ordered list.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"homedash/internal/ics"
	appLog "homedash/internal/log"
	"homedash/internal/metrics"
	"homedash/internal/model"
)

const (
	defaultSourceTimeout = 20 * time.Second
	maxConcurrentFetches = 8
)

// SourceFetcher is one source strategy. id is a calendar ID for API sources
// and a URL for feeds.
type SourceFetcher interface {
	Events(ctx context.Context, id string, w model.Window) ([]model.CalendarEvent, error)
}

// Settled is the outcome of one source fetch: either Events or Err.
type Settled struct {
	Source   model.CalendarSource
	Events   []model.CalendarEvent
	Err      error
	Duration time.Duration
}

// Aggregator fans out to all sources and merges the settled results.
type Aggregator struct {
	fetchers      map[model.SourceKind]SourceFetcher
	metrics       *metrics.Metrics
	sourceTimeout time.Duration
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithSourceTimeout bounds each individual source fetch.
func WithSourceTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.sourceTimeout = d
		}
	}
}

// NewAggregator wires the two strategies. Either may be nil, in which case
// sources of that kind fail individually.
func NewAggregator(api, feed SourceFetcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		fetchers:      make(map[model.SourceKind]SourceFetcher, 2),
		sourceTimeout: defaultSourceTimeout,
	}
	if api != nil {
		a.fetchers[model.SourceAPI] = api
	}
	if feed != nil {
		a.fetchers[model.SourceFeed] = feed
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Settle fetches every source concurrently and returns one Settled per
// source, in source order. It never fails as a whole.
func (a *Aggregator) Settle(ctx context.Context, sources []model.CalendarSource, w model.Window) []Settled {
	results := make([]Settled, len(sources))
	if len(sources) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)

	for i, src := range sources {
		g.Go(func() error {
			started := time.Now()
			events, err := a.fetch(ctx, src, w)
			results[i] = Settled{Source: src, Events: events, Err: err, Duration: time.Since(started)}
			// Failures are recorded, not propagated, so siblings keep running.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) fetch(ctx context.Context, src model.CalendarSource, w model.Window) ([]model.CalendarEvent, error) {
	f, ok := a.fetchers[src.Kind]
	if !ok {
		return nil, fmt.Errorf("no fetcher for source kind %q", src.Kind)
	}
	if src.Key() == "" {
		return nil, errors.New("source has no identifier")
	}

	ctx, cancel := context.WithTimeout(ctx, a.sourceTimeout)
	defer cancel()

	events, err := f.Events(ctx, src.Key(), w)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Aggregate returns the events of all sources overlapping w, sorted by start.
// Failed sources contribute nothing; events with equal start keep source
// order. Duplicates across sources are kept.
func (a *Aggregator) Aggregate(ctx context.Context, sources []model.CalendarSource, w model.Window) []model.CalendarEvent {
	if len(sources) == 0 {
		return []model.CalendarEvent{}
	}

	settled := a.Settle(ctx, sources, w)

	merged := make([]model.CalendarEvent, 0)
	failed := 0
	for _, res := range settled {
		a.metrics.ObserveSourceFetch(string(res.Source.Kind), res.Duration, res.Err)
		if res.Err != nil {
			failed++
			appLog.Error("calendar source failed", res.Err,
				"kind", string(res.Source.Kind),
				"source", logKey(res.Source),
			)
			continue
		}
		merged = append(merged, res.Events...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Start.Before(merged[j].Start)
	})

	a.metrics.ObserveAggregation(len(merged))
	appLog.Debug("calendar aggregated",
		"sources", len(sources),
		"failed", failed,
		"events", len(merged),
	)
	return merged
}

func logKey(src model.CalendarSource) string {
	if src.Kind == model.SourceFeed {
		return ics.RedactURL(src.URL)
	}
	return src.CalendarID
}
