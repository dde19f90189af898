package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homedash"

// Metrics exposes Prometheus collectors for calendar aggregation, picker
// sessions and preview captures. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sourceFetches  *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec
	eventsReturned prometheus.Histogram
	pickerSessions *prometheus.CounterVec
	captures       *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
}

// MustNew constructs Metrics registered with reg. Collectors already present
// in reg are reused, so building Metrics twice against one registry is safe.
// Any other registration error panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		sourceFetches: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "calendar",
				Name:      "source_fetches_total",
				Help:      "Calendar source fetches by source kind and result.",
			},
			[]string{"source_kind", "result"},
		)),
		sourceDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "calendar",
				Name:      "source_fetch_duration_seconds",
				Help:      "Time spent fetching one calendar source.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source_kind"},
		)),
		eventsReturned: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "calendar",
				Name:      "aggregated_events",
				Help:      "Number of events returned by one aggregation.",
				Buckets:   []float64{0, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		)),
		pickerSessions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "picker",
				Name:      "sessions_total",
				Help:      "Picker sessions by terminal state.",
			},
			[]string{"state"},
		)),
		captures: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "previews_total",
				Help:      "Dashboard preview captures by result.",
			},
			[]string{"result"},
		)),
		tokenRefreshes: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "token_checks_total",
				Help:      "Scheduled credential checks by result.",
			},
			[]string{"result"},
		)),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSourceFetch records one source fetch.
func (m *Metrics) ObserveSourceFetch(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sourceFetches.WithLabelValues(kind, result(err)).Inc()
	m.sourceDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveAggregation records the size of one merged event list.
func (m *Metrics) ObserveAggregation(events int) {
	if m == nil {
		return
	}
	m.eventsReturned.Observe(float64(events))
}

// IncPickerSession counts a picker session reaching a terminal state.
func (m *Metrics) IncPickerSession(state string) {
	if m == nil {
		return
	}
	m.pickerSessions.WithLabelValues(state).Inc()
}

// IncCapture counts one preview capture.
func (m *Metrics) IncCapture(err error) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(result(err)).Inc()
}

// IncTokenCheck counts one scheduled credential check.
func (m *Metrics) IncTokenCheck(err error) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result(err)).Inc()
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
