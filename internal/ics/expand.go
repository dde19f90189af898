package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "homedash/internal/log"
	"homedash/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000

	instanceIDLayout = "20060102T150405Z"
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Window bounds the output; events overlapping it are kept.
	Window model.Window

	// DisplayLocation is the timezone all events are converted to.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// MaxOccurrencesPerEvent caps the expansion of a single RRULE. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded events and the UIDs that hit the cap.
type ExpandResult struct {
	Events          []model.CalendarEvent
	TruncatedEvents []string
}

// Expand turns parsed VEVENTs into concrete events overlapping the window.
// It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence (DAILY/WEEKLY/MONTHLY/YEARLY, etc.)
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//   - All-day semantics
//
// Output keeps the feed's UID order; instances of one UID are chronological.
func Expand(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.Window.To.Before(cfg.Window.From) {
		return result, errors.New("expand: window ends before it starts")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID, remembering first appearance.
	var order []string
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	seen := make(map[string]bool)

	for _, ev := range events {
		if !seen[ev.UID] {
			seen[ev.UID] = true
			order = append(order, ev.UID)
		}
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	out := make([]model.CalendarEvent, 0)

	for _, uid := range order {
		ov := overridesByUID[uid]
		used := make(map[int64]bool)
		truncated := false

		var expanded []model.CalendarEvent
		for _, ev := range baseByUID[uid] {
			hitCap := false
			if ev.RawRRule == "" {
				expanded = append(expanded, expandSingleEvent(ev, ov, used, cfg)...)
			} else {
				var recurring []model.CalendarEvent
				recurring, hitCap = expandRecurringEvent(ev, ov, used, cfg)
				expanded = append(expanded, recurring...)
			}
			truncated = truncated || hitCap
		}

		// Overrides never matched above: their original instance fell
		// outside the expanded range, or the feed lacks the base event.
		for _, o := range ov {
			if used[o.Recurrence.UnixNano()] || !cfg.Window.Overlaps(o.Start, o.End) {
				continue
			}
			used[o.Recurrence.UnixNano()] = true
			id := uid + "_" + o.Recurrence.UTC().Format(instanceIDLayout)
			expanded = append(expanded, makeEvent(o, id, o.Start, o.End, cfg.DisplayLocation))
		}
		sort.SliceStable(expanded, func(i, j int) bool {
			return expanded[i].Start.Before(expanded[j].Start)
		})
		out = append(out, expanded...)

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	result.Events = out
	return result, nil
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, used map[int64]bool, cfg ExpandConfig) []model.CalendarEvent {
	start, end := ev.Start, ev.End

	// An override for the only instance replaces it.
	if o, ok := findOverrideForStart(overrides, start); ok {
		used[start.UnixNano()] = true
		ev, start, end = o, o.Start, o.End
	}

	if !cfg.Window.Overlaps(start, end) {
		return nil
	}
	return []model.CalendarEvent{makeEvent(ev, ev.UID, start, end, cfg.DisplayLocation)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, used map[int64]bool, cfg ExpandConfig) ([]model.CalendarEvent, bool) {
	out := make([]model.CalendarEvent, 0)
	hitCap := false

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)

	// Widen the lower bound by the event length so instances that started
	// before the window but are still running are kept.
	loc := ev.Start.Location()
	rangeStart := cfg.Window.From.Add(-dur).In(loc)
	rangeEnd := cfg.Window.To.In(loc)

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		occEnd := occStart.Add(dur)
		id := ev.UID + "_" + occStart.UTC().Format(instanceIDLayout)

		src, start, end := ev, occStart, occEnd
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			used[occStart.UnixNano()] = true
			src, start, end = o, o.Start, o.End
		}
		if !cfg.Window.Overlaps(start, end) {
			continue
		}
		out = append(out, makeEvent(src, id, start, end, cfg.DisplayLocation))
	}

	return out, hitCap
}

// findOverrideForStart finds an override whose RECURRENCE-ID is the same
// instant as the generated start.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeEvent(ev ParsedEvent, id string, start, end time.Time, displayLoc *time.Location) model.CalendarEvent {
	out := model.CalendarEvent{
		ID:       id,
		Title:    ev.Summary,
		Start:    start.In(displayLoc),
		End:      end.In(displayLoc),
		AllDay:   ev.AllDay,
		Location: ev.Location,
		Source:   ev.FeedURL,
	}
	out.Normalize()
	return out
}
