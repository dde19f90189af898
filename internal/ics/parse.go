package ics

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "homedash/internal/log"
)

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	// FeedURL is the source the event was parsed from.
	FeedURL string

	UID string

	Summary  string
	Location string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
	IsOverride bool       // true if this VEVENT overrides one recurring instance
}

// Parse parses an iCal payload into events.
//
//   - TZID parameters are honored; floating times and DATE values are placed
//     in loc.
//   - A VEVENT whose DTSTART cannot be parsed is logged and skipped.
//   - A missing DTEND falls back to DURATION, then to DTSTART.
//   - RRULE/EXDATE/RECURRENCE-ID are recorded; Expand does the expansion.
func Parse(feedURL string, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	events := make([]ParsedEvent, 0)
	skipped := 0

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(feedURL, comp, loc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			skipped++
			appLog.Debug("ics vevent skipped", "url", RedactURL(feedURL), "reason", perr)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "url", RedactURL(feedURL), "event_count", len(events), "skipped", skipped)
	return events, nil
}

func parseVEvent(feedURL string, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent
	out.FeedURL = feedURL

	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		return out, errors.New("cancelled")
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := parsePropTime(dtStart, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, _, err := parsePropTime(dtEnd, loc)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	} else if dur := ve.GetProperty(ical.ComponentPropertyDuration); dur != nil {
		d, err := parseDuration(dur.Value)
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		out.End = start.Add(d)
	} else {
		out.End = start
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}

	// UID
	if uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId); uidProp != nil && uidProp.Value != "" {
		out.UID = uidProp.Value
	} else {
		out.UID = syntheticUID(feedURL, out.Summary, dtStart.Value)
	}

	// RRULE (raw string only; expansion happens in expand.go).
	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// EXDATE (can appear multiple times, each possibly comma separated)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		pl := propLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := parseICSTime(part, pl); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	// RECURRENCE-ID (overridden instance)
	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil {
		if t, _, err := parseICSTime(ridProp.Value, propLocation(ridProp, loc)); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parsePropTime parses a DATE or DATE-TIME property value, reporting whether
// it was a bare date.
func parsePropTime(p *ical.IANAProperty, loc *time.Location) (time.Time, bool, error) {
	isDate := false
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}
	t, bare, err := parseICSTime(p.Value, propLocation(p, loc))
	if err != nil {
		return time.Time{}, false, err
	}
	return t, isDate || bare, nil
}

// propLocation resolves the TZID parameter, falling back to loc.
func propLocation(p *ical.IANAProperty, loc *time.Location) *time.Location {
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		name := strings.Trim(tzs[0], `"`)
		if l, err := time.LoadLocation(name); err == nil {
			return l
		}
		if l, ok := windowsZones[name]; ok {
			if ll, err := time.LoadLocation(l); err == nil {
				return ll
			}
		}
		appLog.Debug("ics unknown TZID; using display timezone", "tzid", name)
	}
	return loc
}

// windowsZones maps the Windows zone names Outlook/Exchange feeds emit most
// often onto IANA names.
var windowsZones = map[string]string{
	"Eastern Standard Time":        "America/New_York",
	"Central Standard Time":        "America/Chicago",
	"Mountain Standard Time":       "America/Denver",
	"Pacific Standard Time":        "America/Los_Angeles",
	"GMT Standard Time":            "Europe/London",
	"W. Europe Standard Time":      "Europe/Berlin",
	"Romance Standard Time":        "Europe/Paris",
	"Central Europe Standard Time": "Europe/Budapest",
	"Tokyo Standard Time":          "Asia/Tokyo",
	"Korea Standard Time":          "Asia/Seoul",
	"AUS Eastern Standard Time":    "Australia/Sydney",
	"UTC":                          "UTC",
}

// parseICSTime parses the basic DATE / DATE-TIME / UTC forms. The second
// return value is true for a bare DATE.
func parseICSTime(v string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	}

	// Date-only (all-day), e.g., 20250101
	t, err := time.ParseInLocation("20060102", v, loc)
	return t, true, err
}

var durationRe = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration parses an RFC 5545 DURATION such as P1D, PT1H30M or P2W.
func parseDuration(v string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil || v == "P" || v == "PT" {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if s := m[i+2]; s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return 0, err
			}
			d += time.Duration(n) * unit
		}
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// syntheticUID derives a stable identifier for VEVENTs without a UID.
func syntheticUID(feedURL, summary, rawStart string) string {
	sum := sha256.Sum256([]byte(feedURL + "|" + summary + "|" + rawStart))
	return hex.EncodeToString(sum[:8])
}
