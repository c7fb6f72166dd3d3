// Package status derives where a record stands in its application window
// from its opening and closing dates. Nothing here is stored: the status is
// recomputed whenever a record is shown.
package status

import (
	"time"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Status is the lifecycle stage of a record with dates.
type Status string

// Statuses. Unknown means the record has no dates the policy can read.
const (
	Unknown     Status = ""
	Upcoming    Status = "upcoming"
	Active      Status = "active"
	ClosingSoon Status = "closing_soon"
	Expired     Status = "expired"
)

// DefaultClosingSoon is how long before the closing date a record counts as
// closing soon.
const DefaultClosingSoon = 60 * 24 * time.Hour

// Label is the human-readable form used in notifications.
func (s Status) Label() string {
	switch s {
	case Upcoming:
		return "upcoming"
	case Active:
		return "open"
	case ClosingSoon:
		return "closing soon"
	case Expired:
		return "expired"
	default:
		return ""
	}
}

// Of computes the status at now. Zero opening or closing means the date is
// not known. Comparisons are by calendar day in UTC, so a record is still
// open on its closing day. A record with no dates at all is Active.
func Of(opening, closing, now time.Time, closingSoon time.Duration) Status {
	today := day(now)
	if !opening.IsZero() && today.Before(day(opening)) {
		return Upcoming
	}
	if closing.IsZero() {
		return Active
	}
	end := day(closing)
	if today.After(end) {
		return Expired
	}
	if today.After(end.Add(-closingSoon)) {
		return ClosingSoon
	}
	return Active
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Policy names the date fields of a rule.
type Policy struct {
	OpeningField string
	ClosingField string
	ClosingSoon  time.Duration
}

// Enabled reports whether the policy names at least one date field.
func (p Policy) Enabled() bool {
	return p.OpeningField != "" || p.ClosingField != ""
}

// Of computes the status of a record's fields at now. It returns Unknown when
// the policy is disabled.
func (p Policy) Of(fields map[string]any, now time.Time) Status {
	if !p.Enabled() {
		return Unknown
	}
	window := p.ClosingSoon
	if window <= 0 {
		window = DefaultClosingSoon
	}
	return Of(dateField(fields, p.OpeningField), dateField(fields, p.ClosingField), now, window)
}

// dateField reads a date the extractor produced. Records read back from
// Postgres carry dates as RFC 3339 strings.
func dateField(fields map[string]any, name string) time.Time {
	if name == "" {
		return time.Time{}
	}
	switch v := fields[name].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.DateOnly, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Policies maps target IDs to the policy of their rule.
type Policies map[string]Policy

// For computes the status of rec at now using its target's policy.
func (ps Policies) For(rec pipeline.StoredRecord, now time.Time) Status {
	return ps[rec.TargetID].Of(rec.Fields, now)
}
