package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// CALENDAR - Period arithmetic in a family timezone
// =============================================================================

// Calendar extracts calendar fields in Location and returns bounds in UTC.
// The zero value behaves like UTC.
type Calendar struct {
	Location *time.Location
}

// UTC is the calendar used when a family has no timezone configured.
var UTC = Calendar{Location: time.UTC}

// CalendarFor loads a calendar for an IANA timezone name. Empty means UTC.
func CalendarFor(tz string) (Calendar, error) {
	if tz == "" {
		return UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Calendar{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidInput, tz)
	}
	return Calendar{Location: loc}, nil
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Key returns the period key containing t.
func (c Calendar) Key(t time.Time, pt PeriodType) (string, error) {
	return formatKey(t.In(c.loc()), pt)
}

// Bounds returns the period identified by key.
func (c Calendar) Bounds(key string, pt PeriodType) (Period, error) {
	loc := c.loc()
	var start, next time.Time

	switch pt {
	case PeriodDaily:
		d, err := time.ParseInLocation("2006-01-02", key, loc)
		if err != nil {
			return Period{}, fmt.Errorf("%w: malformed day key %q", ErrInvalidPeriod, key)
		}
		start = d
		next = d.AddDate(0, 0, 1)

	case PeriodWeekly:
		year, week, err := parseWeekKey(key)
		if err != nil {
			return Period{}, err
		}
		start = isoWeekStart(year, week, loc)
		// Week 53 only exists in some years.
		if y, w := start.ISOWeek(); y != year || w != week {
			return Period{}, fmt.Errorf("%w: %s has no week %d", ErrInvalidPeriod, key[:4], week)
		}
		next = start.AddDate(0, 0, 7)

	case PeriodMonthly:
		m, err := time.ParseInLocation("2006-01", key, loc)
		if err != nil {
			return Period{}, fmt.Errorf("%w: malformed month key %q", ErrInvalidPeriod, key)
		}
		start = m
		// Day 0 of the following month is the last day of this one.
		last := time.Date(m.Year(), m.Month()+1, 0, 0, 0, 0, 0, loc)
		next = last.AddDate(0, 0, 1)

	default:
		return Period{}, fmt.Errorf("%w: unknown period type %q", ErrInvalidPeriod, pt)
	}

	return Period{
		Key:   key,
		Type:  pt,
		Start: start.UTC(),
		End:   next.Add(-time.Millisecond).UTC(),
	}, nil
}

// PeriodFor returns the period containing t.
func (c Calendar) PeriodFor(t time.Time, pt PeriodType) (Period, error) {
	key, err := c.Key(t, pt)
	if err != nil {
		return Period{}, err
	}
	return c.Bounds(key, pt)
}

// StartOfDay returns local midnight of t's day, in UTC.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	l := t.In(c.loc())
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.loc()).UTC()
}

// StartOfISOWeek returns local Monday 00:00 of t's ISO week, in UTC.
func (c Calendar) StartOfISOWeek(t time.Time) time.Time {
	l := t.In(c.loc())
	day := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.loc())
	return day.AddDate(0, 0, -(isoWeekday(day) - 1)).UTC()
}

// NextReset returns the first instant of the period following the one containing t.
func (c Calendar) NextReset(t time.Time, pt PeriodType) (time.Time, error) {
	p, err := c.PeriodFor(t, pt)
	if err != nil {
		return time.Time{}, err
	}
	return p.Next(), nil
}
