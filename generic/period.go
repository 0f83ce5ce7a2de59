/*
period.go - Calendar-aligned accounting periods

PURPOSE:
  Computes the canonical key for the period containing an instant and the
  inclusive bounds of a period identified by its key. Ledger resets use daily
  periods; budgets use ISO weeks and calendar months.

KEY FORMATS:
  daily    2025-03-10
  weekly   2025-W11   (ISO-8601 week, Monday start, week 1 contains Jan 4)
  monthly  2025-03

BOUNDS:
  Start is 00:00:00.000 of the first day, End is 23:59:59.999 of the last day.
  Both are returned in UTC even when the calendar runs in a family timezone.

YEAR BOUNDARIES:
  ISO weeks can belong to the neighbouring calendar year:
    2024-12-31 (Tuesday) -> 2025-W01
    2023-01-01 (Sunday)  -> 2022-W52

SEE ALSO:
  - time.go: Calendar (timezone-aware wrapper)
  - ledger.go: daily reset timing
  - budget.go: period-scoped spend evaluation
*/
package generic

import (
	"fmt"
	"strconv"
	"time"
)

// PeriodType defines how periods are cut.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

// Valid reports whether the period type is known.
func (pt PeriodType) Valid() bool {
	switch pt {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// Period is one accounting window. End is inclusive (last millisecond of the window).
type Period struct {
	Key   string
	Type  PeriodType
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within [Start, End].
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End.Add(time.Millisecond))
}

// Next returns the instant right after the period.
func (p Period) Next() time.Time {
	return p.End.Add(time.Millisecond)
}

func (p Period) String() string {
	return fmt.Sprintf("%s [%s, %s]", p.Key, p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339Nano))
}

// =============================================================================
// UTC CALCULATOR
// =============================================================================

// PeriodKey returns the key of the UTC period containing t.
func PeriodKey(t time.Time, pt PeriodType) (string, error) {
	return UTC.Key(t, pt)
}

// PeriodBounds returns the UTC period identified by key.
func PeriodBounds(key string, pt PeriodType) (Period, error) {
	return UTC.Bounds(key, pt)
}

// PeriodFor returns the UTC period containing t.
func PeriodFor(t time.Time, pt PeriodType) (Period, error) {
	return UTC.PeriodFor(t, pt)
}

// =============================================================================
// KEY FORMATTING / PARSING
// =============================================================================

func formatKey(local time.Time, pt PeriodType) (string, error) {
	switch pt {
	case PeriodDaily:
		return local.Format("2006-01-02"), nil
	case PeriodWeekly:
		year, week := local.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), nil
	case PeriodMonthly:
		return local.Format("2006-01"), nil
	default:
		return "", fmt.Errorf("%w: unknown period type %q", ErrInvalidPeriod, pt)
	}
}

// parseWeekKey splits "YYYY-Www" into ISO year and week.
func parseWeekKey(key string) (int, int, error) {
	if len(key) != 8 || key[4] != '-' || key[5] != 'W' {
		return 0, 0, fmt.Errorf("%w: malformed week key %q", ErrInvalidPeriod, key)
	}
	year, err := strconv.Atoi(key[:4])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed week key %q", ErrInvalidPeriod, key)
	}
	week, err := strconv.Atoi(key[6:])
	if err != nil || week < 1 || week > 53 {
		return 0, 0, fmt.Errorf("%w: malformed week key %q", ErrInvalidPeriod, key)
	}
	return year, week, nil
}

// isoWeekStart returns Monday 00:00 of the given ISO week in loc.
// Week 1's Monday is the Monday on or before January 4th of the ISO year.
func isoWeekStart(year, week int, loc *time.Location) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
	monday := jan4.AddDate(0, 0, -(isoWeekday(jan4) - 1))
	return monday.AddDate(0, 0, (week-1)*7)
}

// isoWeekday maps Monday=1 .. Sunday=7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
