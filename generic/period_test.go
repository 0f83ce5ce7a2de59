package generic_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allowance-engine/generic"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

// =============================================================================
// KEYS
// =============================================================================

func TestPeriodKey_Formats(t *testing.T) {
	at := utc(2025, time.March, 12, 15, 30)

	tests := []struct {
		pt   generic.PeriodType
		want string
	}{
		{generic.PeriodDaily, "2025-03-12"},
		{generic.PeriodWeekly, "2025-W11"},
		{generic.PeriodMonthly, "2025-03"},
	}
	for _, tt := range tests {
		t.Run(string(tt.pt), func(t *testing.T) {
			key, err := generic.PeriodKey(at, tt.pt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestPeriodKey_ISOWeekCrossesYearBoundary(t *testing.T) {
	// GIVEN: Dates whose ISO week belongs to the neighbouring year
	// THEN: The key carries the ISO year, not the calendar year

	key, err := generic.PeriodKey(utc(2024, time.December, 31, 12, 0), generic.PeriodWeekly)
	require.NoError(t, err)
	assert.Equal(t, "2025-W01", key)

	key, err = generic.PeriodKey(utc(2023, time.January, 1, 12, 0), generic.PeriodWeekly)
	require.NoError(t, err)
	assert.Equal(t, "2022-W52", key)
}

func TestPeriodKey_UnknownType(t *testing.T) {
	_, err := generic.PeriodKey(utc(2025, time.March, 1, 0, 0), "yearly")
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
}

// =============================================================================
// BOUNDS
// =============================================================================

func TestPeriodBounds_WeekOneStartsInPreviousYear(t *testing.T) {
	p, err := generic.PeriodBounds("2025-W01", generic.PeriodWeekly)
	require.NoError(t, err)

	assert.Equal(t, utc(2024, time.December, 30, 0, 0), p.Start)
	assert.Equal(t, time.Date(2025, time.January, 5, 23, 59, 59, int(999*time.Millisecond), time.UTC), p.End)
}

func TestPeriodBounds_Week53(t *testing.T) {
	// 2020 has 53 ISO weeks, 2021 does not.
	p, err := generic.PeriodBounds("2020-W53", generic.PeriodWeekly)
	require.NoError(t, err)
	assert.Equal(t, utc(2020, time.December, 28, 0, 0), p.Start)

	_, err = generic.PeriodBounds("2021-W53", generic.PeriodWeekly)
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
}

func TestPeriodBounds_February(t *testing.T) {
	leap, err := generic.PeriodBounds("2024-02", generic.PeriodMonthly)
	require.NoError(t, err)
	assert.Equal(t, 29, leap.End.Day())

	common, err := generic.PeriodBounds("2023-02", generic.PeriodMonthly)
	require.NoError(t, err)
	assert.Equal(t, 28, common.End.Day())
	assert.Equal(t, utc(2023, time.March, 1, 0, 0), common.Next())
}

func TestPeriodBounds_MalformedKeys(t *testing.T) {
	tests := []struct {
		key string
		pt  generic.PeriodType
	}{
		{"2025-3-1", generic.PeriodDaily},
		{"2025-02-30", generic.PeriodDaily},
		{"2025-W1", generic.PeriodWeekly},
		{"2025-W00", generic.PeriodWeekly},
		{"2025W-11", generic.PeriodWeekly},
		{"2025-13", generic.PeriodMonthly},
		{"March", generic.PeriodMonthly},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := generic.PeriodBounds(tt.key, tt.pt)
			assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
		})
	}
}

func TestPeriod_KeyBoundsRoundTrip(t *testing.T) {
	// GIVEN: Instants spread over two years, including year ends
	// THEN: The period for each instant contains it, and both of its
	//       endpoints map back to the same key

	start := utc(2023, time.December, 25, 0, 0)
	for i := 0; i < 800; i++ {
		at := start.Add(time.Duration(i) * 23 * time.Hour)
		for _, pt := range []generic.PeriodType{generic.PeriodDaily, generic.PeriodWeekly, generic.PeriodMonthly} {
			p, err := generic.PeriodFor(at, pt)
			require.NoError(t, err)
			require.True(t, p.Contains(at), "%s does not contain %s", p, at)

			startKey, _ := generic.PeriodKey(p.Start, pt)
			endKey, _ := generic.PeriodKey(p.End, pt)
			require.Equal(t, p.Key, startKey)
			require.Equal(t, p.Key, endKey)

			nextKey, _ := generic.PeriodKey(p.Next(), pt)
			require.NotEqual(t, p.Key, nextKey)
		}
	}
}

// =============================================================================
// CALENDAR (TIMEZONE)
// =============================================================================

func TestCalendar_LocalMidnightAcrossDST(t *testing.T) {
	// GIVEN: A family in New York on the day DST starts (23-hour day)
	cal, err := generic.CalendarFor("America/New_York")
	require.NoError(t, err)

	// WHEN: 23:00 local on March 9 (03:00Z on March 10)
	at := utc(2025, time.March, 10, 3, 0)
	p, err := cal.PeriodFor(at, generic.PeriodDaily)
	require.NoError(t, err)

	// THEN: The local day is March 9, bounded by EST and EDT midnights
	assert.Equal(t, "2025-03-09", p.Key)
	assert.Equal(t, utc(2025, time.March, 9, 5, 0), p.Start)
	assert.Equal(t, utc(2025, time.March, 10, 4, 0), p.Next())
	assert.Equal(t, 23*time.Hour, p.Next().Sub(p.Start))
}

func TestCalendar_StartOfISOWeek(t *testing.T) {
	sunday := utc(2025, time.March, 16, 22, 0)
	assert.Equal(t, utc(2025, time.March, 10, 0, 0), generic.UTC.StartOfISOWeek(sunday))

	monday := utc(2025, time.March, 10, 0, 0)
	assert.Equal(t, monday, generic.UTC.StartOfISOWeek(monday))
}

func TestCalendar_NextReset(t *testing.T) {
	next, err := generic.UTC.NextReset(utc(2025, time.March, 10, 12, 0), generic.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, utc(2025, time.March, 11, 0, 0), next)
}

func TestCalendarFor_UnknownTimezone(t *testing.T) {
	_, err := generic.CalendarFor("Mars/Olympus")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	cal, err := generic.CalendarFor("")
	require.NoError(t, err)
	assert.Equal(t, generic.UTC, cal)
}
