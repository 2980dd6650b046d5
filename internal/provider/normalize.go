package provider

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// StartOfDayUTC returns 00:00:00.000Z of t's calendar date.
func StartOfDayUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDayUTC returns 23:59:59.999Z of t's calendar date.
func EndOfDayUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(999*time.Millisecond), time.UTC)
}

// AllDayBounds normalizes an all-day span. Providers express the end as the
// exclusive following date, so the last covered day is the day before it. The
// end never precedes the start day.
func AllDayBounds(startDate, exclusiveEndDate time.Time) (time.Time, time.Time) {
	start := StartOfDayUTC(startDate)
	lastDay := StartOfDayUTC(exclusiveEndDate).AddDate(0, 0, -1)
	if exclusiveEndDate.IsZero() || lastDay.Before(start) {
		lastDay = start
	}
	return start, EndOfDayUTC(lastDay)
}

// ParseDate parses a YYYY-MM-DD date as a UTC midnight.
func ParseDate(value string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", value, err)
	}
	return t, nil
}

// FormatDate renders t's UTC calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// ExclusiveEndDate converts a normalized all-day end back to the exclusive
// date providers expect.
func ExclusiveEndDate(end time.Time) time.Time {
	return StartOfDayUTC(end.UTC()).AddDate(0, 0, 1)
}
