package domain

import "time"

// DateLayout is the calendar date format used for report and anchor dates.
const DateLayout = "2006-01-02"

// DefaultWindowDays is the evidence window: reports within this many days of
// a case's anchor date (inclusive, either direction) belong to the case.
const DefaultWindowDays = 28

// CalendarDate truncates t to midnight UTC of its UTC calendar day.
func CalendarDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysApart returns the absolute number of calendar days between a and b.
func DaysApart(a, b time.Time) int {
	d := CalendarDate(a).Sub(CalendarDate(b))
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

// ParseDate parses a calendar date in DateLayout.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// MustParseDate is ParseDate for constants and tests; it panics on error.
func MustParseDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}
