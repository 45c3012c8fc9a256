// Package tzdate provides timezone-aware calendar arithmetic.
//
// All functions operate on wall-clock boundaries in a user's IANA zone, so a
// "day" may span 23 or 25 hours of UTC time around a DST transition. The
// embedded tzdata fallback keeps zone lookups working on hosts without a
// system zoneinfo directory.
package tzdate

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

// ErrInvalidTimezone marks a zone name the tz database does not know.
var ErrInvalidTimezone = errors.New("invalid timezone")

// LoadZone resolves an IANA zone name (e.g. "Asia/Kolkata").
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty zone name", ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// StartOfDay returns local midnight of the calendar date of ref in loc.
func StartOfDay(loc *time.Location, ref time.Time) time.Time {
	y, m, d := ref.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// StartOfYesterday returns local midnight one calendar day before the local
// date of ref.
func StartOfYesterday(loc *time.Location, ref time.Time) time.Time {
	return AddDays(StartOfDay(loc, ref), -1)
}

// StartOfWeek returns local midnight on the Monday that begins the week
// weeksAgo weeks before the local week containing ref. weeksAgo=0 is the
// current week's Monday, weeksAgo=1 last week's, and so on.
func StartOfWeek(loc *time.Location, ref time.Time, weeksAgo int) time.Time {
	day := StartOfDay(loc, ref)
	// time.Weekday counts Sunday=0; shift so Monday=0.
	back := (int(day.Weekday()) + 6) % 7
	monday := AddDays(day, -back)
	return AddDays(monday, -7*weeksAgo)
}

// AddDays moves t by n calendar days, preserving the wall clock. Crossing a
// DST transition changes the UTC offset, not the local time of day.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// LocalDate formats the calendar date of t in its own location as YYYY-MM-DD.
func LocalDate(t time.Time) string {
	return t.Format("2006-01-02")
}
