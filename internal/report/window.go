// Package report holds the cadence model and the due-window calculator: the
// calendar logic deciding which time interval a user's next report covers
// and whether that interval has fully elapsed in the user's own timezone.
package report

import (
	"time"

	"github.com/vvaswani/sugar/internal/tzdate"
)

// Window is the half-open UTC interval [StartUTC, EndUTC) a report
// summarizes, derived from calendar boundaries in the user's zone.
type Window struct {
	UserID   int64
	Cadence  Cadence
	StartUTC time.Time
	EndUTC   time.Time

	// LocalDate is the local calendar date of the window start
	// (YYYY-MM-DD). Together with UserID and Cadence it forms the report's
	// idempotency key.
	LocalDate string
}

// Task is the unit of work dispatched to the report consumer. It carries the
// same resolved window and travels as a queue message, so redelivery of the
// same Task must stay safe.
type Task struct {
	UserID    int64     `json:"user_id"`
	Cadence   Cadence   `json:"cadence"`
	StartUTC  time.Time `json:"start_utc"`
	EndUTC    time.Time `json:"end_utc"`
	LocalDate string    `json:"local_date"`
}

// TaskFor converts a computed window into its queue message.
func TaskFor(w Window) Task {
	return Task{
		UserID:    w.UserID,
		Cadence:   w.Cadence,
		StartUTC:  w.StartUTC,
		EndUTC:    w.EndUTC,
		LocalDate: w.LocalDate,
	}
}

// DailyWindow computes the daily report window for a user: their local
// "yesterday" as a full calendar day. The second result is false while the
// user's local clock has not yet reached the end of that day, i.e. the
// window has not fully elapsed.
//
// An unknown timezone returns tzdate.ErrInvalidTimezone; callers are
// expected to skip the user and keep going.
func DailyWindow(userID int64, tz string, nowUTC time.Time) (Window, bool, error) {
	loc, err := tzdate.LoadZone(tz)
	if err != nil {
		return Window{}, false, err
	}

	localStart := tzdate.StartOfYesterday(loc, nowUTC)
	localEnd := tzdate.AddDays(localStart, 1)

	if nowUTC.In(loc).Before(localEnd) {
		return Window{}, false, nil
	}

	return Window{
		UserID:    userID,
		Cadence:   CadenceDaily,
		StartUTC:  localStart.UTC(),
		EndUTC:    localEnd.UTC(),
		LocalDate: tzdate.LocalDate(localStart),
	}, true, nil
}

// WeeklyWindow computes the weekly report window for a user: seven local
// days starting on the Monday two weeks before the current local week. By
// the time the weekly cadence fires that week has always fully elapsed, so
// there is no eligibility check.
func WeeklyWindow(userID int64, tz string, nowUTC time.Time) (Window, error) {
	loc, err := tzdate.LoadZone(tz)
	if err != nil {
		return Window{}, err
	}

	localStart := tzdate.StartOfWeek(loc, nowUTC, 2)
	localEnd := tzdate.AddDays(localStart, 7)

	return Window{
		UserID:    userID,
		Cadence:   CadenceWeekly,
		StartUTC:  localStart.UTC(),
		EndUTC:    localEnd.UTC(),
		LocalDate: tzdate.LocalDate(localStart),
	}, nil
}

// WindowFor dispatches on cadence. The bool mirrors DailyWindow eligibility;
// weekly windows are always eligible.
func WindowFor(c Cadence, userID int64, tz string, nowUTC time.Time) (Window, bool, error) {
	switch c {
	case CadenceWeekly:
		w, err := WeeklyWindow(userID, tz, nowUTC)
		return w, err == nil, err
	default:
		return DailyWindow(userID, tz, nowUTC)
	}
}
