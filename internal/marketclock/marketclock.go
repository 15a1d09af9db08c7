// Package marketclock provides Eastern-time session math shared by the
// trading cycles, policy accounting, and the backtest.
package marketclock

import (
	"sync"
	"time"
)

// Regular session bounds, minutes from midnight ET.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0
)

var (
	easternOnce sync.Once
	easternLoc  *time.Location
)

// Eastern returns the America/New_York location, falling back to a fixed
// EST offset when the zone database is unavailable.
func Eastern() *time.Location {
	easternOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("EST", -5*3600)
		}
		easternLoc = loc
	})
	return easternLoc
}

// SessionOpen returns 09:30 ET on t's date.
func SessionOpen(t time.Time) time.Time {
	et := t.In(Eastern())
	return time.Date(et.Year(), et.Month(), et.Day(), OpenHour, OpenMinute, 0, 0, Eastern())
}

// SessionClose returns 16:00 ET on t's date.
func SessionClose(t time.Time) time.Time {
	et := t.In(Eastern())
	return time.Date(et.Year(), et.Month(), et.Day(), CloseHour, CloseMinute, 0, 0, Eastern())
}

// InSession reports whether t is an ET weekday within [09:30, 16:00).
func InSession(t time.Time) bool {
	et := t.In(Eastern())
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !et.Before(SessionOpen(t)) && et.Before(SessionClose(t))
}

// MinutesSinceOpen is negative before the bell.
func MinutesSinceOpen(t time.Time) int {
	return int(t.Sub(SessionOpen(t)) / time.Minute)
}

// MinutesToClose is negative after the bell.
func MinutesToClose(t time.Time) int {
	return int(SessionClose(t).Sub(t) / time.Minute)
}

// DateString returns t's ET calendar date, used for daily rollovers.
func DateString(t time.Time) string {
	return t.In(Eastern()).Format("2006-01-02")
}
