// utils/timeutil.go
package utils

import "time"

// Vietnam time location (ICT, +07:00). Business dates (coupon windows, receipt dates)
// are evaluated in this zone.
var vnLoc = func() *time.Location {
	if loc, err := time.LoadLocation("Asia/Ho_Chi_Minh"); err == nil {
		return loc
	}
	return time.FixedZone("ICT", 7*3600)
}()

func BusinessLocation() *time.Location { return vnLoc }

// Use explicit "seconds" variant for DB storage
func NowUnixSeconds() int64 { return time.Now().Unix() }

// StartOfDay truncates t to midnight of its calendar day in the business zone.
func StartOfDay(t time.Time) time.Time {
	t = t.In(vnLoc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, vnLoc)
}

// WithinDays reports whether day falls inside [from, until], compared by calendar date.
func WithinDays(day, from, until time.Time) bool {
	d := StartOfDay(day)
	return !d.Before(StartOfDay(from)) && !d.After(StartOfDay(until))
}

// Convert an epoch value in **seconds** to VN time.
// Returns zero time if t<=0 to let callers decide how to render.
func FromUnixSecondsVN(t int64) time.Time {
	if t <= 0 {
		return time.Time{}
	}
	return time.Unix(t, 0).In(vnLoc)
}

func FormatDisplayVN(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(vnLoc).Format("2006-01-02 15:04:05 -0700")
}
