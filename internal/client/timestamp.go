package client

import "time"

// FormatTimestamp renders t relative to now: the time of day for today, the
// weekday within the last week and the month and day otherwise.
func FormatTimestamp(t, now time.Time) string {
	t = t.In(now.Location())
	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	if ty == ny && tm == nm && td == nd {
		return t.Format("15:04")
	}
	if now.Sub(t) < 7*24*time.Hour && t.Before(now) {
		return t.Weekday().String()
	}
	return t.Format("Jan 2")
}
