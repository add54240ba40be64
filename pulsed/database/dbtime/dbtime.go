package dbtime

import "time"

// Now returns a standardized timezone used for database resources.
func Now() time.Time {
	return Time(time.Now().UTC())
}

// Time returns a time compatible with Postgres. Postgres only stores
// dates with microsecond precision.
func Time(t time.Time) time.Time {
	return t.Round(time.Microsecond)
}

// StartOfDay truncates t to UTC midnight. Checkpoint scopes are keyed
// by day, so every writer must normalize through this before touching
// the store.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
