// Package timestamp provides the microsecond clock used for datapoint
// timestamps.
//
// Datapoint timestamps are unsigned 64-bit microseconds since the Unix epoch.
// A timestamp of 0 on an incoming update means "not set"; the server replaces
// it with the current time.
package timestamp

import (
	"time"
)

// Clock returns the current datapoint time in microseconds.
type Clock func() uint64

// Now returns the current time as Unix microseconds.
func Now() uint64 {
	return uint64(time.Now().UnixMicro())
}

// System is the wall clock.
var System Clock = Now

// Fixed returns a Clock that always reports ts.
func Fixed(ts uint64) Clock {
	return func() uint64 { return ts }
}

// OrNow returns ts unless it is zero, in which case it returns clock().
func OrNow(ts uint64, clock Clock) uint64 {
	if ts != 0 {
		return ts
	}
	if clock == nil {
		clock = System
	}
	return clock()
}

// FromTime converts a time.Time to Unix microseconds.
func FromTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMicro())
}

// ToTime converts Unix microseconds to time.Time.
// Returns zero time if ts is 0.
func ToTime(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(ts))
}

// Format renders ts as RFC3339 with microseconds for logs.
// Returns empty string if ts is 0.
func Format(ts uint64) string {
	if ts == 0 {
		return ""
	}
	return ToTime(ts).UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}
