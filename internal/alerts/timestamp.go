package alerts

import "time"

// millisecondThreshold separates second-based from millisecond-based epoch values.
// Second-based values stay below it until the year 33658.
const millisecondThreshold = int64(1_000_000_000_000)

// NormalizeTimestamp converts an epoch value expressed in seconds or milliseconds into milliseconds.
func NormalizeTimestamp(value int64) int64 {
	if value > 0 && value < millisecondThreshold {
		return value * 1000
	}
	return value
}

// Millis returns the millisecond epoch value for t.
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nowMillis() int64 {
	return Millis(time.Now())
}
