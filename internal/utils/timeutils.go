package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// BucketStart returns the UTC start of the bucket containing ts.
func BucketStart(ts time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		return ts.UTC()
	}
	return ts.UTC().Truncate(bucket)
}

// Millis converts a duration to whole milliseconds, never negative.
func Millis(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// Clock returns now, or time.Now when now is nil.
func Clock(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
