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

// DurationSeconds converts a pair of timestamps into whole seconds,
// swapping the bounds when they arrive reversed.
func DurationSeconds(start, end time.Time) int64 {
	if end.Before(start) {
		start, end = end, start
	}
	return int64(end.Sub(start).Seconds())
}

// ClampUnit clips v into [0,1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
