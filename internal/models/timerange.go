package models

import (
	"fmt"
	"strings"
	"time"
)

// TimeRange bounds a telemetry query. Both ends are inclusive.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

var namedRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// ParseRange turns a dashboard range selector ("1h", "6h", "24h", "7d") or any Go duration
// into a TimeRange ending at now.
func ParseRange(value string, now time.Time) (TimeRange, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		value = "24h"
	}
	d, ok := namedRanges[value]
	if !ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return TimeRange{}, fmt.Errorf("invalid range %q", value)
		}
		d = parsed
	}
	if d <= 0 {
		return TimeRange{}, fmt.Errorf("range must be positive, got %q", value)
	}
	return TimeRange{Start: now.Add(-d), End: now}, nil
}
