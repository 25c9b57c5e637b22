package util

import (
	"fmt"
	"time"
)

func AddTimeToDate(date time.Time, sourceTime time.Time) time.Time {
	newDateTime := time.Date(date.Year(), date.Month(), date.Day(), sourceTime.Hour(), sourceTime.Minute(), sourceTime.Second(), sourceTime.Nanosecond(), date.Location())

	return newDateTime
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS and returns the time on the zero date
func ParseTimeOfDay(value string) (time.Time, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid time of day %q", value)
}
