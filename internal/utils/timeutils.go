package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-logrca/internal/models"
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
	return t.UTC(), nil
}

// ParseClock parses an HH:MM wall-clock time.
func ParseClock(value string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock %q: want HH:MM", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}

// WindowFromHours returns the window covering the last hours up to now.
func WindowFromHours(now time.Time, hours int) (models.Window, error) {
	if hours <= 0 {
		return models.Window{}, fmt.Errorf("hours must be positive, got %d", hours)
	}
	end := now.UTC()
	return models.Window{Start: end.Add(-time.Duration(hours) * time.Hour), End: end}, nil
}

// ParseWindow builds a window from explicit ISO8601 bounds.
func ParseWindow(start, end string) (models.Window, error) {
	s, err := ParseRFC3339(start)
	if err != nil {
		return models.Window{}, fmt.Errorf("start: %w", err)
	}
	e, err := ParseRFC3339(end)
	if err != nil {
		return models.Window{}, fmt.Errorf("end: %w", err)
	}
	if !s.Before(e) {
		return models.Window{}, fmt.Errorf("start %s must be before end %s", start, end)
	}
	return models.Window{Start: s, End: e}, nil
}
