package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("02:30")
	require.NoError(t, err)
	assert.Equal(t, 2, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"", "2", "24:00", "12:60", "ab:cd"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("2024-05-01T00:00:00Z", "2024-05-01T06:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, w.Duration())

	_, err = ParseWindow("2024-05-01T06:00:00Z", "2024-05-01T00:00:00Z")
	assert.Error(t, err)

	_, err = ParseWindow("yesterday", "2024-05-01T00:00:00Z")
	assert.Error(t, err)
}

func TestWindowFromHours(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w, err := WindowFromHours(now, 24)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), w.Start)
	assert.Equal(t, now, w.End)

	_, err = WindowFromHours(now, 0)
	assert.Error(t, err)
}
