package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for _, d := range []time.Duration{10, 20, 30, 40, 50} {
		tracker.Observe(d * time.Millisecond)
	}

	require.Equal(t, 5, tracker.Count())
	assert.GreaterOrEqual(t, tracker.Percentile(95), 40*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, tracker.Percentile(0))
	assert.Equal(t, 50*time.Millisecond, tracker.Percentile(100))
}

func TestLatencyTrackerBoundedSize(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 0; i < 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	require.Equal(t, 3, tracker.Count())
	assert.Equal(t, 7*time.Millisecond, tracker.Percentile(0))
}

func TestLatencyTrackerEmpty(t *testing.T) {
	assert.Zero(t, NewLatencyTracker(0).Percentile(50))
}
