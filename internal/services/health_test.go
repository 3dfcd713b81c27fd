package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthAggregatesProbes(t *testing.T) {
	svc := NewRunService(nil, nil, RunServiceOptions{Probes: []Probe{
		{Name: "search", Pinger: pingerFunc(func(context.Context) error { return nil })},
		{Name: "ai"},
		{Name: "mail", Pinger: pingerFunc(func(context.Context) error { return nil })},
	}})

	report := svc.Health(context.Background())
	assert.True(t, report.Healthy())
	require.Len(t, report.Components, 3)
	assert.Equal(t, "search", report.Components[0].Name)
	assert.Equal(t, HealthHealthy, report.Components[0].Status)
	assert.Equal(t, HealthNotConfigured, report.Components[1].Status)
	assert.Equal(t, "Idle", report.RunState)
}

func TestHealthReportsUnhealthyComponent(t *testing.T) {
	svc := NewRunService(nil, nil, RunServiceOptions{Probes: []Probe{
		{Name: "search", Pinger: pingerFunc(func(context.Context) error { return errors.New("connection refused") })},
		{Name: "mail", Pinger: pingerFunc(func(context.Context) error { return nil })},
	}})

	report := svc.Health(context.Background())
	assert.False(t, report.Healthy())
	assert.Equal(t, HealthUnhealthy, report.Components[0].Status)
	assert.Equal(t, "connection refused", report.Components[0].Error)
	assert.Equal(t, HealthHealthy, report.Components[1].Status)
}
