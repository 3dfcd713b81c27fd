package services

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Component health states.
const (
	HealthHealthy       = "healthy"
	HealthUnhealthy     = "unhealthy"
	HealthNotConfigured = "not_configured"
)

// Pinger is implemented by collaborators that can be probed without running an analysis.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe names a collaborator to check; a nil Pinger reports not_configured.
type Probe struct {
	Name   string
	Pinger Pinger
}

// ComponentHealth is the probe outcome of one collaborator.
type ComponentHealth struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// HealthReport aggregates component probes.
type HealthReport struct {
	Status     string            `json:"status"`
	RunState   string            `json:"runState"`
	CheckedAt  time.Time         `json:"checkedAt"`
	Components []ComponentHealth `json:"components"`
}

// Healthy reports whether no configured collaborator failed its probe.
func (r HealthReport) Healthy() bool { return r.Status == HealthHealthy }

const probeTimeout = 10 * time.Second

// Health probes every collaborator concurrently.
func (s *RunService) Health(ctx context.Context) HealthReport {
	components := make([]ComponentHealth, len(s.probes))

	var g errgroup.Group
	for i, probe := range s.probes {
		i, probe := i, probe
		g.Go(func() error {
			components[i] = s.probe(ctx, probe)
			return nil
		})
	}
	_ = g.Wait()

	state, _ := s.State()
	report := HealthReport{Status: HealthHealthy, RunState: string(state), CheckedAt: s.now().UTC(), Components: components}
	for _, c := range components {
		if c.Status == HealthUnhealthy {
			report.Status = HealthUnhealthy
		}
	}
	return report
}

func (s *RunService) probe(ctx context.Context, probe Probe) ComponentHealth {
	if probe.Pinger == nil {
		return ComponentHealth{Name: probe.Name, Status: HealthNotConfigured}
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := s.now()
	err := probe.Pinger.Ping(pctx)
	health := ComponentHealth{Name: probe.Name, Status: HealthHealthy, LatencyMS: s.now().Sub(start).Milliseconds()}
	if err != nil {
		health.Status = HealthUnhealthy
		health.Error = err.Error()
		s.logger.Warn("health probe failed", slog.String("component", probe.Name), slog.Any("error", err))
	}
	return health
}
