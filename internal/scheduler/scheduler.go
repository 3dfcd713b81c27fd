// Package scheduler fires the daily analysis run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/utils"
)

// Trigger starts a run; it must reject with models.ErrRunInProgress while another is active.
type Trigger interface {
	Trigger(ctx context.Context, req models.RunRequest) (models.AnalysisResult, error)
}

// Options configures the daily schedule.
type Options struct {
	Time     string
	Location *time.Location
	Hours    int
	Filters  models.Filters
	NoEmail  bool
	Now      func() time.Time
}

// Scheduler runs one analysis per day over the trailing window.
type Scheduler struct {
	logger  *slog.Logger
	runs    Trigger
	cron    *cron.Cron
	spec    string
	hours   int
	filters models.Filters
	noEmail bool
	loc     *time.Location
	now     func() time.Time
	ctx     context.Context
}

// New validates the options and registers the daily job.
func New(logger *slog.Logger, runs Trigger, opts Options) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runs == nil {
		return nil, errors.New("scheduler: trigger is required")
	}
	hour, minute, err := utils.ParseClock(opts.Time)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if opts.Hours <= 0 {
		return nil, fmt.Errorf("scheduler: hours must be positive, got %d", opts.Hours)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		logger:  logger,
		runs:    runs,
		spec:    fmt.Sprintf("%d %d * * *", minute, hour),
		hours:   opts.Hours,
		filters: opts.Filters,
		noEmail: opts.NoEmail,
		loc:     opts.Location,
		now:     opts.Now,
		ctx:     context.Background(),
	}
	cronLog := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := s.cron.AddFunc(s.spec, func() { s.Fire(s.ctx) }); err != nil {
		return nil, fmt.Errorf("scheduler: register job: %w", err)
	}
	return s, nil
}

// Spec returns the cron expression of the daily job.
func (s *Scheduler) Spec() string { return s.spec }

// Next returns the next fire time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(s.now().In(s.loc))
}

// Run starts the cron loop and blocks until ctx is done, then waits for an in-flight job.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", slog.String("spec", s.spec), slog.Time("next", s.Next()))
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Fire triggers one scheduled run over the trailing window. A run already in progress
// rejects the fire; it is logged and never queued.
func (s *Scheduler) Fire(ctx context.Context) {
	window, err := utils.WindowFromHours(s.now(), s.hours)
	if err != nil {
		s.logger.Error("scheduled run window invalid", slog.Any("error", err))
		return
	}
	req := models.RunRequest{Mode: models.ModeScheduled, Window: window, Filters: s.filters, NoEmail: s.noEmail}

	result, err := s.runs.Trigger(ctx, req)
	switch {
	case errors.Is(err, models.ErrRunInProgress):
		s.logger.Warn("scheduled run skipped, another run is active", slog.Any("error", err))
	case err != nil:
		s.logger.Error("scheduled run failed", slog.String("run_id", result.RunID), slog.Any("error", err))
	default:
		s.logger.Info("scheduled run completed",
			slog.String("run_id", result.RunID), slog.Any("flags", result.DegradationFlags))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
