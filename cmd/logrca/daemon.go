package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-logrca/internal/api"
	"github.com/miradorstack/mirador-logrca/internal/scheduler"
)

const healthRefreshInterval = 30 * time.Second

// serveScheduled runs the daily scheduler and the probe/admin listeners until SIGINT or SIGTERM.
func serveScheduled(parent context.Context, app *application, flags *runFlags) error {
	cfg := app.cfg
	logger := app.logger

	scheduleTime := cfg.Schedule.Time
	if flags.scheduleTime != "" {
		scheduleTime = flags.scheduleTime
	}
	hours := cfg.Schedule.Hours
	if flags.hoursSet {
		hours = flags.hours
	}
	loc := time.UTC
	if cfg.Schedule.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			return &exitError{code: exitUsage, err: fmt.Errorf("schedule timezone: %w", err)}
		}
	}

	sched, err := scheduler.New(logger, app.runs, scheduler.Options{
		Time:     scheduleTime,
		Location: loc,
		Hours:    hours,
		Filters:  flags.filters(),
		NoEmail:  flags.noEmail,
	})
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var grpcServer *api.Server
	if cfg.Server.GRPCAddress != "" {
		if grpcServer, err = api.NewServer(logger, cfg.Server); err != nil {
			return &exitError{code: exitFailed, err: err}
		}
		g.Go(func() error {
			logger.Info("grpc health server listening", slog.String("address", grpcServer.Address()))
			return grpcServer.Start()
		})
		g.Go(func() error {
			grpcServer.WatchHealth(gctx, app.runs, healthRefreshInterval)
			return nil
		})
	}

	var httpServers []*http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServers = append(httpServers, &http.Server{
			Addr:              cfg.Server.HTTPAddress,
			Handler:           api.NewRouter(logger, app.runs, api.RouterOptions{DefaultHours: hours}),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpServers = append(httpServers, &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		})
	}
	for _, srv := range httpServers {
		srv := srv
		g.Go(func() error {
			logger.Info("http server listening", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("scheduler started",
			slog.String("spec", sched.Spec()),
			slog.String("timezone", loc.String()),
			slog.Int("hours", hours),
		)
		return sched.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		if app.runs.Cancel() {
			logger.Warn("active run cancelled for shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		if grpcServer != nil {
			grpcServer.Shutdown(shutdownCtx)
		}
		for _, srv := range httpServers {
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("http server shutdown", slog.String("address", srv.Addr), slog.Any("error", err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return &exitError{code: exitFailed, err: err}
	}
	logger.Info("logrca stopped")
	return nil
}
