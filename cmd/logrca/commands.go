package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-logrca/internal/config"
	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/utils"
)

type rootOptions struct {
	configPath string
	out        io.Writer
	now        func() time.Time
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out, now: time.Now}
	root := &cobra.Command{
		Use:           "logrca",
		Short:         "Analyse error logs, rank root causes and mail a daily report",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults to $LOGRCA_CONFIG)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: err}
	})
	root.AddCommand(newRunCmd(opts), newResendCmd(opts), newHealthCmd(opts))
	return root
}

type runFlags struct {
	mode         string
	hours        int
	hoursSet     bool
	start        string
	end          string
	services     []string
	severities   []string
	environment  string
	healthCheck  bool
	scheduleTime string
	noEmail      bool
	jsonOutput   bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one analysis now, or start the daily scheduler",
		Example: `  logrca run --mode manual --hours 6 --service payments
  logrca run --mode manual --start 2024-05-01T00:00:00Z --end 2024-05-01T12:00:00Z --no-email
  logrca run --mode scheduled --schedule-time 03:30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flags.validate(cmd); err != nil {
				return err
			}
			app, err := opts.load()
			if err != nil {
				return err
			}
			defer closeApp(app)

			if flags.healthCheck {
				return printHealth(cmd.Context(), opts.out, app)
			}
			if flags.mode == string(models.ModeScheduled) {
				return serveScheduled(cmd.Context(), app, flags)
			}
			return runManual(cmd.Context(), opts, app, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.mode, "mode", string(models.ModeManual), "Run mode: scheduled or manual")
	f.IntVar(&flags.hours, "hours", 24, "Analyse the trailing N hours")
	f.StringVar(&flags.start, "start", "", "Window start (RFC3339), requires --end")
	f.StringVar(&flags.end, "end", "", "Window end (RFC3339), requires --start")
	f.StringSliceVar(&flags.services, "service", nil, "Restrict to service (repeatable)")
	f.StringSliceVar(&flags.severities, "severity", nil, "Comma-separated severities (default from config)")
	f.StringVar(&flags.environment, "environment", "", "Restrict to deployment environment")
	f.BoolVar(&flags.healthCheck, "health-check", false, "Probe collaborators and exit")
	f.StringVar(&flags.scheduleTime, "schedule-time", "", "Daily run time HH:MM for scheduled mode")
	f.BoolVar(&flags.noEmail, "no-email", false, "Skip mail delivery")
	f.BoolVar(&flags.jsonOutput, "json", false, "Print the full result as JSON")
	return cmd
}

func (f *runFlags) validate(cmd *cobra.Command) error {
	mode := models.RunMode(strings.ToLower(strings.TrimSpace(f.mode)))
	if mode != models.ModeManual && mode != models.ModeScheduled {
		return usageError("invalid --mode %q: want scheduled or manual", f.mode)
	}
	f.mode = string(mode)

	f.hoursSet = cmd.Flags().Changed("hours")
	windowSet := f.start != "" || f.end != ""
	switch {
	case f.hoursSet && windowSet:
		return usageError("--hours cannot be combined with --start/--end")
	case (f.start == "") != (f.end == ""):
		return usageError("--start and --end must be given together")
	case f.hours <= 0:
		return usageError("--hours must be positive, got %d", f.hours)
	case mode == models.ModeScheduled && windowSet:
		return usageError("scheduled mode analyses a trailing window; use --hours")
	}
	if windowSet {
		if _, err := utils.ParseWindow(f.start, f.end); err != nil {
			return usageError("invalid window: %v", err)
		}
	}
	if f.scheduleTime != "" {
		if _, _, err := utils.ParseClock(f.scheduleTime); err != nil {
			return usageError("invalid --schedule-time: %v", err)
		}
	}
	return nil
}

func (f *runFlags) filters() models.Filters {
	return models.Filters{Services: f.services, Severities: f.severities, Environment: f.environment}
}

// request builds a manual run request; validate must have passed.
func (f *runFlags) request(now time.Time) (models.RunRequest, error) {
	var (
		window models.Window
		err    error
	)
	if f.start != "" {
		window, err = utils.ParseWindow(f.start, f.end)
	} else {
		window, err = utils.WindowFromHours(now, f.hours)
	}
	if err != nil {
		return models.RunRequest{}, usageError("%v", err)
	}
	return models.RunRequest{Mode: models.ModeManual, Window: window, Filters: f.filters(), NoEmail: f.noEmail}, nil
}

func (o *rootOptions) load() (*application, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	logger, logCloser := utils.NewLoggerWithFile(cfg.Logging.Level, cfg.Logging.JSON, utils.FileSink{
		Path:       cfg.Logging.File.Path,
		MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
		MaxBackups: cfg.Logging.File.MaxBackups,
		MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		Compress:   cfg.Logging.File.Compress,
	})
	slog.SetDefault(logger)

	app, err := newApplication(cfg, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, &exitError{code: exitFailed, err: err}
	}
	app.closers = append([]io.Closer{logCloser}, app.closers...)
	return app, nil
}

func closeApp(app *application) {
	if err := app.Close(); err != nil {
		app.logger.Warn("shutdown cleanup failed", slog.Any("error", err))
	}
}

func runManual(ctx context.Context, opts *rootOptions, app *application, flags *runFlags) error {
	req, err := flags.request(opts.now())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := app.runs.Trigger(ctx, req)
	if errors.Is(err, models.ErrRunInProgress) {
		return &exitError{code: exitUsage, err: err}
	}
	if result.RunID != "" {
		if flags.jsonOutput {
			if encErr := writeJSON(opts.out, result); encErr != nil {
				return encErr
			}
		} else {
			printSummary(opts.out, result, app.results.Path(result.RunID))
		}
	}
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	return nil
}

func newResendCmd(opts *rootOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Re-deliver the report of a persisted run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(runID) == "" {
				return usageError("--run-id is required")
			}
			app, err := opts.load()
			if err != nil {
				return err
			}
			defer closeApp(app)

			result, err := app.runs.Resend(cmd.Context(), runID)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			fmt.Fprintf(opts.out, "Report for run %s resent at %s, recorded as %s\n", result.ResendOf, result.ResentAt.Format(time.RFC3339), result.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to resend")
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe collaborators and print their status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.load()
			if err != nil {
				return err
			}
			defer closeApp(app)
			return printHealth(cmd.Context(), opts.out, app)
		},
	}
}

func printHealth(ctx context.Context, out io.Writer, app *application) error {
	report := app.runs.Health(ctx)
	if err := writeJSON(out, report); err != nil {
		return err
	}
	if !report.Healthy() {
		return &exitError{code: exitFailed}
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func printSummary(out io.Writer, result models.AnalysisResult, path string) {
	fmt.Fprintf(out, "Run %s %s (%s)\n", result.RunID, result.Status, result.Mode)
	fmt.Fprintf(out, "Window:     %s\n", result.Window)
	if result.Status == models.StatusFailed {
		fmt.Fprintf(out, "Failure:    %s: %s\n", result.FailureReason, result.Error)
	}
	fmt.Fprintf(out, "Records:    %d fetched, %d malformed\n", result.RecordsFetched, result.MalformedRecords)
	fmt.Fprintf(out, "Groups:     %d (%d errors)\n", len(result.Groups), result.TotalErrors())
	fmt.Fprintf(out, "Patterns:   %d\n", len(result.Patterns))
	fmt.Fprintf(out, "Candidates: %d\n", len(result.Candidates))
	if len(result.Candidates) > 0 {
		top := result.Candidates[0]
		fmt.Fprintf(out, "Top cause:  %s (%.0f%%, %s)\n", top.Description, top.Confidence*100, top.Source)
	}
	fmt.Fprintf(out, "Solutions:  %d\n", len(result.Solutions))
	if len(result.DegradationFlags) > 0 {
		flags := make([]string, len(result.DegradationFlags))
		for i, f := range result.DegradationFlags {
			flags[i] = string(f)
		}
		fmt.Fprintf(out, "Degraded:   %s\n", strings.Join(flags, ", "))
	}
	fmt.Fprintf(out, "Email sent: %t\n", result.EmailSent)
	fmt.Fprintf(out, "Result:     %s\n", path)
}
