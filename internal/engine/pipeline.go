package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-logrca/internal/classifier"
	"github.com/miradorstack/mirador-logrca/internal/metrics"
	"github.com/miradorstack/mirador-logrca/internal/models"
)

// RecordSource returns the raw documents for a window.
type RecordSource interface {
	Fetch(ctx context.Context, window models.Window, filters models.Filters) ([]map[string]any, error)
}

// RecordNormalizer maps raw documents onto canonical records, skipping malformed ones.
type RecordNormalizer interface {
	NormalizeAll(raws []map[string]any) ([]models.LogRecord, int)
}

// Grouper classifies records and folds them into error groups.
type Grouper interface {
	Group(records []models.LogRecord) []models.ErrorGroup
}

// PatternDetector derives recurring signatures from groups.
type PatternDetector interface {
	Detect(ctx context.Context, runID string, groups []models.ErrorGroup) []models.Pattern
}

// RootCauseCorrelator ranks root-cause candidates.
type RootCauseCorrelator interface {
	Correlate(ctx context.Context, window models.Window, groups []models.ErrorGroup, patterns []models.Pattern) ([]models.RootCauseCandidate, error)
}

// SolutionSynthesizer produces remediation for ranked candidates.
type SolutionSynthesizer interface {
	SynthesizeAll(ctx context.Context, candidates []models.RootCauseCandidate) ([]models.Solution, error)
}

// ReportFormatter renders a result into a report.
type ReportFormatter interface {
	Format(result models.AnalysisResult) models.Report
}

// ReportDispatcher delivers a report.
type ReportDispatcher interface {
	Dispatch(ctx context.Context, report models.Report) error
}

// ResultStore persists run results keyed by runId.
type ResultStore interface {
	Save(ctx context.Context, result models.AnalysisResult) error
}

// PipelineDeps wires the stages of a Pipeline.
type PipelineDeps struct {
	Logger      *slog.Logger
	Source      RecordSource
	Normalizer  RecordNormalizer
	Grouper     Grouper
	Patterns    PatternDetector
	Correlator  RootCauseCorrelator
	Synthesizer SolutionSynthesizer
	Formatter   ReportFormatter
	Dispatcher  ReportDispatcher
	Store       ResultStore
	Now         func() time.Time
}

// Pipeline runs the analysis stages strictly in sequence and applies the degradation policy.
type Pipeline struct {
	logger      *slog.Logger
	source      RecordSource
	normalizer  RecordNormalizer
	grouper     Grouper
	patterns    PatternDetector
	correlator  RootCauseCorrelator
	synthesizer SolutionSynthesizer
	formatter   ReportFormatter
	dispatcher  ReportDispatcher
	store       ResultStore
	now         func() time.Time
}

// NewPipeline validates and wires the stages. Patterns, Correlator, Synthesizer, Dispatcher
// and Store are optional.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Source == nil {
		return nil, errors.New("pipeline: record source is required")
	}
	if deps.Normalizer == nil {
		return nil, errors.New("pipeline: normalizer is required")
	}
	if deps.Grouper == nil {
		return nil, errors.New("pipeline: grouper is required")
	}
	if deps.Formatter == nil {
		return nil, errors.New("pipeline: formatter is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		logger:      deps.Logger,
		source:      deps.Source,
		normalizer:  deps.Normalizer,
		grouper:     deps.Grouper,
		patterns:    deps.Patterns,
		correlator:  deps.Correlator,
		synthesizer: deps.Synthesizer,
		formatter:   deps.Formatter,
		dispatcher:  deps.Dispatcher,
		store:       deps.Store,
		now:         deps.Now,
	}, nil
}

// Run executes one analysis. The returned error is non-nil only for failed runs
// (*models.FetchError or models.ErrCancelled); degraded runs complete with flags set.
// The result is persisted in every case.
func (p *Pipeline) Run(ctx context.Context, req models.RunRequest) (models.AnalysisResult, error) {
	result := models.AnalysisResult{
		RunID:            req.RunID,
		Mode:             req.Mode,
		Window:           req.Window,
		Filters:          req.Filters,
		StartedAt:        p.now().UTC(),
		Groups:           []models.ErrorGroup{},
		Patterns:         []models.Pattern{},
		Candidates:       []models.RootCauseCandidate{},
		Solutions:        []models.Solution{},
		DegradationFlags: []models.DegradationFlag{},
	}
	logger := p.logger.With(slog.String("run_id", req.RunID))
	logger.Info("run started", slog.String("mode", string(req.Mode)), slog.String("window", req.Window.String()))

	if err := ctx.Err(); err != nil {
		return p.cancel(ctx, logger, &result, "fetch")
	}
	var raws []map[string]any
	err := p.stage("fetch", func() error {
		var err error
		raws, err = p.source.Fetch(ctx, req.Window, req.Filters)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return p.cancel(ctx, logger, &result, "fetch")
		}
		var fetchErr *models.FetchError
		if !errors.As(err, &fetchErr) {
			err = &models.FetchError{Attempts: 1, Err: err}
		}
		return p.fail(ctx, logger, &result, models.ReasonFetch, err)
	}
	result.RecordsFetched = len(raws)
	metrics.AddRecordsFetched(len(raws))

	if err := ctx.Err(); err != nil {
		return p.cancel(ctx, logger, &result, "normalize")
	}
	var records []models.LogRecord
	_ = p.stage("normalize", func() error {
		records, result.MalformedRecords = p.normalizer.NormalizeAll(raws)
		return nil
	})
	if result.MalformedRecords > 0 {
		logger.Warn("malformed records skipped", slog.Int("count", result.MalformedRecords))
	}

	if err := ctx.Err(); err != nil {
		return p.cancel(ctx, logger, &result, "classify")
	}
	if err := p.stage("classify", func() error {
		if groups := p.grouper.Group(records); groups != nil {
			result.Groups = groups
		}
		result.Statistics = classifier.Summarize(result.Groups)
		if p.patterns != nil {
			if patterns := p.patterns.Detect(ctx, req.RunID, result.Groups); patterns != nil {
				result.Patterns = patterns
			}
		}
		return nil
	}); err != nil {
		logger.Error("classification failed, continuing with the groups built so far",
			slog.Int("groups", len(result.Groups)), slog.Any("error", err))
	}

	if err := ctx.Err(); err != nil {
		return p.cancel(ctx, logger, &result, "correlate")
	}
	if p.correlator != nil {
		err := p.stage("correlate", func() error {
			candidates, err := p.correlator.Correlate(ctx, req.Window, result.Groups, result.Patterns)
			if err == nil && candidates != nil {
				result.Candidates = candidates
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return p.cancel(ctx, logger, &result, "correlate")
			}
			logger.Error("correlation failed, continuing without root causes", slog.Any("error", err))
			result.Candidates = []models.RootCauseCandidate{}
			p.degrade(&result, models.FlagRCASkipped)
		}
	}

	if err := ctx.Err(); err != nil {
		return p.cancel(ctx, logger, &result, "synthesize")
	}
	if p.synthesizer != nil && len(result.Candidates) > 0 {
		err := p.stage("synthesize", func() error {
			solutions, err := p.synthesizer.SynthesizeAll(ctx, result.Candidates)
			if err == nil && solutions != nil {
				result.Solutions = solutions
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return p.cancel(ctx, logger, &result, "synthesize")
			}
			logger.Error("solution synthesis failed, continuing without solutions", slog.Any("error", err))
			result.Solutions = []models.Solution{}
			p.degrade(&result, models.FlagSolutionSkipped)
		}
	}

	result.BestPractices = BestPractices(result.Groups)

	if err := ctx.Err(); err != nil {
		return p.cancel(ctx, logger, &result, "dispatch")
	}
	result.Status = models.StatusCompleted
	switch {
	case req.NoEmail:
		logger.Info("email dispatch disabled for this run")
	case p.dispatcher == nil:
		logger.Warn("no dispatcher configured, deferring report")
		p.degrade(&result, models.FlagEmailDeferred)
	default:
		report := p.formatter.Format(result)
		err := p.stage("dispatch", func() error {
			return p.dispatcher.Dispatch(ctx, report)
		})
		if err != nil {
			logger.Error("report delivery failed, result kept for resend", slog.Any("error", err))
			p.degrade(&result, models.FlagEmailDeferred)
		} else {
			result.EmailSent = true
		}
	}

	result.FinishedAt = p.now().UTC()
	p.persist(ctx, logger, result)
	logger.Info("run completed",
		slog.Int("records", result.RecordsFetched),
		slog.Int("groups", len(result.Groups)),
		slog.Int("candidates", len(result.Candidates)),
		slog.Int("solutions", len(result.Solutions)),
		slog.Any("flags", result.DegradationFlags),
	)
	return result, nil
}

// stage times fn and converts panics into errors so one stage cannot crash the run.
func (p *Pipeline) stage(name string, fn func() error) (err error) {
	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s stage panic: %v", name, r)
			switch name {
			case "correlate":
				err = &models.CorrelationError{Err: err}
			case "synthesize":
				err = &models.SynthesisError{Err: err}
			}
		}
		metrics.ObserveStage(name, p.now().Sub(start))
	}()
	return fn()
}

func (p *Pipeline) degrade(result *models.AnalysisResult, flag models.DegradationFlag) {
	result.AddFlag(flag)
	metrics.IncDegradation(string(flag))
}

func (p *Pipeline) cancel(ctx context.Context, logger *slog.Logger, result *models.AnalysisResult, stage string) (models.AnalysisResult, error) {
	logger.Warn("run cancelled", slog.String("before_stage", stage))
	return p.fail(ctx, logger, result, models.ReasonCancelled, fmt.Errorf("%w before %s", models.ErrCancelled, stage))
}

func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, result *models.AnalysisResult, reason string, err error) (models.AnalysisResult, error) {
	result.Status = models.StatusFailed
	result.FailureReason = reason
	result.Error = err.Error()
	result.FinishedAt = p.now().UTC()
	logger.Error("run failed", slog.String("reason", reason), slog.Any("error", err))
	p.persist(ctx, logger, *result)
	return *result, err
}

func (p *Pipeline) persist(ctx context.Context, logger *slog.Logger, result models.AnalysisResult) {
	if p.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.store.Save(saveCtx, result); err != nil {
		logger.Error("persist result failed", slog.Any("error", err))
	}
}
