package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-logrca/internal/cache"
	"github.com/miradorstack/mirador-logrca/internal/engine"
	"github.com/miradorstack/mirador-logrca/internal/metrics"
	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/utils"
)

// Runner executes a single analysis run.
type Runner interface {
	Run(ctx context.Context, req models.RunRequest) (models.AnalysisResult, error)
}

// ResultRepository persists and retrieves run results.
type ResultRepository interface {
	Save(ctx context.Context, result models.AnalysisResult) error
	Load(ctx context.Context, runID string) (models.AnalysisResult, error)
}

// RunLockKey is the distributed single-flight key shared by processes using the same cache.
var RunLockKey = cache.Key("run-lock")

// RunServiceOptions wires the optional collaborators of a RunService.
type RunServiceOptions struct {
	Store      ResultRepository
	Formatter  engine.ReportFormatter
	Dispatcher engine.ReportDispatcher
	Lock       cache.Provider
	LockTTL    time.Duration
	Probes     []Probe
	Now        func() time.Time
}

// RunService owns the process-wide RunState and guarantees single-flight execution.
type RunService struct {
	logger     *slog.Logger
	runner     Runner
	store      ResultRepository
	formatter  engine.ReportFormatter
	dispatcher engine.ReportDispatcher
	lock       cache.Provider
	lockTTL    time.Duration
	probes     []Probe
	now        func() time.Time
	latencies  *utils.LatencyTracker

	mu          sync.Mutex
	state       models.RunState
	activeRunID string
	cancel      context.CancelFunc
	last        *models.AnalysisResult
}

// NewRunService constructs the orchestrator facade.
func NewRunService(logger *slog.Logger, runner Runner, opts RunServiceOptions) *RunService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Hour
	}
	return &RunService{
		logger:     logger,
		runner:     runner,
		store:      opts.Store,
		formatter:  opts.Formatter,
		dispatcher: opts.Dispatcher,
		lock:       opts.Lock,
		lockTTL:    opts.LockTTL,
		probes:     opts.Probes,
		now:        opts.Now,
		latencies:  utils.NewLatencyTracker(256),
		state:      models.RunStateIdle,
	}
}

// Trigger runs the pipeline synchronously. It fails fast with models.ErrRunInProgress when
// another run is active in this process or, with a shared lock, in another process.
func (s *RunService) Trigger(ctx context.Context, req models.RunRequest) (models.AnalysisResult, error) {
	claim, err := s.claim(ctx, req)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	defer claim.cancel()
	return s.execute(claim)
}

// Start claims the run slot synchronously and executes the run in the background. The
// returned run id can be polled through Result once the run finishes.
func (s *RunService) Start(ctx context.Context, req models.RunRequest) (string, error) {
	claim, err := s.claim(context.WithoutCancel(ctx), req)
	if err != nil {
		return "", err
	}
	go func() {
		defer claim.cancel()
		if _, err := s.execute(claim); err != nil {
			s.logger.Error("background run failed", slog.String("run_id", claim.req.RunID), slog.Any("error", err))
		}
	}()
	return claim.req.RunID, nil
}

type runClaim struct {
	req    models.RunRequest
	ctx    context.Context
	cancel context.CancelFunc
	locked bool
}

func (s *RunService) claim(ctx context.Context, req models.RunRequest) (runClaim, error) {
	if s.runner == nil {
		return runClaim{}, utils.NewAppError("trigger", "pipeline not configured", nil)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.begin(req.RunID, cancel); err != nil {
		cancel()
		return runClaim{}, err
	}
	locked, err := s.acquireLock(ctx, req.RunID)
	if err != nil {
		s.finish(nil)
		cancel()
		return runClaim{}, err
	}
	return runClaim{req: req, ctx: runCtx, cancel: cancel, locked: locked}, nil
}

func (s *RunService) execute(claim runClaim) (models.AnalysisResult, error) {
	req := claim.req
	start := s.now()
	result, runErr := s.runner.Run(claim.ctx, req)
	duration := s.now().Sub(start)

	if claim.locked {
		s.releaseLock(req.RunID)
	}

	s.latencies.Observe(duration)
	if runErr != nil || result.Status == models.StatusFailed {
		metrics.ObserveRun(duration, metrics.OutcomeFailed)
		s.finish(&result)
		if runErr == nil {
			runErr = errors.New(result.Error)
		}
		return result, utils.NewAppError("run", fmt.Sprintf("run %s failed (%s)", req.RunID, result.FailureReason), runErr)
	}

	metrics.ObserveRun(duration, metrics.OutcomeCompleted)
	s.finish(&result)
	if count := s.latencies.Count(); count >= 5 && count%5 == 0 {
		s.logger.Info("run latency p95", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return result, nil
}

func (s *RunService) begin(runID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.RunStateRunning {
		metrics.ObserveRun(0, metrics.OutcomeRejected)
		s.logger.Warn("run rejected, another run is active",
			slog.String("run_id", runID), slog.String("active_run_id", s.activeRunID))
		return fmt.Errorf("%w: %s", models.ErrRunInProgress, s.activeRunID)
	}
	s.state = models.RunStateRunning
	s.activeRunID = runID
	s.cancel = cancel
	return nil
}

// finish records the terminal result and tears the run down to Idle.
func (s *RunService) finish(result *models.AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result != nil {
		copied := *result
		s.last = &copied
		s.logger.Info("run finished", slog.String("run_id", result.RunID), slog.String("status", string(result.Status)))
	}
	s.state = models.RunStateIdle
	s.activeRunID = ""
	s.cancel = nil
}

func (s *RunService) acquireLock(ctx context.Context, runID string) (bool, error) {
	if s.lock == nil {
		return false, nil
	}
	ok, err := s.lock.SetNX(ctx, RunLockKey, []byte(runID), s.lockTTL)
	if err != nil {
		s.logger.Warn("distributed run lock unavailable, continuing with local guard", slog.Any("error", err))
		return false, nil
	}
	if !ok {
		metrics.ObserveRun(0, metrics.OutcomeRejected)
		holder, _ := s.lock.Get(ctx, RunLockKey)
		s.logger.Warn("run rejected, lock held by another process", slog.String("run_id", runID), slog.String("holder", string(holder)))
		return false, fmt.Errorf("%w: %s", models.ErrRunInProgress, string(holder))
	}
	return true, nil
}

func (s *RunService) releaseLock(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	holder, err := s.lock.Get(ctx, RunLockKey)
	if err != nil || string(holder) != runID {
		return
	}
	if err := s.lock.Del(ctx, RunLockKey); err != nil {
		s.logger.Warn("release run lock failed", slog.Any("error", err))
	}
}

// Cancel aborts the active run at its next stage boundary. It reports whether a run was active.
func (s *RunService) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.RunStateRunning || s.cancel == nil {
		return false
	}
	s.logger.Warn("cancelling active run", slog.String("run_id", s.activeRunID))
	s.cancel()
	return true
}

// State returns the current RunState and the active run id, if any.
func (s *RunService) State() (models.RunState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.activeRunID
}

// LastResult returns the most recent terminal result seen by this process.
func (s *RunService) LastResult() (models.AnalysisResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return models.AnalysisResult{}, false
	}
	return *s.last, true
}

// Result loads a persisted run, falling back to the in-memory last result.
func (s *RunService) Result(ctx context.Context, runID string) (models.AnalysisResult, error) {
	if last, ok := s.LastResult(); ok && last.RunID == runID {
		return last, nil
	}
	if s.store == nil {
		return models.AnalysisResult{}, utils.NewAppError("result", "result store not configured", nil)
	}
	result, err := s.store.Load(ctx, runID)
	if err != nil {
		return models.AnalysisResult{}, utils.NewAppError("result", "load run "+runID, err)
	}
	return result, nil
}

// Resend re-delivers the report of a persisted completed run. The delivery is saved as a new
// result with EMAIL_DEFERRED cleared and ResendOf pointing at the original run.
func (s *RunService) Resend(ctx context.Context, runID string) (models.AnalysisResult, error) {
	if s.store == nil || s.formatter == nil || s.dispatcher == nil {
		return models.AnalysisResult{}, utils.NewAppError("resend", "store, formatter and dispatcher are required", nil)
	}
	result, err := s.store.Load(ctx, runID)
	if err != nil {
		return models.AnalysisResult{}, utils.NewAppError("resend", "load run "+runID, err)
	}
	if result.Status != models.StatusCompleted {
		return result, utils.NewAppError("resend", fmt.Sprintf("run %s did not complete", runID), nil)
	}

	if err := s.dispatcher.Dispatch(ctx, s.formatter.Format(result)); err != nil {
		return result, utils.NewAppError("resend", "deliver report", err)
	}

	// The original document stays as persisted; the delivery is recorded as a new copy.
	resentAt := s.now().UTC()
	resent := result
	resent.ResendOf = runID
	if result.ResendOf != "" {
		resent.ResendOf = result.ResendOf
	}
	resent.RunID = fmt.Sprintf("%s-resend-%d", resent.ResendOf, resentAt.Unix())
	resent.ResentAt = &resentAt
	resent.EmailSent = true
	resent.RemoveFlag(models.FlagEmailDeferred)
	if err := s.store.Save(ctx, resent); err != nil {
		return resent, utils.NewAppError("resend", "persist resent run", err)
	}
	s.logger.Info("report resent", slog.String("run_id", runID), slog.String("resend_id", resent.RunID))
	return resent, nil
}
