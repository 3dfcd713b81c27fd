package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logrca/internal/classifier"
	"github.com/miradorstack/mirador-logrca/internal/dispatch"
	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/normalizer"
	"github.com/miradorstack/mirador-logrca/internal/patterns"
	"github.com/miradorstack/mirador-logrca/internal/retry"
)

type sourceFunc func(ctx context.Context, window models.Window, filters models.Filters) ([]map[string]any, error)

func (f sourceFunc) Fetch(ctx context.Context, window models.Window, filters models.Filters) ([]map[string]any, error) {
	return f(ctx, window, filters)
}

func staticSource(raws []map[string]any) sourceFunc {
	return func(context.Context, models.Window, models.Filters) ([]map[string]any, error) { return raws, nil }
}

type memoryStore struct {
	mu    sync.Mutex
	saved []models.AnalysisResult
	err   error
}

func (s *memoryStore) Save(ctx context.Context, result models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, result)
	return s.err
}

func (s *memoryStore) last(t *testing.T) models.AnalysisResult {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.saved)
	return s.saved[len(s.saved)-1]
}

type recordingMailer struct {
	mu      sync.Mutex
	calls   int
	err     error
	reports []models.Report
}

func (m *recordingMailer) Send(ctx context.Context, recipients []string, report models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.reports = append(m.reports, report)
	return nil
}

type panickingCorrelator struct{}

func (panickingCorrelator) Correlate(context.Context, models.Window, []models.ErrorGroup, []models.Pattern) ([]models.RootCauseCandidate, error) {
	panic("index out of range")
}

type panickingGrouper struct{}

func (panickingGrouper) Group([]models.LogRecord) []models.ErrorGroup {
	panic("nil rule")
}

type failingSynthesizer struct{}

func (failingSynthesizer) SynthesizeAll(context.Context, []models.RootCauseCandidate) ([]models.Solution, error) {
	return nil, &models.SynthesisError{Err: errors.New("rule table unavailable")}
}

type harness struct {
	deps   PipelineDeps
	store  *memoryStore
	mailer *recordingMailer
}

func newHarness(t *testing.T, raws []map[string]any, ai Completer) *harness {
	t.Helper()
	cls, err := classifier.New(nil, nil)
	require.NoError(t, err)
	rules, err := NewSolutionRules("", nil)
	require.NoError(t, err)

	corrOpts := DefaultCorrelatorOptions()
	corrOpts.AITimeout = 20 * time.Millisecond

	store := &memoryStore{}
	mailer := &recordingMailer{}
	return &harness{
		store:  store,
		mailer: mailer,
		deps: PipelineDeps{
			Source:      staticSource(raws),
			Normalizer:  normalizer.New(normalizer.DefaultFieldMappings()),
			Grouper:     cls,
			Patterns:    patterns.NewDetector(nil, patterns.DefaultOptions(), nil),
			Correlator:  NewCorrelator(nil, corrOpts, nil, ai),
			Synthesizer: NewSynthesizer(nil, rules, ai, SynthesizerOptions{AITimeout: 20 * time.Millisecond}),
			Formatter:   dispatch.NewFormatter(0),
			Dispatcher: dispatch.NewDispatcher(nil, mailer, []string{"oncall@example.com"},
				retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}, time.Second),
			Store: store,
		},
	}
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(h.deps)
	require.NoError(t, err)
	return p
}

func request(id string) models.RunRequest {
	return models.RunRequest{RunID: id, Mode: models.ModeManual, Window: testWindow}
}

func burst(n int, service, message string) []map[string]any {
	raws := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		raws = append(raws, map[string]any{
			"@timestamp":   base.Add(time.Duration(i) * 4 * time.Second).Format(time.RFC3339),
			"message":      message,
			"log.level":    "error",
			"service.name": service,
		})
	}
	return raws
}

func TestPipelineNoRecords(t *testing.T) {
	h := newHarness(t, nil, nil)

	result, err := h.pipeline(t).Run(context.Background(), request("run-empty"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Empty(t, result.Groups)
	assert.Empty(t, result.Candidates)
	assert.Empty(t, result.Solutions)
	assert.Empty(t, result.DegradationFlags)
	assert.True(t, result.EmailSent)
	require.Len(t, h.mailer.reports, 1)
	assert.Contains(t, h.mailer.reports[0].Subject, "No issues detected")
	assert.Equal(t, result, h.store.last(t))
}

func TestPipelineSingleSignatureBurst(t *testing.T) {
	h := newHarness(t, burst(150, "payments", "database connection timeout for order 123"), nil)

	result, err := h.pipeline(t).Run(context.Background(), request("run-burst"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, 150, result.RecordsFetched)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, 150, result.Groups[0].Count)
	require.Len(t, result.Patterns, 1)
	assert.Equal(t, 150, result.Patterns[0].OccurrenceCount)
	require.NotEmpty(t, result.Candidates)
	assert.GreaterOrEqual(t, result.Candidates[0].Confidence, 0.1)
	require.Len(t, result.Solutions, 1)
	assert.Equal(t, result.Candidates[0].ID, result.Solutions[0].CandidateID)
	assert.Empty(t, result.DegradationFlags)
	assert.Contains(t, h.mailer.reports[0].Subject, "150 errors detected")

	assert.Equal(t, 1, result.Statistics.TotalGroups)
	assert.Equal(t, 1, result.Statistics.UniqueServices)
	assert.Equal(t, map[models.Severity]int{models.SeverityError: 150}, result.Statistics.BySeverity)
	assert.Equal(t, []models.ServiceCount{{Service: "payments", Count: 150}}, result.Statistics.TopServices)
	require.NotEmpty(t, result.BestPractices)
	assert.Contains(t, result.BestPractices[0], "circuit breakers")
	assert.Contains(t, h.mailer.reports[0].Text, "BEST PRACTICES")
}

func TestPipelineAITimeoutFallsBack(t *testing.T) {
	raws := append(burst(5, "auth", "invalid token for user 7"), burst(5, "api", "null pointer in handler")...)
	h := newHarness(t, raws, newHangingCompleter(t))

	result, err := h.pipeline(t).Run(context.Background(), request("run-ai-timeout"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	require.NotEmpty(t, result.Candidates)
	for _, c := range result.Candidates {
		assert.Equal(t, models.SourceRuleBased, c.Source)
	}
	require.NotEmpty(t, result.Solutions)
	for _, s := range result.Solutions {
		assert.Equal(t, models.SourceRuleBased, s.Source)
		assert.Equal(t, RuleBasedConfidence, s.Confidence)
	}
	assert.False(t, result.HasFlag(models.FlagRCASkipped))
	assert.False(t, result.HasFlag(models.FlagSolutionSkipped))
}

func TestPipelineMailFailureDefersEmail(t *testing.T) {
	h := newHarness(t, burst(3, "payments", "connection refused"), nil)
	h.mailer.err = errors.New("smtp unavailable")

	result, err := h.pipeline(t).Run(context.Background(), request("run-mail"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, []models.DegradationFlag{models.FlagEmailDeferred}, result.DegradationFlags)
	assert.False(t, result.EmailSent)
	assert.Equal(t, 3, h.mailer.calls)

	saved := h.store.last(t)
	assert.Equal(t, "run-mail", saved.RunID)
	assert.True(t, saved.HasFlag(models.FlagEmailDeferred))
	assert.NotEmpty(t, saved.Groups)
}

func TestPipelineFetchFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.deps.Source = sourceFunc(func(context.Context, models.Window, models.Filters) ([]map[string]any, error) {
		return nil, &models.FetchError{Attempts: 3, Err: errors.New("connection refused")}
	})

	result, err := h.pipeline(t).Run(context.Background(), request("run-fetch"))
	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, models.ReasonFetch, result.FailureReason)
	assert.Zero(t, h.mailer.calls)
	assert.Equal(t, models.StatusFailed, h.store.last(t).Status)
}

func TestPipelineCorrelatorPanicSkipsRCA(t *testing.T) {
	h := newHarness(t, burst(3, "payments", "connection refused"), nil)
	h.deps.Correlator = panickingCorrelator{}

	result, err := h.pipeline(t).Run(context.Background(), request("run-panic"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, []models.DegradationFlag{models.FlagRCASkipped}, result.DegradationFlags)
	assert.Empty(t, result.Candidates)
	assert.Empty(t, result.Solutions)
	assert.NotEmpty(t, result.Groups)
	assert.True(t, result.EmailSent)
}

func TestPipelineGrouperPanicIsLogged(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, burst(3, "payments", "connection refused"), nil)
	h.deps.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	h.deps.Grouper = panickingGrouper{}

	result, err := h.pipeline(t).Run(context.Background(), request("run-grouper-panic"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Empty(t, result.Groups)
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "classification failed")
	assert.Contains(t, logs.String(), "nil rule")
}

func TestPipelineSynthesisFailureSkipsSolutions(t *testing.T) {
	h := newHarness(t, burst(3, "payments", "connection refused"), nil)
	h.deps.Synthesizer = failingSynthesizer{}

	result, err := h.pipeline(t).Run(context.Background(), request("run-synth"))
	require.NoError(t, err)

	assert.Equal(t, []models.DegradationFlag{models.FlagSolutionSkipped}, result.DegradationFlags)
	assert.NotEmpty(t, result.Candidates)
	assert.Empty(t, result.Solutions)
}

func TestPipelineCancelled(t *testing.T) {
	h := newHarness(t, nil, nil)
	called := false
	h.deps.Source = sourceFunc(func(context.Context, models.Window, models.Filters) ([]map[string]any, error) {
		called = true
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.pipeline(t).Run(ctx, request("run-cancel"))
	require.ErrorIs(t, err, models.ErrCancelled)
	assert.False(t, called)
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, models.ReasonCancelled, result.FailureReason)
	assert.Equal(t, "Cancelled", result.FailureReason)
	assert.Equal(t, models.StatusFailed, h.store.last(t).Status, "cancelled runs are still persisted")
}

func TestPipelineCancelledMidRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.deps.Source = sourceFunc(func(context.Context, models.Window, models.Filters) ([]map[string]any, error) {
		cancel()
		return burst(3, "api", "boom"), nil
	})

	result, err := h.pipeline(t).Run(ctx, request("run-cancel-mid"))
	require.ErrorIs(t, err, models.ErrCancelled)
	assert.Equal(t, models.ReasonCancelled, result.FailureReason)
	assert.Equal(t, 3, result.RecordsFetched)
	assert.Zero(t, h.mailer.calls)
}

func TestPipelineNoEmail(t *testing.T) {
	h := newHarness(t, burst(3, "api", "boom"), nil)
	req := request("run-quiet")
	req.NoEmail = true

	result, err := h.pipeline(t).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, h.mailer.calls)
	assert.False(t, result.EmailSent)
	assert.Empty(t, result.DegradationFlags)
}

func TestPipelineStoreFailureKeepsOutcome(t *testing.T) {
	h := newHarness(t, burst(3, "api", "boom"), nil)
	h.store.err = errors.New("disk full")

	result, err := h.pipeline(t).Run(context.Background(), request("run-store"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, result.Status)
}

func TestPipelineMalformedRecordsCounted(t *testing.T) {
	raws := burst(3, "api", "boom")
	raws = append(raws, map[string]any{"message": "no timestamp"}, map[string]any{"@timestamp": base.Format(time.RFC3339)})
	h := newHarness(t, raws, nil)

	result, err := h.pipeline(t).Run(context.Background(), request("run-malformed"))
	require.NoError(t, err)
	assert.Equal(t, 5, result.RecordsFetched)
	assert.Equal(t, 2, result.MalformedRecords)
	assert.Equal(t, 3, result.TotalErrors())
}

func TestNewPipelineRequiresStages(t *testing.T) {
	h := newHarness(t, nil, nil)
	for _, name := range []string{"source", "normalizer", "grouper", "formatter"} {
		deps := h.deps
		switch name {
		case "source":
			deps.Source = nil
		case "normalizer":
			deps.Normalizer = nil
		case "grouper":
			deps.Grouper = nil
		case "formatter":
			deps.Formatter = nil
		}
		_, err := NewPipeline(deps)
		assert.Error(t, err, fmt.Sprintf("missing %s", name))
	}
}
