package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

func defaultRules(t *testing.T) *SolutionRules {
	t.Helper()
	rules, err := NewSolutionRules("", nil)
	require.NoError(t, err)
	return rules
}

func candidate(id string, category models.Category, description string) models.RootCauseCandidate {
	return models.RootCauseCandidate{ID: id, Category: category, Description: description, Confidence: 0.6, Services: []string{"svc"}}
}

func TestSynthesizeRuleTable(t *testing.T) {
	s := NewSynthesizer(nil, defaultRules(t), nil, SynthesizerOptions{})

	cases := []struct {
		cand      models.RootCauseCandidate
		wantFirst string
	}{
		{candidate("db", models.CategoryInfrastructure, "postgres connection pool exhausted"), "Check database server status and connectivity"},
		{candidate("net", models.CategoryInfrastructure, "dns lookup failed"), "Verify network reachability and DNS resolution between the affected services"},
		{candidate("auth", models.CategorySecurity, "invalid token"), "Review authentication service logs for the failing principals"},
		{candidate("slow", models.CategoryPerformance, "request timeout"), "Check system resource utilisation (CPU, memory, disk)"},
		{candidate("npe", models.CategoryApplication, "nil pointer"), "Inspect the stack trace of the earliest occurrence"},
		{candidate("other", models.CategoryUnknown, "weird"), "Review detailed error logs and stack traces"},
	}
	for _, tc := range cases {
		t.Run(tc.cand.ID, func(t *testing.T) {
			sol := s.Synthesize(context.Background(), tc.cand)
			assert.Equal(t, tc.cand.ID, sol.CandidateID)
			assert.Equal(t, models.SourceRuleBased, sol.Source)
			assert.Equal(t, RuleBasedConfidence, sol.Confidence)
			require.NotEmpty(t, sol.Steps)
			assert.Equal(t, tc.wantFirst, sol.Steps[0])
			assert.NotEmpty(t, sol.PreventiveMeasures)
		})
	}
}

func TestSynthesizeAIPath(t *testing.T) {
	ai := replyWith(`{"steps": ["Raise pool size", " "], "preventive_measures": ["Alert on pool usage"], "verification_steps": ["Errors stop"], "risks": [], "estimated_time": "20 minutes", "confidence": 0.3}`)
	s := NewSynthesizer(nil, defaultRules(t), ai, SynthesizerOptions{})

	sol := s.Synthesize(context.Background(), candidate("db", models.CategoryInfrastructure, "pool exhausted"))
	assert.Equal(t, models.SourceAI, sol.Source)
	assert.Equal(t, []string{"Raise pool size"}, sol.Steps)
	assert.Equal(t, []string{"Alert on pool usage"}, sol.PreventiveMeasures)
	assert.Equal(t, "20 minutes", sol.EstimatedTime)
	assert.Equal(t, AIConfidenceFloor, sol.Confidence, "AI confidence is floored")
}

func TestSynthesizeAIImmediateActionsAndPercent(t *testing.T) {
	ai := replyWith(`{"immediate_actions": ["Roll back"], "confidence": "85%"}`)
	s := NewSynthesizer(nil, defaultRules(t), ai, SynthesizerOptions{})

	sol := s.Synthesize(context.Background(), candidate("app", models.CategoryApplication, "panic"))
	assert.Equal(t, models.SourceAI, sol.Source)
	assert.Equal(t, []string{"Roll back"}, sol.Steps)
	assert.InDelta(t, 0.85, sol.Confidence, 1e-9)
}

func TestSynthesizeAIDefaultConfidence(t *testing.T) {
	s := NewSynthesizer(nil, defaultRules(t), replyWith(`{"steps": ["Restart"]}`), SynthesizerOptions{})
	sol := s.Synthesize(context.Background(), candidate("app", models.CategoryApplication, "panic"))
	assert.InDelta(t, 0.7, sol.Confidence, 1e-9)
}

func TestSynthesizeAIFallbacks(t *testing.T) {
	cases := map[string]Completer{
		"error":    completerFunc(func(context.Context, string) (string, error) { return "", errors.New("503") }),
		"no steps": replyWith(`{"steps": [], "confidence": 0.9}`),
		"garbage":  replyWith("restart everything"),
	}
	for name, ai := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewSynthesizer(nil, defaultRules(t), ai, SynthesizerOptions{})
			sol := s.Synthesize(context.Background(), candidate("sec", models.CategorySecurity, "forbidden"))
			assert.Equal(t, models.SourceRuleBased, sol.Source)
			assert.Equal(t, RuleBasedConfidence, sol.Confidence)
		})
	}
}

func TestSynthesizeAITimeout(t *testing.T) {
	ai := newHangingCompleter(t)
	s := NewSynthesizer(nil, defaultRules(t), ai, SynthesizerOptions{AITimeout: 20 * time.Millisecond})

	sol := s.Synthesize(context.Background(), candidate("db", models.CategoryInfrastructure, "db down"))
	assert.Equal(t, models.SourceRuleBased, sol.Source)
}

func TestSynthesizeAllOrderAndCap(t *testing.T) {
	s := NewSynthesizer(nil, defaultRules(t), nil, SynthesizerOptions{MaxSolutions: 2})
	candidates := []models.RootCauseCandidate{
		candidate("first", models.CategoryApplication, "a"),
		candidate("second", models.CategorySecurity, "b"),
		candidate("third", models.CategoryPerformance, "c"),
	}

	solutions, err := s.SynthesizeAll(context.Background(), candidates)
	require.NoError(t, err)
	require.Len(t, solutions, 2)
	assert.Equal(t, "first", solutions[0].CandidateID)
	assert.Equal(t, "second", solutions[1].CandidateID)
}

func TestSynthesizeAllCancelled(t *testing.T) {
	s := NewSynthesizer(nil, defaultRules(t), nil, SynthesizerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SynthesizeAll(ctx, []models.RootCauseCandidate{candidate("x", models.CategoryApplication, "x")})
	var synthErr *models.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSolutionRulesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "solutions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
solutions:
  - id: kafka
    match:
      category: Infrastructure
      keywords: [kafka, broker]
    steps: ["Check broker health"]
    estimatedTime: 15 minutes
`), 0o600))

	rules, err := NewSolutionRules(path, nil)
	require.NoError(t, err)

	rule := rules.Lookup(candidate("k", models.CategoryInfrastructure, "Kafka broker unreachable"))
	assert.Equal(t, "kafka", rule.ID)
	assert.Equal(t, "generic", rules.Lookup(candidate("x", models.CategoryInfrastructure, "dns")).ID, "catch-all appended")
}

func TestNewSolutionRulesInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown category": "solutions:\n  - id: bad\n    match: {category: Network}\n    steps: [x]\n",
		"no steps":         "solutions:\n  - id: bad\n",
		"bad yaml":         "solutions: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := NewSolutionRules(path, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewSolutionRulesMissingFileUsesDefaults(t *testing.T) {
	rules, err := NewSolutionRules(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, "security", rules.Lookup(candidate("s", models.CategorySecurity, "")).ID)
}

func TestBestPractices(t *testing.T) {
	assert.Nil(t, BestPractices(nil))

	quiet := BestPractices([]models.ErrorGroup{group("g1", "api", models.CategoryApplication, base, 3, models.SeverityError)})
	assert.Equal(t, generalBestPractices, quiet)

	noisy := BestPractices([]models.ErrorGroup{
		group("g1", "api", models.CategoryApplication, base, 60, models.SeverityError),
		group("g2", "db", models.CategoryInfrastructure, base, 30, models.SeverityCritical),
		group("g3", "cache", models.CategoryInfrastructure, base, 10, models.SeverityError),
		group("g4", "queue", models.CategoryInfrastructure, base, 1, models.SeverityError),
	})
	require.Len(t, noisy, len(generalBestPractices)+3)
	assert.Contains(t, noisy[0], "circuit breakers")
	assert.Contains(t, noisy[1], "isolation between services")
	assert.Contains(t, noisy[2], "critical errors")

	// exactly at the thresholds nothing extra is added
	edge := BestPractices([]models.ErrorGroup{
		group("g1", "api", models.CategoryApplication, base, 50, models.SeverityError),
		group("g2", "db", models.CategoryApplication, base, 50, models.SeverityError),
		group("g3", "cache", models.CategoryApplication, base, 0, models.SeverityError),
	})
	assert.Equal(t, generalBestPractices, edge)
}
