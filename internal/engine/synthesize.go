package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-logrca/internal/metrics"
	"github.com/miradorstack/mirador-logrca/internal/models"
)

const (
	// RuleBasedConfidence is assigned to every rule-table solution.
	RuleBasedConfidence = 0.4
	// AIConfidenceFloor is the lowest confidence an AI solution can carry.
	AIConfidenceFloor = 0.5

	defaultAISolutionConfidence = 0.7
)

// SynthesizerOptions tunes the solution stage.
type SynthesizerOptions struct {
	AITimeout     time.Duration
	AIConcurrency int
	MaxSolutions  int
}

// Synthesizer produces remediation per candidate, preferring the AI path and falling back
// to the rule table.
type Synthesizer struct {
	logger *slog.Logger
	rules  *SolutionRules
	ai     Completer
	opts   SynthesizerOptions
}

// NewSynthesizer constructs a Synthesizer. ai may be nil; rules nil uses the generic entry.
func NewSynthesizer(logger *slog.Logger, rules *SolutionRules, ai Completer, opts SynthesizerOptions) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AIConcurrency <= 0 {
		opts.AIConcurrency = 4
	}
	if opts.MaxSolutions <= 0 {
		opts.MaxSolutions = 3
	}
	return &Synthesizer{logger: logger, rules: rules, ai: ai, opts: opts}
}

// Synthesize never fails: any AI path failure falls back to the rule table.
func (s *Synthesizer) Synthesize(ctx context.Context, candidate models.RootCauseCandidate) models.Solution {
	if s.ai != nil {
		sol, err := s.fromAI(ctx, candidate)
		if err == nil {
			return sol
		}
		metrics.IncAIFallback("synthesize")
		s.logger.Warn("ai solution unavailable, using rule table",
			slog.String("candidate", candidate.ID), slog.Any("error", err))
	}
	return s.fromRules(candidate)
}

// SynthesizeAll produces solutions for the top candidates in rank order. It only fails when
// the context ends mid-stage.
func (s *Synthesizer) SynthesizeAll(ctx context.Context, candidates []models.RootCauseCandidate) ([]models.Solution, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > s.opts.MaxSolutions {
		candidates = candidates[:s.opts.MaxSolutions]
	}

	solutions := make([]models.Solution, len(candidates))
	var g errgroup.Group
	g.SetLimit(s.opts.AIConcurrency)
	for i := range candidates {
		i := i
		g.Go(func() error {
			solutions[i] = s.Synthesize(ctx, candidates[i])
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, &models.SynthesisError{Err: err}
	}
	return solutions, nil
}

func (s *Synthesizer) fromRules(candidate models.RootCauseCandidate) models.Solution {
	rule := s.rules.Lookup(candidate)
	return models.Solution{
		CandidateID:        candidate.ID,
		Steps:              append([]string(nil), rule.Steps...),
		PreventiveMeasures: append([]string(nil), rule.Preventive...),
		Verification:       append([]string(nil), rule.Verification...),
		Risks:              append([]string(nil), rule.Risks...),
		EstimatedTime:      rule.EstimatedTime,
		Confidence:         RuleBasedConfidence,
		Source:             models.SourceRuleBased,
	}
}

type aiSolution struct {
	Steps              []string `json:"steps"`
	ImmediateActions   []string `json:"immediate_actions"`
	PreventiveMeasures []string `json:"preventive_measures"`
	VerificationSteps  []string `json:"verification_steps"`
	Risks              []string `json:"risks"`
	EstimatedTime      string   `json:"estimated_time"`
	Confidence         any      `json:"confidence"`
}

func (s *Synthesizer) fromAI(ctx context.Context, candidate models.RootCauseCandidate) (models.Solution, error) {
	text, err := complete(ctx, s.ai, solutionPrompt(candidate), s.opts.AITimeout)
	if err != nil {
		return models.Solution{}, err
	}
	var reply aiSolution
	if err := decodeJSONReply(text, &reply); err != nil {
		return models.Solution{}, err
	}
	steps := nonEmpty(reply.Steps)
	if len(steps) == 0 {
		steps = nonEmpty(reply.ImmediateActions)
	}
	if len(steps) == 0 {
		return models.Solution{}, fmt.Errorf("completion has no remediation steps")
	}

	confidence := defaultAISolutionConfidence
	if c, ok := parseConfidence(reply.Confidence); ok {
		confidence = c
	}

	return models.Solution{
		CandidateID:        candidate.ID,
		Steps:              steps,
		PreventiveMeasures: nonEmpty(reply.PreventiveMeasures),
		Verification:       nonEmpty(reply.VerificationSteps),
		Risks:              nonEmpty(reply.Risks),
		EstimatedTime:      strings.TrimSpace(reply.EstimatedTime),
		Confidence:         clamp(confidence, AIConfidenceFloor, 1),
		Source:             models.SourceAI,
	}, nil
}

func solutionPrompt(candidate models.RootCauseCandidate) string {
	var b strings.Builder
	b.WriteString("You are an SRE. Propose remediation for the root cause below.\n")
	b.WriteString(`Respond only with JSON: {"steps": [string], "preventive_measures": [string], "verification_steps": [string], "risks": [string], "estimated_time": string, "confidence": number between 0 and 1}` + "\n\n")
	fmt.Fprintf(&b, "Root cause: %s\n", candidate.Description)
	fmt.Fprintf(&b, "Category: %s\n", candidate.Category)
	fmt.Fprintf(&b, "Services: %s\n", strings.Join(candidate.Services, ", "))
	if len(candidate.Evidence) > 0 {
		b.WriteString("Evidence:\n")
		for _, e := range candidate.Evidence {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
