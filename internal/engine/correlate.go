package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-logrca/internal/metrics"
	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/utils"
)

// CorrelatorOptions holds the clustering and scoring policy.
type CorrelatorOptions struct {
	Slack          time.Duration
	SizeWeight     float64
	SeverityWeight float64
	RecencyWeight  float64
	SizeSaturation int
	HeuristicFloor float64
	AIWeight       float64
	AITimeout      time.Duration
	AIConcurrency  int
	MaxCandidates  int
}

// DefaultCorrelatorOptions returns the stock scoring policy.
func DefaultCorrelatorOptions() CorrelatorOptions {
	return CorrelatorOptions{
		Slack:          5 * time.Minute,
		SizeWeight:     0.4,
		SeverityWeight: 0.35,
		RecencyWeight:  0.25,
		SizeSaturation: 100,
		HeuristicFloor: 0.1,
		AIWeight:       0.6,
		AITimeout:      defaultAITimeout,
		AIConcurrency:  4,
		MaxCandidates:  5,
	}
}

// Correlator clusters related error groups and ranks root-cause candidates.
type Correlator struct {
	logger   *slog.Logger
	opts     CorrelatorOptions
	topology Topology
	ai       Completer
}

// NewCorrelator constructs a Correlator. topology and ai may be nil.
func NewCorrelator(logger *slog.Logger, opts CorrelatorOptions, topology Topology, ai Completer) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultCorrelatorOptions()
	if opts.SizeSaturation <= 0 {
		opts.SizeSaturation = def.SizeSaturation
	}
	if opts.AIConcurrency <= 0 {
		opts.AIConcurrency = def.AIConcurrency
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = def.MaxCandidates
	}
	if opts.Slack < 0 {
		opts.Slack = 0
	}
	return &Correlator{logger: logger, opts: opts, topology: topology, ai: ai}
}

// cluster is a connected set of groups with its derived statistics.
type cluster struct {
	groups    []models.ErrorGroup
	edges     []DependencyEdge
	root      models.ErrorGroup
	upstream  bool
	records   int
	firstSeen time.Time
	lastSeen  time.Time
}

// Correlate returns ranked root-cause candidates. AI failures degrade to heuristic scores;
// only a topology failure is returned as a *models.CorrelationError.
func (c *Correlator) Correlate(ctx context.Context, window models.Window, groups []models.ErrorGroup, patterns []models.Pattern) ([]models.RootCauseCandidate, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	var edges []DependencyEdge
	if c.topology != nil {
		var err error
		edges, err = c.topology.Dependencies(ctx)
		if err != nil {
			return nil, &models.CorrelationError{Err: fmt.Errorf("load service dependencies: %w", err)}
		}
	}
	deps := indexEdges(edges)

	clusters := c.buildClusters(groups, edges, deps)
	candidates := make([]models.RootCauseCandidate, len(clusters))
	for i, cl := range clusters {
		candidates[i] = c.heuristicCandidate(window, cl, patterns)
	}

	if c.ai != nil {
		c.applyHypotheses(ctx, window, clusters, candidates)
	}

	rank(candidates)
	if len(candidates) > c.opts.MaxCandidates {
		candidates = candidates[:c.opts.MaxCandidates]
	}
	return candidates, nil
}

func (c *Correlator) buildClusters(groups []models.ErrorGroup, edges []DependencyEdge, deps dependencyIndex) []cluster {
	ordered := append([]models.ErrorGroup(nil), groups...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].FirstSeen.Equal(ordered[j].FirstSeen) {
			return ordered[i].FirstSeen.Before(ordered[j].FirstSeen)
		}
		return ordered[i].GroupKey < ordered[j].GroupKey
	})

	uf := newUnionFind(len(ordered))
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if temporallyAdjacent(ordered[i], ordered[j], c.opts.Slack) || deps.linked(ordered[i].Service, ordered[j].Service) {
				uf.union(i, j)
			}
		}
	}

	byRoot := make(map[int]int)
	clusters := make([]cluster, 0)
	for i, g := range ordered {
		r := uf.find(i)
		idx, ok := byRoot[r]
		if !ok {
			idx = len(clusters)
			byRoot[r] = idx
			clusters = append(clusters, cluster{firstSeen: g.FirstSeen, lastSeen: g.LastSeen})
		}
		cl := &clusters[idx]
		cl.groups = append(cl.groups, g)
		cl.records += g.Count
		if g.FirstSeen.Before(cl.firstSeen) {
			cl.firstSeen = g.FirstSeen
		}
		if g.LastSeen.After(cl.lastSeen) {
			cl.lastSeen = g.LastSeen
		}
	}

	for i := range clusters {
		clusters[i].edges = clusterEdges(clusters[i].groups, edges)
		clusters[i].root, clusters[i].upstream = pickRoot(clusters[i].groups, deps)
	}
	return clusters
}

func temporallyAdjacent(a, b models.ErrorGroup, slack time.Duration) bool {
	return !a.FirstSeen.After(b.LastSeen.Add(slack)) && !b.FirstSeen.After(a.LastSeen.Add(slack))
}

func clusterEdges(groups []models.ErrorGroup, edges []DependencyEdge) []DependencyEdge {
	services := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		services[strings.ToLower(g.Service)] = struct{}{}
	}
	out := make([]DependencyEdge, 0)
	for _, e := range edges {
		_, from := services[strings.ToLower(e.Service)]
		_, to := services[strings.ToLower(e.DependsOn)]
		if from && to {
			out = append(out, e)
		}
	}
	return out
}

// pickRoot prefers the earliest group whose service another cluster member depends on.
// groups must be ordered by firstSeen.
func pickRoot(groups []models.ErrorGroup, deps dependencyIndex) (models.ErrorGroup, bool) {
	for _, candidate := range groups {
		for _, other := range groups {
			if deps.dependsOn(other.Service, candidate.Service) && !strings.EqualFold(other.Service, candidate.Service) {
				return candidate, true
			}
		}
	}
	return groups[0], false
}

func (c *Correlator) heuristicScore(window models.Window, cl cluster) float64 {
	size := math.Log1p(float64(cl.records)) / math.Log1p(float64(c.opts.SizeSaturation))
	size = clamp(size, 0, 1)

	weighted := 0.0
	for _, g := range cl.groups {
		for _, m := range g.Members {
			switch m.Severity {
			case models.SeverityCritical:
				weighted += 1
			case models.SeverityError:
				weighted += 0.75
			}
		}
	}
	severity := 0.0
	if cl.records > 0 {
		severity = clamp(weighted/float64(cl.records), 0, 1)
	}

	recency := 1.0
	if span := window.Duration(); span > 0 {
		recency = clamp(1-float64(window.End.Sub(cl.lastSeen))/float64(span), 0, 1)
	}

	score := c.opts.SizeWeight*size + c.opts.SeverityWeight*severity + c.opts.RecencyWeight*recency
	return clamp(score, c.opts.HeuristicFloor, 1)
}

func (c *Correlator) heuristicCandidate(window models.Window, cl cluster, patterns []models.Pattern) models.RootCauseCandidate {
	root := cl.root
	services := make([]string, 0)
	seen := make(map[string]struct{})
	keys := make([]string, 0, len(cl.groups))
	for _, g := range cl.groups {
		keys = append(keys, g.GroupKey)
		if _, ok := seen[g.Service]; !ok {
			seen[g.Service] = struct{}{}
			services = append(services, g.Service)
		}
	}
	sort.Strings(services)

	return models.RootCauseCandidate{
		ID:               "rc-" + root.GroupKey,
		Description:      describe(cl),
		Confidence:       c.heuristicScore(window, cl),
		Source:           models.SourceRuleBased,
		Category:         root.Category,
		Services:         services,
		SupportingGroups: keys,
		Evidence:         evidence(cl, patterns),
		FirstSeen:        cl.firstSeen,
		ClusterSize:      cl.records,
	}
}

func describe(cl cluster) string {
	root := cl.root
	sample := utils.Truncate(root.Sample(), 200)
	if cl.upstream {
		downstream := make([]string, 0)
		for _, e := range cl.edges {
			if strings.EqualFold(e.DependsOn, root.Service) {
				downstream = appendUnique(downstream, e.Service)
			}
		}
		return fmt.Sprintf("%s %s failure propagating to %s: %q", root.Service, root.Category, strings.Join(downstream, ", "), sample)
	}
	if len(cl.groups) > 1 {
		return fmt.Sprintf("%s %s failure preceding %d related error group(s): %q", root.Service, root.Category, len(cl.groups)-1, sample)
	}
	return fmt.Sprintf("%s %s failure: %q", root.Service, root.Category, sample)
}

func evidence(cl cluster, patterns []models.Pattern) []string {
	out := make([]string, 0, len(cl.groups)+len(cl.edges))
	signatures := make(map[string]struct{}, len(cl.groups))
	codes := make([]string, 0)
	for _, g := range cl.groups {
		signatures[g.Signature] = struct{}{}
		out = append(out, fmt.Sprintf("%d occurrence(s) of %q in %s between %s and %s",
			g.Count, utils.Truncate(g.Signature, 160), g.Service,
			g.FirstSeen.UTC().Format(time.RFC3339), g.LastSeen.UTC().Format(time.RFC3339)))
		codes = appendUnique(codes, g.ErrorCodes...)
	}
	for _, e := range cl.edges {
		out = append(out, fmt.Sprintf("%s depends on %s", e.Service, e.DependsOn))
	}
	for _, p := range patterns {
		if _, ok := signatures[p.Signature]; !ok {
			continue
		}
		line := fmt.Sprintf("recurring pattern %q: %d occurrences across %s", utils.Truncate(p.Signature, 160), p.OccurrenceCount, strings.Join(p.AffectedServices, ", "))
		if p.Cascading {
			line += " (cascading)"
		}
		out = append(out, line)
	}
	if len(codes) > 0 {
		sort.Strings(codes)
		out = append(out, "error codes: "+strings.Join(codes, ", "))
	}
	return out
}

type hypothesis struct {
	RootCause  string   `json:"root_cause"`
	Confidence any      `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

// applyHypotheses asks the AI collaborator about each cluster with bounded concurrency.
// Results land in indexed slots so the outcome does not depend on completion order.
func (c *Correlator) applyHypotheses(ctx context.Context, window models.Window, clusters []cluster, candidates []models.RootCauseCandidate) {
	results := make([]*hypothesis, len(clusters))

	var g errgroup.Group
	g.SetLimit(c.opts.AIConcurrency)
	for i := range clusters {
		i := i
		g.Go(func() error {
			h, err := c.hypothesize(ctx, window, clusters[i])
			if err != nil {
				metrics.IncAIFallback("correlate")
				c.logger.Warn("ai hypothesis unavailable, using heuristic score",
					slog.String("candidate", candidates[i].ID), slog.Any("error", err))
				return nil
			}
			results[i] = h
			return nil
		})
	}
	_ = g.Wait()

	for i, h := range results {
		if h == nil {
			continue
		}
		aiConf, _ := parseConfidence(h.Confidence)
		cand := &candidates[i]
		cand.Confidence = calibrateConfidence(cand.Confidence, aiConf, c.opts.AIWeight)
		cand.Source = models.SourceAI
		cand.Description = strings.TrimSpace(h.RootCause)
		cand.Evidence = append(cand.Evidence, "AI hypothesis: "+utils.Truncate(cand.Description, 300))
		for _, e := range h.Evidence {
			if e = strings.TrimSpace(e); e != "" {
				cand.Evidence = append(cand.Evidence, e)
			}
		}
	}
}

func (c *Correlator) hypothesize(ctx context.Context, window models.Window, cl cluster) (*hypothesis, error) {
	text, err := complete(ctx, c.ai, hypothesisPrompt(window, cl), c.opts.AITimeout)
	if err != nil {
		return nil, err
	}
	var h hypothesis
	if err := decodeJSONReply(text, &h); err != nil {
		return nil, err
	}
	if strings.TrimSpace(h.RootCause) == "" {
		return nil, fmt.Errorf("completion missing root_cause")
	}
	if _, ok := parseConfidence(h.Confidence); !ok {
		return nil, fmt.Errorf("completion has invalid confidence %v", h.Confidence)
	}
	return &h, nil
}

func hypothesisPrompt(window models.Window, cl cluster) string {
	var b strings.Builder
	b.WriteString("You are an SRE analysing production error logs. Identify the most likely root cause of the correlated errors below.\n")
	b.WriteString(`Respond only with JSON: {"root_cause": string, "confidence": number between 0 and 1, "evidence": [string]}` + "\n\n")
	fmt.Fprintf(&b, "Window: %s\n", window)
	b.WriteString("Error groups (earliest first):\n")
	for _, g := range cl.groups {
		fmt.Fprintf(&b, "- service=%s category=%s severity=%s count=%d first=%s last=%s sample=%q\n",
			g.Service, g.Category, g.Severity(), g.Count,
			g.FirstSeen.UTC().Format(time.RFC3339), g.LastSeen.UTC().Format(time.RFC3339), utils.Truncate(g.Sample(), 300))
	}
	if len(cl.edges) > 0 {
		b.WriteString("Service dependencies:\n")
		for _, e := range cl.edges {
			fmt.Fprintf(&b, "- %s -> %s\n", e.Service, e.DependsOn)
		}
	}
	return b.String()
}

// calibrateConfidence blends the AI confidence with the heuristic score.
func calibrateConfidence(heuristic, ai, aiWeight float64) float64 {
	heuristic = clamp(heuristic, 0, 1)
	aiWeight = clamp(aiWeight, 0, 1)
	return clamp(aiWeight*clamp(ai, 0, 1)+(1-aiWeight)*heuristic, 0, 1)
}

// rank sorts by confidence, then earliest firstSeen, then larger cluster, then id.
func rank(candidates []models.RootCauseCandidate) {
	for i := range candidates {
		candidates[i].Confidence = clamp(candidates[i].Confidence, 0, 1)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		if a.ClusterSize != b.ClusterSize {
			return a.ClusterSize > b.ClusterSize
		}
		return a.ID < b.ID
	})
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so roots are stable.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
