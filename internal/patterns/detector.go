// Package patterns derives recurring message signatures from error groups.
package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

// Store receives detected patterns, for example to persist them for trend analysis.
type Store interface {
	StorePatterns(ctx context.Context, runID string, patterns []models.Pattern) error
}

// Options tunes the detection thresholds.
type Options struct {
	MinOccurrences        int
	MinDistinctTimestamps int
	CascadeServices       int
}

// DefaultOptions emits a pattern once a signature occurs at least 3 times across at least
// 2 distinct timestamps; 3 or more services mark it cascading.
func DefaultOptions() Options {
	return Options{MinOccurrences: 3, MinDistinctTimestamps: 2, CascadeServices: 3}
}

// Detector aggregates groups by signature and emits frequency-based patterns.
type Detector struct {
	opts   Options
	store  Store
	logger *slog.Logger
}

// NewDetector constructs a Detector; store may be nil.
func NewDetector(logger *slog.Logger, opts Options, store Store) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.MinOccurrences <= 0 {
		opts.MinOccurrences = def.MinOccurrences
	}
	if opts.MinDistinctTimestamps <= 0 {
		opts.MinDistinctTimestamps = def.MinDistinctTimestamps
	}
	if opts.CascadeServices <= 0 {
		opts.CascadeServices = def.CascadeServices
	}
	return &Detector{opts: opts, store: store, logger: logger}
}

// Detect returns the patterns derived from groups, sorted by occurrence count then signature.
func (d *Detector) Detect(ctx context.Context, runID string, groups []models.ErrorGroup) []models.Pattern {
	if len(groups) == 0 {
		return nil
	}

	aggregates := make(map[string]*signatureAggregate)
	for _, g := range groups {
		agg, ok := aggregates[g.Signature]
		if !ok {
			agg = &signatureAggregate{
				services:   make(map[string]struct{}),
				timestamps: make(map[int64]struct{}),
				first:      g.FirstSeen,
				last:       g.LastSeen,
			}
			aggregates[g.Signature] = agg
		}
		agg.count += g.Count
		agg.services[g.Service] = struct{}{}
		for _, m := range g.Members {
			agg.timestamps[m.Timestamp.UnixNano()] = struct{}{}
		}
		if g.FirstSeen.Before(agg.first) {
			agg.first = g.FirstSeen
		}
		if g.LastSeen.After(agg.last) {
			agg.last = g.LastSeen
		}
	}

	patterns := make([]models.Pattern, 0)
	for signature, agg := range aggregates {
		if agg.count < d.opts.MinOccurrences || len(agg.timestamps) < d.opts.MinDistinctTimestamps {
			continue
		}
		services := agg.serviceList()
		patterns = append(patterns, models.Pattern{
			Signature:        signature,
			OccurrenceCount:  agg.count,
			AffectedServices: services,
			WindowStart:      agg.first,
			WindowEnd:        agg.last,
			Cascading:        len(services) >= d.opts.CascadeServices,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].OccurrenceCount != patterns[j].OccurrenceCount {
			return patterns[i].OccurrenceCount > patterns[j].OccurrenceCount
		}
		return patterns[i].Signature < patterns[j].Signature
	})

	if d.store != nil && len(patterns) > 0 {
		if err := d.store.StorePatterns(ctx, runID, patterns); err != nil {
			d.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}
	return patterns
}

type signatureAggregate struct {
	count      int
	services   map[string]struct{}
	timestamps map[int64]struct{}
	first      time.Time
	last       time.Time
}

func (a *signatureAggregate) serviceList() []string {
	out := make([]string, 0, len(a.services))
	for s := range a.services {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
