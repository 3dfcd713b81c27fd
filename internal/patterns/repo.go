package patterns

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, runID string, patterns []models.Pattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, runID string, patterns []models.Pattern) error {
	return f(ctx, runID, patterns)
}

// LogStore reports detected patterns through the logger.
func LogStore(logger *slog.Logger) Store {
	return StoreFunc(func(_ context.Context, runID string, patterns []models.Pattern) error {
		for _, p := range patterns {
			logger.Info("recurring pattern",
				slog.String("run_id", runID),
				slog.String("signature", p.Signature),
				slog.Int("occurrences", p.OccurrenceCount),
				slog.Any("services", p.AffectedServices),
				slog.Bool("cascading", p.Cascading),
			)
		}
		return nil
	})
}
