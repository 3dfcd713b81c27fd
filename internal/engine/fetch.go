package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/retry"
)

// Page is one batch of raw documents and the cursor for the next batch.
type Page struct {
	Records    []map[string]any
	NextCursor string
}

// SearchClient is the paginated search-backend collaborator.
type SearchClient interface {
	FetchPage(ctx context.Context, window models.Window, filters models.Filters, cursor string) (Page, error)
}

// Fetcher drains pages from a SearchClient with per-page retries and a record cap.
type Fetcher struct {
	client     SearchClient
	policy     retry.Policy
	maxRecords int
	logger     *slog.Logger
}

// NewFetcher constructs a Fetcher. maxRecords <= 0 means unbounded.
func NewFetcher(logger *slog.Logger, client SearchClient, policy retry.Policy, maxRecords int) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, policy: policy, maxRecords: maxRecords, logger: logger}
}

// Fetch requests pages until the cursor is exhausted or the cap is reached. A page that
// keeps failing after the retry policy yields a *models.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, window models.Window, filters models.Filters) ([]map[string]any, error) {
	if f.client == nil {
		return nil, &models.FetchError{Attempts: 0, Err: errors.New("search client not configured")}
	}

	records := make([]map[string]any, 0)
	cursor := ""
	pages := 0
	for {
		var page Page
		attempts, err := retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) error {
			var err error
			page, err = f.client.FetchPage(ctx, window, filters, cursor)
			if err != nil {
				f.logger.Warn("search page fetch failed",
					slog.Int("page", pages), slog.Int("attempt", attempt+1), slog.Any("error", err))
			}
			return err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return records, ctxErr
			}
			return records, &models.FetchError{Attempts: attempts, Err: err}
		}
		pages++

		records = append(records, page.Records...)
		if f.maxRecords > 0 && len(records) >= f.maxRecords {
			if len(records) > f.maxRecords {
				records = records[:f.maxRecords]
			}
			f.logger.Warn("record cap reached, truncating fetch", slog.Int("max_records", f.maxRecords))
			break
		}
		if page.NextCursor == "" || len(page.Records) == 0 {
			break
		}
		if page.NextCursor == cursor {
			f.logger.Warn("search cursor did not advance, stopping pagination", slog.String("cursor", cursor))
			break
		}
		cursor = page.NextCursor
	}

	f.logger.Debug("fetch complete", slog.Int("records", len(records)), slog.Int("pages", pages))
	return records, nil
}
