package repo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

// OpenSearchPatternStore keeps detected patterns per run for trend queries across runs.
type OpenSearchPatternStore struct {
	client *opensearch.Client
	index  string
	now    func() time.Time
}

// NewOpenSearchPatternStore targets index.
func NewOpenSearchPatternStore(client *opensearch.Client, index string) *OpenSearchPatternStore {
	return &OpenSearchPatternStore{client: client, index: index, now: time.Now}
}

type patternDocument struct {
	models.Pattern
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"@timestamp"`
}

// StorePatterns bulk-indexes the patterns of one run; reruns overwrite by id.
func (s *OpenSearchPatternStore) StorePatterns(ctx context.Context, runID string, patterns []models.Pattern) error {
	if len(patterns) == 0 {
		return nil
	}
	if s.client == nil || s.index == "" {
		return fmt.Errorf("opensearch pattern store not configured")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	now := s.now().UTC()
	for _, p := range patterns {
		meta := map[string]any{"index": map[string]any{"_index": s.index, "_id": patternDocID(runID, p.Signature)}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(patternDocument{Pattern: p, RunID: runID, Timestamp: now}); err != nil {
			return fmt.Errorf("encode pattern: %w", err)
		}
	}

	res, err := opensearchapi.BulkRequest{Body: &buf}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("bulk index patterns: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read bulk response: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("bulk index patterns returned %s: %s", res.Status(), truncateBody(data))
	}
	var parsed struct {
		Errors bool `json:"errors"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Errors {
		return fmt.Errorf("bulk index patterns reported item errors: %s", truncateBody(data))
	}
	return nil
}

func patternDocID(runID, signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return runID + "-" + hex.EncodeToString(sum[:8])
}
