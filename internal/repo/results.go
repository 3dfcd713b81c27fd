package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

// ErrResultNotFound is returned when no persisted result exists for a run id.
var ErrResultNotFound = errors.New("analysis result not found")

// ResultStore persists analysis results keyed by run id.
type ResultStore interface {
	Save(ctx context.Context, result models.AnalysisResult) error
	Load(ctx context.Context, runID string) (models.AnalysisResult, error)
}

const resultFilePrefix = "analysis_"

// FileResultStore writes one indented JSON document per run into a directory.
type FileResultStore struct {
	dir string
}

// NewFileResultStore ensures dir exists.
func NewFileResultStore(dir string) (*FileResultStore, error) {
	if dir == "" {
		return nil, errors.New("results directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}
	return &FileResultStore{dir: dir}, nil
}

// Path returns the file that holds runID.
func (s *FileResultStore) Path(runID string) string {
	return filepath.Join(s.dir, resultFilePrefix+runID+".json")
}

// Save writes the result atomically through a temp file and rename.
func (s *FileResultStore) Save(_ context.Context, result models.AnalysisResult) error {
	if err := validRunID(result.RunID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result %s: %w", result.RunID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+resultFilePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp result file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write result %s: %w", result.RunID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync result %s: %w", result.RunID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close result %s: %w", result.RunID, err)
	}
	if err := os.Rename(tmpName, s.Path(result.RunID)); err != nil {
		return fmt.Errorf("publish result %s: %w", result.RunID, err)
	}
	return nil
}

// Load reads a persisted result.
func (s *FileResultStore) Load(_ context.Context, runID string) (models.AnalysisResult, error) {
	if err := validRunID(runID); err != nil {
		return models.AnalysisResult{}, err
	}
	data, err := os.ReadFile(s.Path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return models.AnalysisResult{}, fmt.Errorf("%w: %s", ErrResultNotFound, runID)
	}
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("read result %s: %w", runID, err)
	}
	var result models.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("decode result %s: %w", runID, err)
	}
	return result, nil
}

// List returns the persisted run ids, newest file first.
func (s *FileResultStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	type item struct {
		id    string
		mtime int64
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, resultFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, resultFilePrefix), ".json")
		items = append(items, item{id: id, mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].mtime != items[j].mtime {
			return items[i].mtime > items[j].mtime
		}
		return items[i].id < items[j].id
	})
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

func validRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

// OpenSearchResultStore indexes results by run id so they can be queried next to the logs.
type OpenSearchResultStore struct {
	client *opensearch.Client
	index  string
}

// NewOpenSearchResultStore targets index.
func NewOpenSearchResultStore(client *opensearch.Client, index string) *OpenSearchResultStore {
	return &OpenSearchResultStore{client: client, index: index}
}

// Save indexes the result with the run id as document id.
func (s *OpenSearchResultStore) Save(ctx context.Context, result models.AnalysisResult) error {
	if s.client == nil || s.index == "" {
		return errors.New("opensearch result store not configured")
	}
	body, err := encodeBody(result)
	if err != nil {
		return err
	}
	req := opensearchapi.IndexRequest{
		Index:      s.index,
		DocumentID: result.RunID,
		Body:       body,
		Refresh:    "wait_for",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("index result %s: %w", result.RunID, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index result %s returned %s: %s", result.RunID, res.Status(), truncateBody(data))
	}
	return nil
}

// Load fetches a result document by run id.
func (s *OpenSearchResultStore) Load(ctx context.Context, runID string) (models.AnalysisResult, error) {
	if s.client == nil || s.index == "" {
		return models.AnalysisResult{}, errors.New("opensearch result store not configured")
	}
	res, err := opensearchapi.GetRequest{Index: s.index, DocumentID: runID}.Do(ctx, s.client)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("get result %s: %w", runID, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode == http.StatusNotFound {
		return models.AnalysisResult{}, fmt.Errorf("%w: %s", ErrResultNotFound, runID)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("read result %s: %w", runID, err)
	}
	if res.IsError() {
		return models.AnalysisResult{}, fmt.Errorf("get result %s returned %s: %s", runID, res.Status(), truncateBody(data))
	}

	var doc struct {
		Found  bool                  `json:"found"`
		Source models.AnalysisResult `json:"_source"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("decode result %s: %w", runID, err)
	}
	if !doc.Found {
		return models.AnalysisResult{}, fmt.Errorf("%w: %s", ErrResultNotFound, runID)
	}
	return doc.Source, nil
}

// MultiStore fans Save out to every store and loads from the first store that has the run.
type MultiStore struct {
	stores []ResultStore
	logger *slog.Logger
}

// NewMultiStore combines stores; nil entries are skipped.
func NewMultiStore(logger *slog.Logger, stores ...ResultStore) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]ResultStore, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiStore{stores: kept, logger: logger}
}

// Save writes to every store and joins their errors.
func (m *MultiStore) Save(ctx context.Context, result models.AnalysisResult) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Save(ctx, result); err != nil {
			m.logger.Warn("result store save failed", slog.String("run_id", result.RunID), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load returns the first hit across stores.
func (m *MultiStore) Load(ctx context.Context, runID string) (models.AnalysisResult, error) {
	var errs []error
	for _, s := range m.stores {
		result, err := s.Load(ctx, runID)
		if err == nil {
			return result, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return models.AnalysisResult{}, fmt.Errorf("%w: %s", ErrResultNotFound, runID)
	}
	return models.AnalysisResult{}, errors.Join(errs...)
}
