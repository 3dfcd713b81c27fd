package repo

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/miradorstack/mirador-logrca/internal/engine"
	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/normalizer"
)

const (
	defaultSearchTimeout = 30 * time.Second
	defaultPageSize      = 1000
)

// OpenSearchConfig configures the log search backend.
type OpenSearchConfig struct {
	Addresses          []string
	Username           string
	Password           string
	Index              string
	InsecureSkipVerify bool
	Timeout            time.Duration
	PageSize           int
	DefaultSeverities  []string
	Fields             normalizer.FieldMappings
}

// NewOpenSearchSDK builds the SDK client shared by the search client and result store.
func NewOpenSearchSDK(cfg OpenSearchConfig) (*opensearch.Client, error) {
	addresses := make([]string, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			addr = "http://" + addr
		}
		addresses = append(addresses, strings.TrimRight(addr, "/"))
	}
	if len(addresses) == 0 {
		return nil, errors.New("opensearch addresses not configured")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSearchTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("init opensearch client: %w", err)
	}
	return client, nil
}

// OpenSearchClient pages raw log documents out of an OpenSearch or Elasticsearch index
// using search_after.
type OpenSearchClient struct {
	client     *opensearch.Client
	index      string
	pageSize   int
	severities []string
	fields     normalizer.FieldMappings
	logger     *slog.Logger
}

// NewOpenSearchClient wraps an SDK client.
func NewOpenSearchClient(logger *slog.Logger, client *opensearch.Client, cfg OpenSearchConfig) *OpenSearchClient {
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	index := cfg.Index
	if index == "" {
		index = "logs-*"
	}
	severities := cfg.DefaultSeverities
	if len(severities) == 0 {
		severities = []string{"error", "critical"}
	}
	fields := cfg.Fields
	def := normalizer.DefaultFieldMappings()
	if fields.Timestamp == "" {
		fields.Timestamp = def.Timestamp
	}
	if fields.Severity == "" {
		fields.Severity = def.Severity
	}
	if fields.Service == "" {
		fields.Service = def.Service
	}
	if fields.Environment == "" {
		fields.Environment = def.Environment
	}
	return &OpenSearchClient{
		client:     client,
		index:      index,
		pageSize:   pageSize,
		severities: severities,
		fields:     fields,
		logger:     logger,
	}
}

type searchHits struct {
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Source map[string]any  `json:"_source"`
			Sort   json.RawMessage `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// FetchPage implements engine.SearchClient. The cursor is the JSON-encoded sort values of
// the last hit of the previous page.
func (c *OpenSearchClient) FetchPage(ctx context.Context, window models.Window, filters models.Filters, cursor string) (engine.Page, error) {
	if c == nil || c.client == nil {
		return engine.Page{}, errors.New("opensearch client not initialised")
	}

	query, err := c.buildQuery(window, filters, cursor)
	if err != nil {
		return engine.Page{}, err
	}
	body, err := encodeBody(query)
	if err != nil {
		return engine.Page{}, err
	}

	start := time.Now()
	ignoreUnavailable := true
	req := opensearchapi.SearchRequest{
		Index:             []string{c.index},
		Body:              body,
		IgnoreUnavailable: &ignoreUnavailable,
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return engine.Page{}, fmt.Errorf("search %s: %w", c.index, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return engine.Page{}, fmt.Errorf("read search response: %w", err)
	}
	if res.IsError() {
		return engine.Page{}, fmt.Errorf("search %s returned %s: %s", c.index, res.Status(), truncateBody(data))
	}

	var parsed searchHits
	if err := json.Unmarshal(data, &parsed); err != nil {
		return engine.Page{}, fmt.Errorf("decode search response: %w", err)
	}

	page := engine.Page{Records: make([]map[string]any, 0, len(parsed.Hits.Hits))}
	for _, hit := range parsed.Hits.Hits {
		if hit.Source == nil {
			continue
		}
		page.Records = append(page.Records, hit.Source)
	}
	if n := len(parsed.Hits.Hits); n == c.pageSize && len(parsed.Hits.Hits[n-1].Sort) > 0 {
		page.NextCursor = string(parsed.Hits.Hits[n-1].Sort)
	}

	c.logger.Debug("opensearch page fetched",
		slog.String("index", c.index),
		slog.Int("hits", len(page.Records)),
		slog.Bool("more", page.NextCursor != ""),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return page, nil
}

func (c *OpenSearchClient) buildQuery(window models.Window, filters models.Filters, cursor string) (map[string]any, error) {
	must := []any{
		map[string]any{
			"range": map[string]any{
				c.fields.Timestamp: map[string]any{
					"gte":    window.Start.UTC().Format(time.RFC3339Nano),
					"lte":    window.End.UTC().Format(time.RFC3339Nano),
					"format": "strict_date_optional_time",
				},
			},
		},
	}

	severities := filters.Severities
	if len(severities) == 0 {
		severities = c.severities
	}
	levels := make([]string, 0, len(severities))
	for _, s := range severities {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			levels = append(levels, s)
		}
	}
	if len(levels) > 0 {
		must = append(must, map[string]any{"terms": map[string]any{c.fields.Severity: levels}})
	}
	if len(filters.Services) > 0 {
		must = append(must, map[string]any{"terms": map[string]any{c.fields.Service: filters.Services}})
	}
	if filters.Environment != "" {
		must = append(must, map[string]any{"term": map[string]any{c.fields.Environment: filters.Environment}})
	}

	query := map[string]any{
		"size":  c.pageSize,
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"sort": []any{
			map[string]any{c.fields.Timestamp: map[string]any{"order": "desc", "unmapped_type": "date"}},
			map[string]any{"_id": map[string]any{"order": "asc"}},
		},
	}
	if cursor != "" {
		var after []any
		if err := json.Unmarshal([]byte(cursor), &after); err != nil {
			return nil, fmt.Errorf("invalid search cursor %q: %w", cursor, err)
		}
		query["search_after"] = after
	}
	return query, nil
}

// Ping checks that the cluster answers.
func (c *OpenSearchClient) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("opensearch client not initialised")
	}
	res, err := opensearchapi.InfoRequest{}.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("opensearch info: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.IsError() {
		return fmt.Errorf("opensearch info returned %s", res.Status())
	}
	return nil
}

func encodeBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return bytes.NewReader(data), nil
}

func truncateBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
