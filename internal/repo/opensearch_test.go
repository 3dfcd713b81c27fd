package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

var searchWindow = models.Window{
	Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
}

const fullPage = `{"hits":{"hits":[
 {"_id":"a","_source":{"@timestamp":"2024-05-01T10:00:00Z","message":"boom","log.level":"error"},"sort":[1714557600000,"a"]},
 {"_id":"b","_source":{"@timestamp":"2024-05-01T09:00:00Z","message":"bang","log.level":"critical"},"sort":[1714554000000,"b"]}
]}}`

func TestOpenSearchFetchPageBuildsQuery(t *testing.T) {
	rec := &recorder{}
	sdk := newTestSDK(t, rec, func(*http.Request) *http.Response { return jsonResponse(http.StatusOK, fullPage) })
	client := NewOpenSearchClient(nil, sdk, OpenSearchConfig{Index: "app-logs-*", PageSize: 2})

	filters := models.Filters{Services: []string{"payments"}, Severities: []string{"ERROR", " Warning "}, Environment: "prod"}
	page, err := client.FetchPage(context.Background(), searchWindow, filters, "")
	require.NoError(t, err)

	require.Len(t, page.Records, 2)
	assert.Equal(t, "boom", page.Records[0]["message"])
	assert.JSONEq(t, `[1714554000000,"b"]`, page.NextCursor)

	req := rec.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/app-logs-*/_search", req.Path)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.EqualValues(t, 2, body["size"])
	assert.NotContains(t, body, "search_after")

	must := body["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	require.Len(t, must, 4)
	rng := must[0].(map[string]any)["range"].(map[string]any)["@timestamp"].(map[string]any)
	assert.Equal(t, "2024-05-01T00:00:00Z", rng["gte"])
	assert.Equal(t, "2024-05-02T00:00:00Z", rng["lte"])
	assert.Equal(t, []any{"error", "warning"}, must[1].(map[string]any)["terms"].(map[string]any)["log.level"])
	assert.Equal(t, []any{"payments"}, must[2].(map[string]any)["terms"].(map[string]any)["service.name"])
	assert.Equal(t, "prod", must[3].(map[string]any)["term"].(map[string]any)["service.environment"])
}

func TestOpenSearchFetchPageSendsCursor(t *testing.T) {
	rec := &recorder{}
	sdk := newTestSDK(t, rec, func(*http.Request) *http.Response {
		return jsonResponse(http.StatusOK, `{"hits":{"hits":[{"_id":"c","_source":{"message":"x"},"sort":[1,"c"]}]}}`)
	})
	client := NewOpenSearchClient(nil, sdk, OpenSearchConfig{PageSize: 2})

	page, err := client.FetchPage(context.Background(), searchWindow, models.Filters{}, `[1714554000000,"b"]`)
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Empty(t, page.NextCursor, "short page ends pagination")

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.last().Body), &body))
	assert.Equal(t, []any{1714554000000.0, "b"}, body["search_after"])

	must := body["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	assert.Equal(t, []any{"error", "critical"}, must[1].(map[string]any)["terms"].(map[string]any)["log.level"], "default severities")
}

func TestOpenSearchFetchPageErrors(t *testing.T) {
	rec := &recorder{}
	sdk := newTestSDK(t, rec, func(*http.Request) *http.Response {
		return jsonResponse(http.StatusInternalServerError, `{"error":{"type":"cluster_block_exception","reason":"blocked"},"status":500}`)
	})
	client := NewOpenSearchClient(nil, sdk, OpenSearchConfig{})

	_, err := client.FetchPage(context.Background(), searchWindow, models.Filters{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster_block_exception")

	_, err = client.FetchPage(context.Background(), searchWindow, models.Filters{}, "not-json")
	assert.Error(t, err)

	var nilClient *OpenSearchClient
	_, err = nilClient.FetchPage(context.Background(), searchWindow, models.Filters{}, "")
	assert.Error(t, err)
}

func TestOpenSearchPing(t *testing.T) {
	rec := &recorder{}
	status := http.StatusOK
	sdk := newTestSDK(t, rec, func(*http.Request) *http.Response {
		return jsonResponse(status, `{"version":{"number":"2.11.0"}}`)
	})
	client := NewOpenSearchClient(nil, sdk, OpenSearchConfig{})

	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, "/", rec.last().Path)

	status = http.StatusUnauthorized
	assert.Error(t, client.Ping(context.Background()))
}

func TestNewOpenSearchSDKRequiresAddresses(t *testing.T) {
	_, err := NewOpenSearchSDK(OpenSearchConfig{Addresses: []string{" "}})
	assert.Error(t, err)

	client, err := NewOpenSearchSDK(OpenSearchConfig{Addresses: []string{"search.internal:9200"}})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
