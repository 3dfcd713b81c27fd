package repo

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"testing"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

// capturedRequest keeps the parts of a request the assertions need.
type capturedRequest struct {
	Method string
	Path   string
	Body   string
}

type recorder struct {
	mu       sync.Mutex
	requests []capturedRequest
}

func (r *recorder) add(req *http.Request) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, capturedRequest{Method: req.Method, Path: req.URL.Path, Body: string(body)})
}

func (r *recorder) last() capturedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

// newTestSDK returns an OpenSearch client whose transport is handled by fn.
func newTestSDK(t *testing.T, rec *recorder, fn func(req *http.Request) *http.Response) *opensearch.Client {
	t.Helper()
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{"http://search.test:9200"},
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			rec.add(req)
			return fn(req), nil
		}),
	})
	require.NoError(t, err)
	return client
}
