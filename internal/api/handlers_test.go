package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/repo"
	"github.com/miradorstack/mirador-logrca/internal/services"
	"github.com/miradorstack/mirador-logrca/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var fixedNow = time.Date(2024, 5, 2, 2, 0, 0, 0, time.UTC)

type fakeRuns struct {
	started   []models.RunRequest
	triggered []models.RunRequest
	startErr  error
	result    models.AnalysisResult
	runErr    error
	results   map[string]models.AnalysisResult
	resendErr error
	active    bool
	health    services.HealthReport
}

func (f *fakeRuns) Health(context.Context) services.HealthReport { return f.health }

func (f *fakeRuns) Start(_ context.Context, req models.RunRequest) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return "run-async", nil
}

func (f *fakeRuns) Trigger(_ context.Context, req models.RunRequest) (models.AnalysisResult, error) {
	f.triggered = append(f.triggered, req)
	return f.result, f.runErr
}

func (f *fakeRuns) Result(_ context.Context, runID string) (models.AnalysisResult, error) {
	res, ok := f.results[runID]
	if !ok {
		return models.AnalysisResult{}, utils.NewAppError("result", "load run "+runID, fmt.Errorf("%w: %s", repo.ErrResultNotFound, runID))
	}
	return res, nil
}

func (f *fakeRuns) Resend(_ context.Context, runID string) (models.AnalysisResult, error) {
	if f.resendErr != nil {
		return models.AnalysisResult{}, f.resendErr
	}
	return models.AnalysisResult{RunID: runID, EmailSent: true}, nil
}

func (f *fakeRuns) Cancel() bool { return f.active }

func (f *fakeRuns) State() (models.RunState, string) {
	if f.active {
		return models.RunStateRunning, "run-async"
	}
	return models.RunStateIdle, ""
}

func serve(t *testing.T, runs RunController, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(nil, runs, RouterOptions{Now: func() time.Time { return fixedNow }})

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTriggerRunStartsInBackground(t *testing.T) {
	runs := &fakeRuns{}
	w := serve(t, runs, http.MethodPost, "/api/v1/runs", nil)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-async", resp["runId"])

	require.Len(t, runs.started, 1)
	req := runs.started[0]
	assert.Equal(t, models.ModeManual, req.Mode)
	assert.Equal(t, fixedNow, req.Window.End)
	assert.Equal(t, 24*time.Hour, req.Window.Duration())
}

func TestTriggerRunExplicitWindowAndFilters(t *testing.T) {
	runs := &fakeRuns{}
	w := serve(t, runs, http.MethodPost, "/api/v1/runs", RunRequestBody{
		Start:       "2024-05-01T00:00:00Z",
		End:         "2024-05-01T06:00:00Z",
		Services:    []string{"payments"},
		Severities:  []string{"critical"},
		Environment: "prod",
		NoEmail:     true,
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, runs.started, 1)
	req := runs.started[0]
	assert.Equal(t, 6*time.Hour, req.Window.Duration())
	assert.Equal(t, []string{"payments"}, req.Filters.Services)
	assert.Equal(t, []string{"critical"}, req.Filters.Severities)
	assert.Equal(t, "prod", req.Filters.Environment)
	assert.True(t, req.NoEmail)
}

func TestTriggerRunValidation(t *testing.T) {
	tests := []struct {
		name string
		body RunRequestBody
	}{
		{name: "negative hours", body: RunRequestBody{Hours: -1}},
		{name: "start without end", body: RunRequestBody{Start: "2024-05-01T00:00:00Z"}},
		{name: "inverted window", body: RunRequestBody{Start: "2024-05-02T00:00:00Z", End: "2024-05-01T00:00:00Z"}},
		{name: "bad timestamp", body: RunRequestBody{Start: "yesterday", End: "today"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &fakeRuns{}
			w := serve(t, runs, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, runs.started)
		})
	}
}

func TestTriggerRunConflict(t *testing.T) {
	runs := &fakeRuns{startErr: fmt.Errorf("%w: run-1", models.ErrRunInProgress)}
	w := serve(t, runs, http.MethodPost, "/api/v1/runs", RunRequestBody{Hours: 6})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTriggerRunWait(t *testing.T) {
	runs := &fakeRuns{result: models.AnalysisResult{RunID: "run-sync", Status: models.StatusCompleted, RecordsFetched: 150}}
	w := serve(t, runs, http.MethodPost, "/api/v1/runs", RunRequestBody{Hours: 1, Wait: true})

	require.Equal(t, http.StatusOK, w.Code)
	var result models.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 150, result.RecordsFetched)
	require.Len(t, runs.triggered, 1)
	assert.Equal(t, time.Hour, runs.triggered[0].Window.Duration())

	failed := &fakeRuns{
		result: models.AnalysisResult{RunID: "run-bad", Status: models.StatusFailed, FailureReason: models.ReasonFetch},
		runErr: errors.New("search unavailable"),
	}
	w = serve(t, failed, http.MethodPost, "/api/v1/runs", RunRequestBody{Wait: true})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, models.ReasonFetch, result.FailureReason)
}

func TestGetRun(t *testing.T) {
	runs := &fakeRuns{results: map[string]models.AnalysisResult{"run-1": {RunID: "run-1", Status: models.StatusCompleted}}}

	w := serve(t, runs, http.MethodGet, "/api/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runId":"run-1"`)

	w = serve(t, runs, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResendRun(t *testing.T) {
	w := serve(t, &fakeRuns{}, http.MethodPost, "/api/v1/runs/run-1/resend", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"emailSent":true`)

	undeliverable := &fakeRuns{resendErr: utils.NewAppError("resend", "deliver report", &models.DeliveryError{Attempts: 3, Err: errors.New("smtp down")})}
	w = serve(t, undeliverable, http.MethodPost, "/api/v1/runs/run-1/resend", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"attempts":3`)
}

func TestRunStateAndCancel(t *testing.T) {
	idle := &fakeRuns{}
	w := serve(t, idle, http.MethodGet, "/api/v1/runs/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"Idle"`)

	w = serve(t, idle, http.MethodPost, "/api/v1/runs/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	active := &fakeRuns{active: true}
	w = serve(t, active, http.MethodPost, "/api/v1/runs/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHealthz(t *testing.T) {
	healthy := &fakeRuns{health: services.HealthReport{Status: services.HealthHealthy, RunState: "Idle"}}
	w := serve(t, healthy, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	unhealthy := &fakeRuns{health: services.HealthReport{
		Status:     services.HealthUnhealthy,
		Components: []services.ComponentHealth{{Name: "search", Status: services.HealthUnhealthy, Error: "connection refused"}},
	}}
	w = serve(t, unhealthy, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
