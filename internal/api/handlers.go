package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/repo"
	"github.com/miradorstack/mirador-logrca/internal/services"
	"github.com/miradorstack/mirador-logrca/internal/utils"
)

// RunController is the run lifecycle surface the admin API drives.
type RunController interface {
	HealthChecker
	Start(ctx context.Context, req models.RunRequest) (string, error)
	Trigger(ctx context.Context, req models.RunRequest) (models.AnalysisResult, error)
	Result(ctx context.Context, runID string) (models.AnalysisResult, error)
	Resend(ctx context.Context, runID string) (models.AnalysisResult, error)
	Cancel() bool
	State() (models.RunState, string)
}

// RouterOptions tunes request defaults.
type RouterOptions struct {
	DefaultHours int
	Now          func() time.Time
}

type handlers struct {
	runs   RunController
	opts   RouterOptions
	logger *slog.Logger
}

// RunRequestBody is the JSON body of POST /api/v1/runs. Start and End take precedence over Hours.
type RunRequestBody struct {
	Hours       int      `json:"hours" binding:"omitempty,gte=1,lte=720"`
	Start       string   `json:"start" binding:"required_with=End"`
	End         string   `json:"end" binding:"required_with=Start"`
	Services    []string `json:"services"`
	Severities  []string `json:"severities"`
	Environment string   `json:"environment"`
	NoEmail     bool     `json:"noEmail"`
	Wait        bool     `json:"wait"`
}

// NewRouter builds the admin HTTP API.
func NewRouter(logger *slog.Logger, runs RunController, opts RouterOptions) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultHours <= 0 {
		opts.DefaultHours = 24
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &handlers{runs: runs, opts: opts, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLog)

	router.GET("/healthz", h.health)
	v1 := router.Group("/api/v1")
	{
		v1.POST("/runs", h.triggerRun)
		v1.GET("/runs/state", h.runState)
		v1.POST("/runs/cancel", h.cancelRun)
		v1.GET("/runs/:id", h.getRun)
		v1.POST("/runs/:id/resend", h.resendRun)
	}
	return router
}

func (h *handlers) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("http request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.FullPath()),
		slog.Int("status", c.Writer.Status()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

func (h *handlers) health(c *gin.Context) {
	report := h.runs.Health(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (h *handlers) triggerRun(c *gin.Context) {
	var body RunRequestBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	req, err := h.runRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !body.Wait {
		runID, err := h.runs.Start(c.Request.Context(), req)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"runId": runID, "state": models.RunStateRunning})
		return
	}

	result, err := h.runs.Trigger(c.Request.Context(), req)
	if err != nil && result.RunID == "" {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.Status == models.StatusFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, result)
}

func (h *handlers) runRequest(body RunRequestBody) (models.RunRequest, error) {
	var (
		window models.Window
		err    error
	)
	if body.Start != "" || body.End != "" {
		window, err = utils.ParseWindow(body.Start, body.End)
	} else {
		hours := body.Hours
		if hours == 0 {
			hours = h.opts.DefaultHours
		}
		window, err = utils.WindowFromHours(h.opts.Now(), hours)
	}
	if err != nil {
		return models.RunRequest{}, err
	}
	return models.RunRequest{
		Mode:   models.ModeManual,
		Window: window,
		Filters: models.Filters{
			Services:    body.Services,
			Severities:  body.Severities,
			Environment: body.Environment,
		},
		NoEmail: body.NoEmail,
	}, nil
}

func (h *handlers) runState(c *gin.Context) {
	state, active := h.runs.State()
	c.JSON(http.StatusOK, gin.H{"state": state, "activeRunId": active})
}

func (h *handlers) cancelRun(c *gin.Context) {
	if !h.runs.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "no active run"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (h *handlers) getRun(c *gin.Context) {
	result, err := h.runs.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) resendRun(c *gin.Context) {
	result, err := h.runs.Resend(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) writeError(c *gin.Context, err error) {
	var delivery *models.DeliveryError
	switch {
	case errors.Is(err, models.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &delivery):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "attempts": delivery.Attempts})
	default:
		h.logger.Error("admin request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

var _ RunController = (*services.RunService)(nil)
