package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const systemPrompt = "You are a senior site reliability engineer. Answer with the requested JSON only."

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float32
	MaxTokens         int
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// OpenAICompleter implements engine.Completer over the chat completions API.
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewOpenAICompleter builds a completer; an empty BaseURL targets api.openai.com.
func NewOpenAICompleter(logger *slog.Logger, cfg OpenAIConfig) (*OpenAICompleter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ai api key not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("ai model not configured")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger.Info("ai completer initialised", slog.String("model", cfg.Model), slog.String("base_url", clientCfg.BaseURL))
	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		limiter:     limiter,
		logger:      logger,
	}, nil
}

// Model returns the configured model name.
func (o *OpenAICompleter) Model() string { return o.model }

// Complete sends the prompt as a single user turn and returns the first choice.
func (o *OpenAICompleter) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("ai rate limit: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: o.temperature,
	}
	if o.maxTokens > 0 {
		req.MaxTokens = o.maxTokens
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("ai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("ai completion returned no choices")
	}
	o.logger.Debug("ai completion received",
		slog.String("model", o.model),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return resp.Choices[0].Message.Content, nil
}

// Ping lists models to confirm the endpoint and credentials.
func (o *OpenAICompleter) Ping(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return fmt.Errorf("ai list models: %w", err)
	}
	return nil
}
