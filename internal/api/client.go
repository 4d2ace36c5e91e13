package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/metrics"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// Client handles HTTP requests to OpenAI-compatible and Ollama endpoints
type Client struct {
	httpClient      *http.Client
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
	meter           metering.Meter
	collector       *metrics.Collector
	maxRetries      int
	baseRetryDelay  time.Duration
}

// NewClient creates a new API client
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		// Per-request deadlines come from the model config
		httpClient:      &http.Client{},
		rateLimiterPool: NewRateLimiterPool(logger),
		logger:          logger.With("component", "api"),
		meter:           metering.Nop{},
		maxRetries:      DefaultMaxRetries,
		baseRetryDelay:  DefaultBaseRetryDelay,
	}
}

// SetMeter sets where token usage is reported
func (c *Client) SetMeter(m metering.Meter) {
	if m == nil {
		m = metering.Nop{}
	}
	c.meter = m
}

// SetCollector enables request and rate limiter metrics
func (c *Client) SetCollector(collector *metrics.Collector) {
	c.collector = collector
	c.rateLimiterPool.collector = collector
}

// ChatCompletion sends a chat completion request to the specified model
func (c *Client) ChatCompletion(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	req := ChatCompletionRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: modelCfg.Temperature,
		TopP:        modelCfg.TopP,
		MaxTokens:   modelCfg.MaxOutputTokens,
		N:           1,
	}

	var resp ChatCompletionResponse
	if err := c.call(ctx, modelCfg, apiKey, "chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}

	c.recordUsage(ctx, modelCfg.ModelName, resp.Usage)
	return &resp, nil
}

// Completion sends a legacy completion request carrying one or more prompts.
// Model and unset sampling fields are filled from modelCfg.
func (c *Client) Completion(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	req CompletionRequest,
) (*CompletionResponse, error) {
	if len(req.Prompt) == 0 {
		return nil, fmt.Errorf("completion request has no prompts")
	}
	req.Model = modelCfg.ModelName
	if req.TopP == 0 {
		req.TopP = modelCfg.TopP
	}
	if req.MaxTokens == nil {
		maxTokens := modelCfg.MaxOutputTokens
		req.MaxTokens = &maxTokens
	}

	var resp CompletionResponse
	if err := c.call(ctx, modelCfg, apiKey, "completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}

	c.recordUsage(ctx, modelCfg.ModelName, resp.Usage)
	return &resp, nil
}

// OllamaGenerate sends a non-streaming generate request to a local Ollama server.
// With a prompt format configured the prompt is sent raw, bypassing Ollama's template.
func (c *Client) OllamaGenerate(
	ctx context.Context,
	modelCfg config.ModelConfig,
	prompt, system string,
) (*OllamaGenerateResponse, error) {
	req := OllamaGenerateRequest{
		Model:  modelCfg.ModelName,
		Prompt: prompt,
		System: system,
		Raw:    modelCfg.PromptFormat != "", // prompt is already in the model's chat format
		Stream: false,
		Options: map[string]any{
			"temperature": modelCfg.Temperature,
			"top_p":       modelCfg.TopP,
			"num_predict": modelCfg.MaxOutputTokens,
			"num_ctx":     modelCfg.ContextSize,
		},
	}

	var resp OllamaGenerateResponse
	if err := c.call(ctx, modelCfg, "", "api/generate", req, &resp); err != nil {
		return nil, err
	}

	c.recordUsage(ctx, modelCfg.ModelName, Usage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	})
	return &resp, nil
}

// call waits for the model's rate limiter and posts body with retries
func (c *Client) call(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey, path string,
	body, out any,
) error {
	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)
	if err := c.rateLimiterPool.Wait(ctx, modelID, modelCfg.RateLimitPerMinute); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	maxRetries := c.maxRetries
	switch {
	case modelCfg.MaxRetries < 0:
		maxRetries = 0
	case modelCfg.MaxRetries > 0:
		maxRetries = modelCfg.MaxRetries
	}

	timeout := DefaultHTTPTimeout
	if modelCfg.HTTPTimeoutSeconds > 0 {
		timeout = time.Duration(modelCfg.HTTPTimeoutSeconds) * time.Second
	}

	endpoint := joinURL(modelCfg.BaseURL, path)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sleepDuration := c.backoff(attempt, lastErr)
			c.logger.Warn("Retrying API request",
				"attempt", attempt,
				"max_retries", maxRetries,
				"backoff", sleepDuration,
				"model", modelCfg.ModelName,
				"is_rate_limit", isRateLimitError(lastErr))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleepDuration):
			}
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.doRequest(attemptCtx, endpoint, apiKey, payload, out)
		cancel()
		if c.collector != nil {
			c.collector.RecordAPIRequest(modelCfg.ModelName, path, time.Since(start), err == nil)
		}
		if err == nil {
			return nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoff is 2^(n-1) base delays, or 3^n for rate limits, with ±10% jitter
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
	if isRateLimitError(lastErr) {
		backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
	}
	jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1))
	return backoff + jitter
}

func (c *Client) doRequest(ctx context.Context, endpoint, apiKey string, payload []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	c.logger.Debug("API request", "endpoint", endpoint, "has_key", apiKey != "", "bytes", len(payload))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network failures and per-attempt timeouts are retryable
		return &APIError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &APIError{
			Message:   fmt.Sprintf("failed to read response: %v", err),
			Retryable: true,
		}
	}

	if httpResp.StatusCode != http.StatusOK {
		return newAPIError(httpResp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) recordUsage(ctx context.Context, model string, u Usage) {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	err := c.meter.Record(ctx, metering.Usage{
		Model:            model,
		Stage:            metering.StageFrom(ctx),
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
		At:               time.Now(),
	})
	if err != nil {
		c.logger.Warn("Failed to record token usage", "model", model, "error", err)
	}
}

func joinURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + path
}

func newAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Retryable:  isStatusCodeRetryable(statusCode),
	}

	var raw struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err == nil && len(raw.Error) > 0 {
		var errResp ErrorResponse
		if json.Unmarshal(raw.Error, &errResp.Detail) == nil && errResp.Detail.Message != "" {
			apiErr.Message = errResp.Detail.Message
			apiErr.Type = errResp.Detail.Type
			if errResp.Detail.Code != nil {
				apiErr.Code = fmt.Sprint(errResp.Detail.Code)
			}
			return apiErr
		}
		if json.Unmarshal(raw.Error, &errResp.Text) == nil && errResp.Text != "" {
			apiErr.Message = errResp.Text
			return apiErr
		}
	}

	apiErr.Message = fmt.Sprintf("API request failed with status %d: %s", statusCode, string(body))
	return apiErr
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

func isRateLimitError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// APIError represents an error returned by the API
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
