package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/metering"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestChatCompletion_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Authorization header 'Bearer test-key', got '%s'", r.Header.Get("Authorization"))
		}
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Model != "gpt-4-turbo" || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected request: %+v", req)
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"id": "test-123",
			"object": "chat.completion",
			"model": "gpt-4-turbo",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Test response"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	client := NewClient(testLogger())
	meter := &metering.Memory{}
	client.SetMeter(meter)

	modelCfg := config.ModelConfig{
		BaseURL:            server.URL + "/v1/",
		ModelName:          "gpt-4-turbo",
		Temperature:        0.7,
		TopP:               1.0,
		MaxOutputTokens:    100,
		RateLimitPerMinute: 60,
	}

	ctx := metering.WithStage(context.Background(), "constraints")
	resp, err := client.ChatCompletion(ctx, modelCfg, "test-key", []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "Test message"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resp.Choices[0].Message.Content != "Test response" {
		t.Errorf("Expected content 'Test response', got '%s'", resp.Choices[0].Message.Content)
	}

	records := meter.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(records))
	}
	if records[0].TotalTokens != 15 || records[0].Model != "gpt-4-turbo" || records[0].Stage != "constraints" {
		t.Errorf("unexpected usage record: %+v", records[0])
	}
}

func TestChatCompletion_RetryOn500(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "Server error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "success"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`))
	}))
	defer server.Close()

	client := NewClient(testLogger())
	client.maxRetries = 3
	client.baseRetryDelay = 1 // 1ns for fast testing

	modelCfg := config.ModelConfig{BaseURL: server.URL, ModelName: "test", RateLimitPerMinute: 1000}

	resp, err := client.ChatCompletion(context.Background(), modelCfg, "", []Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("Expected success after retries, got error: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", got)
	}
	if resp.Choices[0].Message.Content != "success" {
		t.Errorf("Expected 'success', got '%s'", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletion_NonRetryableError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model", "type": "invalid_request_error", "code": 400}}`))
	}))
	defer server.Close()

	client := NewClient(testLogger())
	client.baseRetryDelay = 1
	modelCfg := config.ModelConfig{BaseURL: server.URL, ModelName: "test", RateLimitPerMinute: 1000}

	_, err := client.ChatCompletion(context.Background(), modelCfg, "", []Message{{Role: "user", Content: "x"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Retryable {
		t.Errorf("unexpected error classification: %+v", apiErr)
	}
	if apiErr.Message != "bad model" || apiErr.Type != "invalid_request_error" || apiErr.Code != "400" {
		t.Errorf("error body not decoded: %+v", apiErr)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("expected no retries, got %d attempts", got)
	}
}

func TestChatCompletion_RetriesDisabled(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(testLogger())
	modelCfg := config.ModelConfig{BaseURL: server.URL, ModelName: "test", RateLimitPerMinute: 1000, MaxRetries: -1}

	if _, err := client.ChatCompletion(context.Background(), modelCfg, "", []Message{{Role: "user", Content: "x"}}); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestCompletion_BatchOfPrompts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req CompletionRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if len(req.Prompt) != 2 || req.MaxTokens == nil || *req.MaxTokens != 4096 || req.TopP != 0.95 {
			t.Errorf("unexpected request: %s", body)
		}
		// Answer out of order; Index carries the prompt position
		_, _ = w.Write([]byte(`{
			"choices": [
				{"index": 1, "text": "second", "finish_reason": "stop"},
				{"index": 0, "text": "first", "finish_reason": "length"}
			],
			"usage": {"prompt_tokens": 20, "completion_tokens": 30, "total_tokens": 50}
		}`))
	}))
	defer server.Close()

	client := NewClient(testLogger())
	meter := &metering.Memory{}
	client.SetMeter(meter)
	modelCfg := config.ModelConfig{
		BaseURL: server.URL + "/v1", ModelName: "google/gemma-7b-it",
		TopP: 0.95, MaxOutputTokens: 4096, RateLimitPerMinute: 1000,
	}

	resp, err := client.Completion(context.Background(), modelCfg, "", CompletionRequest{
		Prompt:      []string{"a", "b"},
		Temperature: 0.8,
	})
	if err != nil {
		t.Fatalf("Completion() error = %v", err)
	}
	if len(resp.Choices) != 2 || resp.Choices[0].Index != 1 {
		t.Errorf("unexpected choices: %+v", resp.Choices)
	}
	if totals := meter.Totals(); len(totals) != 1 || totals[0].Tokens != 50 {
		t.Errorf("unexpected usage: %+v", totals)
	}
}

func TestCompletion_NoPrompts(t *testing.T) {
	client := NewClient(testLogger())
	if _, err := client.Completion(context.Background(), config.ModelConfig{}, "", CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty prompt list")
	}
}

func TestOllamaGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req OllamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request: %v", err)
		}
		if req.Stream || req.Model != "llama2:7b-chat" || req.Options["num_predict"] != float64(4096) {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"model": "llama2:7b-chat", "response": "Once upon a time", "done": true,
			"prompt_eval_count": 12, "eval_count": 4}`))
	}))
	defer server.Close()

	client := NewClient(testLogger())
	meter := &metering.Memory{}
	client.SetMeter(meter)
	modelCfg := config.ModelConfig{
		BaseURL: server.URL, ModelName: "llama2:7b-chat",
		Temperature: 0.8, TopP: 0.95, MaxOutputTokens: 4096, ContextSize: 8192, RateLimitPerMinute: 1000,
	}

	resp, err := client.OllamaGenerate(context.Background(), modelCfg, "Tell a story", "")
	if err != nil {
		t.Fatalf("OllamaGenerate() error = %v", err)
	}
	if resp.Response != "Once upon a time" {
		t.Errorf("Response = %q", resp.Response)
	}
	if records := meter.Records(); len(records) != 1 || records[0].TotalTokens != 16 {
		t.Errorf("unexpected usage: %+v", records)
	}
}

func TestNewAPIError_OllamaStringBody(t *testing.T) {
	err := newAPIError(http.StatusNotFound, []byte(`{"error": "model 'x' not found"}`))
	if err.Message != "model 'x' not found" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Retryable {
		t.Error("404 must not be retryable")
	}

	plain := newAPIError(http.StatusBadGateway, []byte("upstream down"))
	if !plain.Retryable {
		t.Error("502 must be retryable")
	}
}

func TestRateLimiterPool_ReusesLimiter(t *testing.T) {
	pool := NewRateLimiterPool(testLogger())
	a := pool.GetOrCreate("m", 60)
	b := pool.GetOrCreate("m", 120)
	if a != b {
		t.Error("expected the same limiter for the same model")
	}
	if a.Burst() != 5 {
		t.Errorf("Burst() = %d, want 5", a.Burst())
	}
	if c := pool.GetOrCreate("big", 600); c.Burst() != 120 {
		t.Errorf("Burst() = %d, want 120", c.Burst())
	}
}
