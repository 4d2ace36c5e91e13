package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lamim/cs4/internal/api"
	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/util"
)

// Chat sends one /chat/completions request per prompt, the prompts of a
// batch in parallel
type Chat struct {
	client *api.Client
	model  config.ModelConfig
	apiKey string
	system string
	logger *slog.Logger
}

// NewChat creates a chat backend
func NewChat(client *api.Client, mc config.ModelConfig, apiKey, system string, logger *slog.Logger) *Chat {
	return &Chat{
		client: client,
		model:  mc,
		apiKey: apiKey,
		system: system,
		logger: logger.With("component", "chat_backend", "model", mc.ModelName),
	}
}

func (c *Chat) Name() string { return config.BackendChat }

type chatResult struct {
	index int
	text  string
	err   error
}

// Generate runs one worker per request
func (c *Chat) Generate(ctx context.Context, reqs []Request) ([]Response, error) {
	results := make(chan chatResult, len(reqs))
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			text, err := c.complete(ctx, req.Prompt)
			results <- chatResult{index: i, text: text, err: err}
		}(i, req)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Response, len(reqs))
	var firstErr error
	for r := range results {
		if r.err != nil {
			c.logger.Error("Chat request failed", "request_id", reqs[r.index].ID, "error", r.err)
			if firstErr == nil {
				firstErr = fmt.Errorf("request %s: %w", reqs[r.index].ID, r.err)
			}
			continue
		}
		out[r.index] = Response{ID: reqs[r.index].ID, Text: r.text}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *Chat) complete(ctx context.Context, prompt string) (string, error) {
	messages := make([]api.Message, 0, 2)
	if c.system != "" {
		messages = append(messages, api.Message{Role: "system", Content: c.system})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	resp, err := c.client.ChatCompletion(ctx, c.model, c.apiKey, messages)
	if err != nil {
		return "", err
	}
	return util.StripThinkTags(resp.Choices[0].Message.Content), nil
}
