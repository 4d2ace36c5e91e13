package backend

import (
	"context"
	"fmt"

	"github.com/lamim/cs4/internal/api"
	"github.com/lamim/cs4/internal/config"
)

// Completions sends a whole batch as one /completions request with a prompt
// list, the way vLLM serves offline batches
type Completions struct {
	client *api.Client
	model  config.ModelConfig
	apiKey string
	system string
}

// NewCompletions creates a batched serving backend
func NewCompletions(client *api.Client, mc config.ModelConfig, apiKey, system string) *Completions {
	return &Completions{client: client, model: mc, apiKey: apiKey, system: system}
}

func (c *Completions) Name() string { return config.BackendCompletions }

// Generate maps each choice back to its request through the choice index
func (c *Completions) Generate(ctx context.Context, reqs []Request) ([]Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	prompts := make([]string, len(reqs))
	for i, req := range reqs {
		p, err := FormatPrompt(c.model.PromptFormat, c.system, req.Prompt)
		if err != nil {
			return nil, fmt.Errorf("failed to format prompt %s: %w", req.ID, err)
		}
		prompts[i] = p
	}

	resp, err := c.client.Completion(ctx, c.model, c.apiKey, api.CompletionRequest{
		Prompt:      prompts,
		Temperature: c.model.Temperature,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) != len(reqs) {
		return nil, fmt.Errorf("server returned %d choices for %d prompts", len(resp.Choices), len(reqs))
	}
	out := make([]Response, 0, len(reqs))
	seen := make(map[int]bool, len(reqs))
	for _, choice := range resp.Choices {
		if choice.Index < 0 || choice.Index >= len(reqs) {
			return nil, fmt.Errorf("choice index %d out of range", choice.Index)
		}
		if seen[choice.Index] {
			return nil, fmt.Errorf("duplicate choice index %d", choice.Index)
		}
		seen[choice.Index] = true
		out = append(out, Response{ID: reqs[choice.Index].ID, Text: choice.Text})
	}
	return out, nil
}
