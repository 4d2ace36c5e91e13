package backend

import (
	"context"
	"fmt"

	"github.com/lamim/cs4/internal/api"
	"github.com/lamim/cs4/internal/config"
)

// Ollama generates through a local Ollama server, one prompt at a time
type Ollama struct {
	client *api.Client
	model  config.ModelConfig
	system string
}

// NewOllama creates a local model backend
func NewOllama(client *api.Client, mc config.ModelConfig, system string) *Ollama {
	return &Ollama{client: client, model: mc, system: system}
}

func (o *Ollama) Name() string { return config.BackendOllama }

// Generate runs the batch sequentially; a local server holds one model in memory
func (o *Ollama) Generate(ctx context.Context, reqs []Request) ([]Response, error) {
	out := make([]Response, 0, len(reqs))
	for _, req := range reqs {
		prompt, system := req.Prompt, o.system
		if o.model.PromptFormat != "" {
			formatted, err := FormatPrompt(o.model.PromptFormat, o.system, req.Prompt)
			if err != nil {
				return nil, fmt.Errorf("failed to format prompt %s: %w", req.ID, err)
			}
			prompt, system = formatted, ""
		}

		resp, err := o.client.OllamaGenerate(ctx, o.model, prompt, system)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", req.ID, err)
		}
		out = append(out, Response{ID: req.ID, Text: resp.Response})
	}
	return out, nil
}
