// Package backend turns prompts into generated text through a model server.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lamim/cs4/internal/api"
	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/util"
)

// Request is one prompt tagged with the ID used to correlate its output
type Request struct {
	ID     string
	Prompt string
}

// Response is the generated text for the request with the same ID
type Response struct {
	ID   string
	Text string
}

// Backend generates one response per request. Implementations may return
// responses in any order but must carry each request's ID.
type Backend interface {
	Name() string
	Generate(ctx context.Context, reqs []Request) ([]Response, error)
}

// New builds the backend selected by the model config
func New(client *api.Client, mc config.ModelConfig, apiKey, system string, logger *slog.Logger) (Backend, error) {
	switch mc.Backend {
	case config.BackendChat, "":
		return NewChat(client, mc, apiKey, system, logger), nil
	case config.BackendCompletions:
		return NewCompletions(client, mc, apiKey, system), nil
	case config.BackendOllama:
		return NewOllama(client, mc, system), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", mc.Backend)
	}
}

// FormatPrompt wraps a raw prompt in the model's prompt format, if any
func FormatPrompt(format, system, prompt string) (string, error) {
	if format == "" {
		return prompt, nil
	}
	return util.RenderTemplate(format, map[string]any{
		"System": system,
		"Prompt": prompt,
	})
}
