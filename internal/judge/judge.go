// Package judge runs LLM-as-a-judge evaluations: constraint satisfaction
// counts and pairwise story quality.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lamim/cs4/internal/api"
	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/util"
)

// ErrUnparseable is returned when a judge answer does not follow the expected format
var ErrUnparseable = errors.New("unparseable judge response")

// Judge sends one prompt at a time to a chat model under a fixed system prompt
type Judge struct {
	apiClient *api.Client
	model     config.ModelConfig
	apiKey    string
	system    string
	logger    *slog.Logger
}

// New creates a judge for a configured chat model
func New(apiClient *api.Client, model config.ModelConfig, apiKey, system string, logger *slog.Logger) *Judge {
	return &Judge{
		apiClient: apiClient,
		model:     model,
		apiKey:    apiKey,
		system:    system,
		logger:    logger.With("component", "judge", "model", model.ModelName),
	}
}

// Ask returns the judge's answer to prompt
func (j *Judge) Ask(ctx context.Context, prompt string) (string, error) {
	messages := make([]api.Message, 0, 2)
	if j.system != "" {
		messages = append(messages, api.Message{Role: "system", Content: j.system})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	resp, err := j.apiClient.ChatCompletion(ctx, j.model, j.apiKey, messages)
	if err != nil {
		return "", err
	}

	content := util.StripThinkTags(resp.Choices[0].Message.Content)
	j.logger.Debug("Received judge response",
		"length", len(content),
		"first_200_chars", util.TruncateString(content, 200))
	return content, nil
}

// unparseable wraps ErrUnparseable with a short excerpt of the answer
func unparseable(reason, answer string) error {
	excerpt := util.TruncateString(strings.TrimSpace(answer), 120)
	return fmt.Errorf("%w: %s (response: %q)", ErrUnparseable, reason, excerpt)
}
