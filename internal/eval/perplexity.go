package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"unicode/utf8"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/cs4/internal/api"
	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

// PerplexityStage labels usage records
const PerplexityStage = "perplexity"

// ErrNoLogprobs is returned when a server answers without token logprobs
var ErrNoLogprobs = errors.New("response carries no token logprobs")

// FromLogprobs returns exp(-mean(logprob)) over the non-null entries
func FromLogprobs(logprobs []*float64) (float64, error) {
	sum, n := 0.0, 0
	for _, lp := range logprobs {
		if lp == nil {
			continue
		}
		sum += *lp
		n++
	}
	if n == 0 {
		return 0, ErrNoLogprobs
	}
	return math.Exp(-sum / float64(n)), nil
}

// Scorer asks a completions server to echo texts with logprobs and turns
// them into perplexities
type Scorer struct {
	client    *api.Client
	model     config.ModelConfig
	apiKey    string
	batchSize int
	logger    *slog.Logger
}

// NewScorer creates a scorer sending batchSize texts per request
func NewScorer(client *api.Client, model config.ModelConfig, apiKey string, batchSize int, logger *slog.Logger) *Scorer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Scorer{
		client:    client,
		model:     model,
		apiKey:    apiKey,
		batchSize: batchSize,
		logger:    logger.With("component", "perplexity", "model", model.ModelName),
	}
}

// Score returns one perplexity per text, in order
func (s *Scorer) Score(ctx context.Context, texts []string) ([]float64, error) {
	ctx = metering.WithStage(ctx, PerplexityStage)
	out := make([]float64, len(texts))

	bar := progressbar.Default(int64(len(texts)), "Scoring perplexity")
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		if err := s.scoreBatch(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, fmt.Errorf("texts %d-%d: %w", start, end-1, err)
		}
		_ = bar.Add(end - start)
	}
	return out, nil
}

func (s *Scorer) scoreBatch(ctx context.Context, texts []string, out []float64) error {
	maxTokens, logprobs := 1, 0
	resp, err := s.client.Completion(ctx, s.model, s.apiKey, api.CompletionRequest{
		Prompt:    texts,
		MaxTokens: &maxTokens,
		Echo:      true,
		Logprobs:  &logprobs,
	})
	if err != nil {
		return err
	}

	done := make([]bool, len(texts))
	for _, choice := range resp.Choices {
		i := choice.Index
		if i < 0 || i >= len(texts) || done[i] {
			return fmt.Errorf("unexpected choice index %d", i)
		}
		if choice.Logprobs == nil {
			return fmt.Errorf("text %d: %w", i, ErrNoLogprobs)
		}
		ppl, err := FromLogprobs(promptLogprobs(choice.Logprobs, utf8.RuneCountInString(texts[i])))
		if err != nil {
			return fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = ppl
		done[i] = true
	}
	for i, ok := range done {
		if !ok {
			return fmt.Errorf("no logprobs returned for text %d", i)
		}
	}
	return nil
}

// promptLogprobs keeps the echoed tokens that start inside the prompt.
// Offsets count characters, so promptLen is a rune count. Without offsets
// every entry is used.
func promptLogprobs(lp *api.Logprobs, promptLen int) []*float64 {
	if len(lp.TextOffset) != len(lp.TokenLogprobs) {
		return lp.TokenLogprobs
	}
	var kept []*float64
	for i, off := range lp.TextOffset {
		if off < promptLen {
			kept = append(kept, lp.TokenLogprobs[i])
		}
	}
	return kept
}

// AddPerplexity scores the stories in col and writes the Perplexity column
func AddPerplexity(ctx context.Context, t *table.Table, s *Scorer, col string) error {
	if err := t.Require(col); err != nil {
		return err
	}
	texts := make([]string, t.Len())
	for r := range texts {
		texts[r] = t.Get(r, col)
	}
	scores, err := s.Score(ctx, texts)
	if err != nil {
		return err
	}
	for r, ppl := range scores {
		t.Set(r, models.ColPerplexity, formatFloat(ppl))
	}
	s.logger.Info("Perplexity scored", "rows", t.Len())
	return nil
}
