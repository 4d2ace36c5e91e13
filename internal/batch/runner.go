// Package batch drives a backend over fixed-size chunks of requests.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/lamim/cs4/internal/backend"
	"github.com/lamim/cs4/internal/metrics"
)

var (
	// ErrMissingResponse is returned when a backend drops a request
	ErrMissingResponse = errors.New("missing response")
	// ErrUnknownResponse is returned for a response ID not in the batch
	ErrUnknownResponse = errors.New("unknown response id")
	// ErrDuplicateResponse is returned when an ID is answered twice
	ErrDuplicateResponse = errors.New("duplicate response id")
)

// Runner submits requests to a backend in batches of Size
type Runner struct {
	backend      backend.Backend
	size         int
	logger       *slog.Logger
	collector    *metrics.Collector
	showProgress bool
}

// NewRunner creates a runner; sizes below 1 are treated as 1
func NewRunner(b backend.Backend, size int, logger *slog.Logger) *Runner {
	if size < 1 {
		size = 1
	}
	return &Runner{
		backend: b,
		size:    size,
		logger:  logger.With("component", "batch", "backend", b.Name()),
	}
}

// SetCollector enables batch metrics
func (r *Runner) SetCollector(c *metrics.Collector) { r.collector = c }

// SetProgress toggles the terminal progress bar
func (r *Runner) SetProgress(show bool) { r.showProgress = show }

// BatchFunc receives each batch's responses in request order as soon as it completes
type BatchFunc func(batch []backend.Response) error

// Run makes ceil(len(reqs)/size) backend calls. The returned responses are in
// request order and matched by ID. onBatch may be nil.
func (r *Runner) Run(ctx context.Context, reqs []backend.Request, onBatch BatchFunc) ([]backend.Response, error) {
	total := len(reqs)
	out := make([]backend.Response, 0, total)

	var bar *progressbar.ProgressBar
	if r.showProgress && total > 0 {
		bar = progressbar.Default(int64(total), "Generating")
	}

	batches := NumBatches(total, r.size)
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		start := b * r.size
		end := min(start+r.size, total)
		chunk := reqs[start:end]

		began := time.Now()
		raw, err := r.backend.Generate(ctx, chunk)
		elapsed := time.Since(began)
		if r.collector != nil {
			r.collector.RecordBatch(r.backend.Name(), len(chunk), elapsed)
		}
		if err != nil {
			return out, fmt.Errorf("batch %d/%d: %w", b+1, batches, err)
		}

		ordered, err := Correlate(chunk, raw)
		if err != nil {
			return out, fmt.Errorf("batch %d/%d: %w", b+1, batches, err)
		}

		r.logger.Debug("Batch complete",
			"batch", b+1,
			"batches", batches,
			"size", len(chunk),
			"duration", elapsed)

		if onBatch != nil {
			if err := onBatch(ordered); err != nil {
				return out, fmt.Errorf("batch %d/%d callback: %w", b+1, batches, err)
			}
		}
		out = append(out, ordered...)
		if bar != nil {
			_ = bar.Add(len(chunk))
		}
	}

	return out, nil
}

// Correlate orders responses to match reqs by ID
func Correlate(reqs []backend.Request, resps []backend.Response) ([]backend.Response, error) {
	byID := make(map[string]backend.Response, len(resps))
	want := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		want[req.ID] = true
	}
	for _, resp := range resps {
		if !want[resp.ID] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownResponse, resp.ID)
		}
		if _, dup := byID[resp.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateResponse, resp.ID)
		}
		byID[resp.ID] = resp
	}

	ordered := make([]backend.Response, len(reqs))
	for i, req := range reqs {
		resp, ok := byID[req.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingResponse, req.ID)
		}
		ordered[i] = resp
	}
	return ordered, nil
}

// NewRequests tags each prompt with a fresh UUID
func NewRequests(prompts []string) []backend.Request {
	reqs := make([]backend.Request, len(prompts))
	for i, p := range prompts {
		reqs[i] = backend.Request{ID: uuid.New().String(), Prompt: p}
	}
	return reqs
}

// NumBatches is ceil(n/size)
func NumBatches(n, size int) int {
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
