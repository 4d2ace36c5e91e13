package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrUnknownStage is returned when a step names a stage nobody registered
var ErrUnknownStage = errors.New("unknown stage")

// StageFunc runs one stage with its manifest arguments
type StageFunc func(ctx context.Context, args Args) error

// Registry maps stage names to their implementations
type Registry struct {
	stages map[string]StageFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]StageFunc)}
}

// Register adds a stage, replacing any previous one with the same name
func (r *Registry) Register(name string, fn StageFunc) {
	r.stages[name] = fn
}

// Lookup returns the stage registered under name
func (r *Registry) Lookup(name string) (StageFunc, error) {
	fn, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownStage, name, r.Names())
	}
	return fn, nil
}

// Names lists registered stages, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StepResult records how one step went
type StepResult struct {
	Name     string
	Stage    string
	Skipped  bool
	Duration time.Duration
	Err      error
}

// Result is the outcome of a pipeline run
type Result struct {
	Steps    []StepResult
	Duration time.Duration
}

// Failed returns the failing step, if any
func (r Result) Failed() (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Err != nil {
			return s, true
		}
	}
	return StepResult{}, false
}

// Runner executes manifests against a registry
type Runner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRunner creates a runner
func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	return &Runner{registry: registry, logger: logger.With("component", "pipeline")}
}

// Run executes the steps in order and stops at the first failure. Every stage
// is resolved before anything runs.
func (r *Runner) Run(ctx context.Context, m *Manifest) (Result, error) {
	var result Result
	fns := make([]StageFunc, len(m.Steps))
	for i, step := range m.Steps {
		fn, err := r.registry.Lookup(step.Stage)
		if err != nil {
			return result, fmt.Errorf("stages[%d] %s: %w", i, step.Label(), err)
		}
		fns[i] = fn
	}

	start := time.Now()
	r.logger.Info("Starting pipeline", "name", m.Name, "stages", len(m.Steps))

	for i, step := range m.Steps {
		sr := StepResult{Name: step.Label(), Stage: step.Stage}
		if step.Skip {
			sr.Skipped = true
			result.Steps = append(result.Steps, sr)
			r.logger.Info("Skipping stage", "step", i+1, "name", sr.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("pipeline interrupted before %s: %w", sr.Name, err)
		}

		r.logger.Info("Stage started", "step", i+1, "of", len(m.Steps), "name", sr.Name, "stage", step.Stage)
		t0 := time.Now()
		err := fns[i](ctx, step.Args)
		sr.Duration = time.Since(t0)
		sr.Err = err
		result.Steps = append(result.Steps, sr)

		if err != nil {
			result.Duration = time.Since(start)
			r.logger.Error("Stage failed", "name", sr.Name, "duration", sr.Duration, "error", err)
			return result, fmt.Errorf("stage %s failed: %w", sr.Name, err)
		}
		r.logger.Info("Stage succeeded", "name", sr.Name, "duration", sr.Duration)
	}

	result.Duration = time.Since(start)
	r.logger.Info("Pipeline completed", "name", m.Name, "duration", result.Duration)
	return result, nil
}
