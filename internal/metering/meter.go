// Package metering records token usage reported by remote model calls.
// Callers depend on the Meter interface; the CLI decides which sinks are wired.
package metering

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Usage is the token count of a single model call
type Usage struct {
	Model            string
	Stage            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	At               time.Time
}

// Meter receives usage records
type Meter interface {
	Record(ctx context.Context, u Usage) error
}

// Nop discards usage
type Nop struct{}

func (Nop) Record(context.Context, Usage) error { return nil }

// Multi fans a record out to several meters, reporting every failure
type Multi []Meter

func (m Multi) Record(ctx context.Context, u Usage) error {
	var errs []error
	for _, meter := range m {
		if meter == nil {
			continue
		}
		if err := meter.Record(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps usage in memory; used by tests and by the end-of-run summary
type Memory struct {
	mu      sync.Mutex
	records []Usage
}

func (m *Memory) Record(_ context.Context, u Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, u)
	return nil
}

// Records returns a copy of everything recorded so far
func (m *Memory) Records() []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Usage(nil), m.records...)
}

// Totals sums tokens per model
func (m *Memory) Totals() []ModelTotal {
	return Sum(m.Records())
}

// ModelTotal is the aggregated usage of one model
type ModelTotal struct {
	Model  string
	Tokens int
	Calls  int
}

// Sum aggregates usage per model, ordered by first appearance
func Sum(records []Usage) []ModelTotal {
	index := make(map[string]int)
	var totals []ModelTotal
	for _, u := range records {
		i, ok := index[u.Model]
		if !ok {
			i = len(totals)
			index[u.Model] = i
			totals = append(totals, ModelTotal{Model: u.Model})
		}
		totals[i].Tokens += u.TotalTokens
		totals[i].Calls++
	}
	return totals
}

type stageKey struct{}

// WithStage tags the context so recorded usage carries the stage name
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFrom returns the stage name stored by WithStage
func StageFrom(ctx context.Context) string {
	s, _ := ctx.Value(stageKey{}).(string)
	return s
}
