package metering

import (
	"context"

	"github.com/lamim/cs4/internal/metrics"
)

// PromMeter forwards usage to the token counters of the metrics collector
type PromMeter struct {
	collector *metrics.Collector
}

// NewPromMeter creates a meter backed by collector
func NewPromMeter(collector *metrics.Collector) *PromMeter {
	return &PromMeter{collector: collector}
}

func (m *PromMeter) Record(_ context.Context, u Usage) error {
	m.collector.RecordTokens(u.Model, u.PromptTokens, u.CompletionTokens)
	return nil
}
