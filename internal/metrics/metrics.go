package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cs4_api_request_duration_seconds",
			Help:    "API request duration in seconds by model and endpoint",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~7min
		},
		[]string{"model", "endpoint", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cs4_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"model"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs4_tokens_total",
			Help: "Tokens consumed by model and kind",
		},
		[]string{"model", "kind"}, // kind: prompt, completion
	)

	// Batch metrics
	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cs4_batch_duration_seconds",
			Help:    "Backend invocation duration per batch",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"backend"},
	)

	batchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cs4_batch_size",
			Help:    "Prompts per backend invocation",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		},
		[]string{"backend"},
	)

	// Stage metrics
	stageRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs4_stage_rows_total",
			Help: "Rows processed by stage",
		},
		[]string{"stage", "status"}, // status: success, error, skipped
	)

	// Cache metrics
	cacheEvictedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cs4_cache_evicted_bytes_total",
			Help: "Bytes removed from the model cache by LRU eviction",
		},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordAPIRequest records an API request duration
func (c *Collector) RecordAPIRequest(model, endpoint string, duration time.Duration, success bool) {
	apiRequestDuration.WithLabelValues(model, endpoint, status(success)).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordTokens adds prompt and completion token counts for a model
func (c *Collector) RecordTokens(model string, prompt, completion int) {
	tokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	tokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
}

// RecordBatch records one backend invocation
func (c *Collector) RecordBatch(backend string, size int, duration time.Duration) {
	batchDuration.WithLabelValues(backend).Observe(duration.Seconds())
	batchSize.WithLabelValues(backend).Observe(float64(size))
}

// IncrementRows counts a processed row for a stage
func (c *Collector) IncrementRows(stage, status string) {
	stageRows.WithLabelValues(stage, status).Inc()
}

// RecordEviction counts bytes freed from the model cache
func (c *Collector) RecordEviction(bytes int64) {
	cacheEvictedBytes.Add(float64(bytes))
}

// WriteTextfile dumps the default registry in the node-exporter textfile format
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	if c.logger != nil {
		c.logger.Debug("Metrics written", "path", path)
	}
	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
