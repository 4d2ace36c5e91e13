package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lamim/cs4/internal/metrics"
)

// RateLimiterPool manages one token bucket per model endpoint
type RateLimiterPool struct {
	limiters  map[string]*rate.Limiter
	rates     map[string]int // requests per minute each limiter was created with
	mu        sync.Mutex
	logger    *slog.Logger
	collector *metrics.Collector
}

// NewRateLimiterPool creates a new rate limiter pool
func NewRateLimiterPool(logger *slog.Logger) *RateLimiterPool {
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
		logger:   logger,
	}
}

// GetOrCreate returns the limiter for modelID, creating it on first use.
// The first rate seen for a model wins; later mismatches are logged.
func (p *RateLimiterPool) GetOrCreate(modelID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[modelID]; exists {
		if existing := p.rates[modelID]; existing != requestsPerMinute {
			p.logger.Warn("Rate limiter already exists with different rate, using existing rate",
				"model_id", modelID,
				"existing_rpm", existing,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5) // 20% of the per-minute budget
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[modelID] = limiter
	p.rates[modelID] = requestsPerMinute

	p.logger.Debug("Created rate limiter",
		"model_id", modelID,
		"rpm", requestsPerMinute,
		"burst", burst)

	return limiter
}

// Wait blocks until the limiter for modelID admits one request
func (p *RateLimiterPool) Wait(ctx context.Context, modelID string, requestsPerMinute int) error {
	limiter := p.GetOrCreate(modelID, requestsPerMinute)
	start := time.Now()
	err := limiter.Wait(ctx)
	if p.collector != nil {
		p.collector.RecordRateLimiterWait(modelID, time.Since(start))
	}
	return err
}
