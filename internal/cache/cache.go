// Package cache keeps the local model cache under a disk budget by evicting
// least-recently-used model directories.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/metrics"
)

// ErrUsageUnsupported is returned where filesystem usage cannot be measured
var ErrUsageUnsupported = errors.New("filesystem usage not supported on this platform")

// Usage is the space accounting of the filesystem holding the cache
type Usage struct {
	Used      uint64
	Available uint64
}

// Percent matches df's Use%: used over the space visible to unprivileged users
func (u Usage) Percent() float64 {
	if u.Used+u.Available == 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Used+u.Available) * 100
}

// UsageFunc measures the filesystem containing path
type UsageFunc func(path string) (Usage, error)

// Entry is one top-level cache directory, usually one model
type Entry struct {
	Name     string
	Path     string
	Size     int64
	LastUsed time.Time
}

// Report describes one eviction pass
type Report struct {
	DryRun        bool
	Evicted       []Entry
	Freed         int64
	CacheBytes    int64
	PercentBefore float64
	PercentAfter  float64
}

// Evictor removes cache entries oldest first until usage is within budget
type Evictor struct {
	dir       string
	threshold float64
	maxBytes  int64
	pinned    map[string]bool
	dryRun    bool
	usage     UsageFunc
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewEvictor creates an evictor from cache settings
func NewEvictor(cfg config.CacheConfig, logger *slog.Logger) *Evictor {
	e := &Evictor{
		dir:       cfg.Dir,
		threshold: cfg.ThresholdPercent,
		maxBytes:  cfg.MaxBytes,
		pinned:    make(map[string]bool),
		usage:     DiskUsage,
		logger:    logger.With("component", "cache", "dir", cfg.Dir),
	}
	e.Pin(cfg.Pinned...)
	return e
}

// Pin protects entries from eviction. Names may be cache directory names or
// model IDs such as "google/gemma-7b-it".
func (e *Evictor) Pin(names ...string) {
	for _, n := range names {
		if n == "" {
			continue
		}
		e.pinned[n] = true
		e.pinned[EntryName(n)] = true
	}
}

// SetDryRun reports evictions without deleting anything
func (e *Evictor) SetDryRun(dryRun bool) { e.dryRun = dryRun }

// SetUsageFunc replaces the filesystem measurement
func (e *Evictor) SetUsageFunc(fn UsageFunc) { e.usage = fn }

// SetCollector sets the metrics collector
func (e *Evictor) SetCollector(c *metrics.Collector) { e.collector = c }

// EntryName maps a model ID to its Hugging Face hub cache directory
func EntryName(model string) string {
	if strings.HasPrefix(model, "models--") || !strings.Contains(model, "/") {
		return model
	}
	return "models--" + strings.ReplaceAll(model, "/", "--")
}

// Scan lists the cache entries, least recently used first
func Scan(dir string) ([]Entry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		path := filepath.Join(dir, item.Name())
		size, lastUsed, err := measure(path)
		if err != nil {
			return nil, fmt.Errorf("failed to measure %s: %w", item.Name(), err)
		}
		entries = append(entries, Entry{Name: item.Name(), Path: path, Size: size, LastUsed: lastUsed})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.LastUsed.Compare(b.LastUsed); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return entries, nil
}

// measure sums file sizes under path and returns the newest modification
// time. Symlinks are not followed.
func measure(path string) (int64, time.Time, error) {
	var size int64
	var newest time.Time
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			size += info.Size()
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return size, newest, err
}

// Evict removes entries until filesystem usage is at or below the threshold
// and the cache fits max_bytes. Pinned entries are skipped. Evicting stops
// early, without error, when only pinned entries remain.
func (e *Evictor) Evict(ctx context.Context) (*Report, error) {
	report := &Report{DryRun: e.dryRun}

	entries, err := Scan(e.dir)
	if errors.Is(err, fs.ErrNotExist) {
		e.logger.Info("Cache directory does not exist, nothing to evict")
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		report.CacheBytes += en.Size
	}

	usage, err := e.usage(e.dir)
	measured := err == nil
	switch {
	case errors.Is(err, ErrUsageUnsupported):
		e.logger.Warn("Filesystem usage unavailable, enforcing max_bytes only")
	case err != nil:
		return nil, fmt.Errorf("failed to measure disk usage: %w", err)
	}
	report.PercentBefore = usage.Percent()

	over := func() bool {
		if measured && usage.Percent() > e.threshold {
			return true
		}
		return e.maxBytes > 0 && report.CacheBytes > e.maxBytes
	}

	e.logger.Info("Checking cache",
		"entries", len(entries),
		"cache_bytes", report.CacheBytes,
		"usage_percent", fmt.Sprintf("%.1f", report.PercentBefore),
		"threshold_percent", e.threshold,
		"max_bytes", e.maxBytes)

	for _, en := range entries {
		if !over() {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if e.pinned[en.Name] {
			e.logger.Debug("Skipping pinned entry", "entry", en.Name)
			continue
		}

		if e.dryRun {
			e.logger.Info("Would evict", "entry", en.Name, "bytes", en.Size, "last_used", en.LastUsed.Format(time.RFC3339))
		} else {
			if err := os.RemoveAll(en.Path); err != nil {
				return report, fmt.Errorf("failed to evict %s: %w", en.Name, err)
			}
			e.logger.Info("Evicted", "entry", en.Name, "bytes", en.Size)
			if e.collector != nil {
				e.collector.RecordEviction(en.Size)
			}
		}

		report.Evicted = append(report.Evicted, en)
		report.Freed += en.Size
		report.CacheBytes -= en.Size
		freed := uint64(en.Size)
		usage.Used -= min(freed, usage.Used)
		usage.Available += freed
	}

	report.PercentAfter = usage.Percent()
	if over() {
		e.logger.Warn("Cache still over budget, remaining entries are pinned",
			"usage_percent", fmt.Sprintf("%.1f", report.PercentAfter),
			"cache_bytes", report.CacheBytes)
	}
	return report, nil
}
