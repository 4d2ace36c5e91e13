package writer

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lamim/cs4/internal/table"
)

// PartialWriter accumulates stage output rows and rewrites them to a side
// file every interval rows, so an interrupted run keeps its finished rows
type PartialWriter struct {
	path     string
	table    *table.Table
	interval int
	pending  int
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewPartialWriter starts from the rows already saved at path, if any
func NewPartialWriter(path string, columns []string, interval int, logger *slog.Logger) (*PartialWriter, error) {
	if interval < 1 {
		interval = 1
	}

	t := table.New(columns...)
	if _, err := os.Stat(path); err == nil {
		existing, err := table.ReadCSV(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load partial rows: %w", err)
		}
		t = existing
		for _, c := range columns {
			t.AddColumn(c)
		}
		logger.Info("Loaded partial rows", "path", path, "rows", t.Len())
	}

	return &PartialWriter{
		path:     path,
		table:    t,
		interval: interval,
		logger:   logger,
	}, nil
}

// Append adds a row and flushes when the interval is reached
func (pw *PartialWriter) Append(fields map[string]string) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.table.Append(fields)
	pw.pending++
	if pw.pending >= pw.interval {
		return pw.flushLocked()
	}
	return nil
}

// Flush writes all rows now
func (pw *PartialWriter) Flush() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.flushLocked()
}

func (pw *PartialWriter) flushLocked() error {
	if err := table.WriteCSV(pw.path, pw.table); err != nil {
		return err
	}
	pw.logger.Debug("Partial rows saved", "path", pw.path, "rows", pw.table.Len())
	pw.pending = 0
	return nil
}

// Table returns the accumulated rows
func (pw *PartialWriter) Table() *table.Table {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.table
}

// Close flushes remaining rows
func (pw *PartialWriter) Close() error {
	return pw.Flush()
}
