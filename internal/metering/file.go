package metering

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// usageTimeLayout is MM-DD-YYYY HH:MM:SS
const usageTimeLayout = "01-02-2006 15:04:05"

// FileMeter appends "<model> <MM-DD-YYYY HH:MM:SS> : <tokens>" lines to a log file
type FileMeter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileMeter opens (or creates) the usage log in append mode
func NewFileMeter(path string) (*FileMeter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage log: %w", err)
	}
	return &FileMeter{file: f}, nil
}

func (m *FileMeter) Record(_ context.Context, u Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := fmt.Fprintf(m.file, "%s %s : %d\n", u.Model, u.At.Format(usageTimeLayout), u.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// Close flushes and closes the log
func (m *FileMeter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		_ = m.file.Close()
		return err
	}
	return m.file.Close()
}

// ParseLog totals a usage log written by FileMeter. Fields are read from the
// right, so model names may contain spaces. Lines without a model, timestamp
// and " : " separator are skipped; a non-numeric token count is an error.
func ParseLog(r io.Reader) ([]ModelTotal, error) {
	var records []Usage
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		model, count, ok := splitUsageLine(scanner.Text())
		if !ok {
			continue
		}
		tokens, err := strconv.Atoi(count)
		if err != nil {
			return nil, fmt.Errorf("usage log line %d: bad token count: %w", lineNo, err)
		}
		records = append(records, Usage{Model: model, TotalTokens: tokens})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage log: %w", err)
	}
	return Sum(records), nil
}

// splitUsageLine cuts "<model> <date> <time> : <tokens>" from the right
func splitUsageLine(line string) (model, count string, ok bool) {
	head, count, found := cutLast(line, " : ")
	if !found {
		return "", "", false
	}
	// drop the time, then the date
	for range 2 {
		if head, _, found = cutLast(head, " "); !found {
			return "", "", false
		}
	}
	model = strings.TrimSpace(head)
	if model == "" {
		return "", "", false
	}
	return model, strings.TrimSpace(count), true
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
