package metrics

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteTextfile(t *testing.T) {
	c := NewCollector(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.RecordAPIRequest("gpt-4", "/chat/completions", 2*time.Second, true)
	c.RecordTokens("gpt-4", 120, 480)
	c.RecordBatch("completions", 8, 3*time.Second)
	c.IncrementRows("satisfaction", "success")
	c.RecordEviction(1 << 20)

	path := filepath.Join(t.TempDir(), "cs4.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`cs4_tokens_total{kind="completion",model="gpt-4"}`,
		`cs4_stage_rows_total{stage="satisfaction",status="success"}`,
		"cs4_cache_evicted_bytes_total",
		"cs4_batch_size_bucket",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %s", want)
		}
	}
}
