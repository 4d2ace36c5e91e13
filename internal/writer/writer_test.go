package writer

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamim/cs4/internal/table"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewSessionManager_CreateAndResume(t *testing.T) {
	outputDir := filepath.Join(t.TempDir(), "output")

	sm, err := NewSessionManager(testLogger(), outputDir, "")
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}
	name := filepath.Base(sm.GetSessionDir())
	if !strings.HasPrefix(name, "session_") {
		t.Errorf("session dir = %s", sm.GetSessionDir())
	}
	if got := sm.GetPartialPath("generate"); got != filepath.Join(sm.GetSessionDir(), "partial", "generate.csv") {
		t.Errorf("GetPartialPath() = %s", got)
	}

	resumed, err := NewSessionManager(testLogger(), outputDir, name)
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if resumed.GetSessionDir() != sm.GetSessionDir() {
		t.Errorf("resumed %s, want %s", resumed.GetSessionDir(), sm.GetSessionDir())
	}

	if _, err := NewSessionManager(testLogger(), outputDir, "session_1999-01-01T00-00-00"); err == nil {
		t.Error("expected error for missing session")
	}
	if _, err := NewSessionManager(testLogger(), outputDir, "../escape"); err == nil {
		t.Error("expected error for traversal")
	}
}

func TestBackupConfig(t *testing.T) {
	dir := t.TempDir()
	sm, err := NewSessionManager(testLogger(), dir, "")
	if err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[generation]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sm.BackupConfig(cfgPath); err != nil {
		t.Fatalf("BackupConfig() error = %v", err)
	}
	data, err := os.ReadFile(sm.GetConfigBackupPath())
	if err != nil || string(data) != "[generation]\n" {
		t.Errorf("backup = %q, %v", data, err)
	}
}

func TestNewLogger_WritesTextAndJSON(t *testing.T) {
	var text, js bytes.Buffer
	logger := NewLogger(&text, &js, slog.LevelInfo).With("component", "test")
	logger.Debug("hidden")
	logger.Info("Stage complete", "rows", 3)

	if !strings.Contains(text.String(), "Stage complete") || strings.Contains(text.String(), "hidden") {
		t.Errorf("text output = %q", text.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(js.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", js.String(), err)
	}
	if rec["msg"] != "Stage complete" || rec["component"] != "test" || rec["rows"] != float64(3) {
		t.Errorf("json record = %v", rec)
	}
}

func TestPartialWriter_IntervalAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial", "satisfaction.csv")
	pw, err := NewPartialWriter(path, []string{"Request_ID", "satisfied"}, 2, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := pw.Append(map[string]string{"Request_ID": "a", "satisfied": "5"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("partial file written before the interval")
	}
	if err := pw.Append(map[string]string{"Request_ID": "b", "satisfied": "7"}); err != nil {
		t.Fatal(err)
	}
	saved, err := table.ReadCSV(path)
	if err != nil || saved.Len() != 2 {
		t.Fatalf("after interval: %v rows, err %v", saved, err)
	}

	if err := pw.Append(map[string]string{"Request_ID": "c"}); err != nil {
		t.Fatal(err)
	}
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewPartialWriter(path, []string{"Request_ID", "satisfied", "Percentage"}, 2, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tbl := reopened.Table()
	if tbl.Len() != 3 || !tbl.Has("Percentage") || tbl.Get(1, "satisfied") != "7" {
		t.Errorf("reloaded table = %v %v", tbl.Header, tbl.Rows)
	}
}
