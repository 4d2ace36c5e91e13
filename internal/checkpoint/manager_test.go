package checkpoint

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(enabled bool, interval int) *config.Config {
	return &config.Config{
		Generation: config.GenerationConfig{
			Direction:           "d3",
			ConstraintCounts:    []int{7, 15, 23, 31, 39},
			EnableCheckpointing: enabled,
			CheckpointInterval:  interval,
		},
		Evaluation: config.EvaluationConfig{MaxTrials: 35, ReferenceConstraints: 23},
		Models: map[string]config.ModelConfig{
			"olmo_sft": {ModelName: "allenai/OLMo-7B-SFT", BaseURL: "http://localhost:8000/v1"},
		},
	}
}

func TestNewManager(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, "generate", "in.csv", "partial.csv", testConfig(true, 10), testLogger())

	if mgr.sessionDir != tempDir {
		t.Errorf("Expected sessionDir %s, got %s", tempDir, mgr.sessionDir)
	}
	if mgr.interval != 10 {
		t.Errorf("Expected interval 10, got %d", mgr.interval)
	}
	if !mgr.Enabled() {
		t.Error("Expected enabled to be true")
	}
	cp := mgr.GetCheckpoint()
	if cp.Stage != "generate" || cp.Phase != models.PhasePending || cp.SessionID == "" {
		t.Errorf("unexpected checkpoint: %+v", cp)
	}

	if err := mgr.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(true, 1)
	mgr := NewManager(tempDir, "satisfaction", "stories.csv", "partial/satisfaction.csv", cfg, testLogger())

	if err := mgr.MarkStarted(3); err != nil {
		t.Fatalf("MarkStarted() error = %v", err)
	}
	if err := mgr.MarkRowsComplete([]string{"a", "b"}, models.StageStats{SuccessCount: 2}); err != nil {
		t.Fatalf("MarkRowsComplete() error = %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	loaded, err := Load(tempDir, "satisfaction", testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.CompletedIDs["a"] || !loaded.CompletedIDs["b"] || loaded.CompletedIDs["c"] {
		t.Errorf("CompletedIDs = %v", loaded.CompletedIDs)
	}
	if loaded.Stats.TotalRows != 3 || loaded.Stats.SuccessCount != 2 {
		t.Errorf("Stats = %+v", loaded.Stats)
	}
	if loaded.PartialPath != "partial/satisfaction.csv" || loaded.Phase != models.PhaseRunning {
		t.Errorf("unexpected checkpoint: %+v", loaded)
	}
	if err := ValidateCheckpoint(loaded, cfg); err != nil {
		t.Errorf("ValidateCheckpoint() error = %v", err)
	}
}

func TestMarkRowsComplete_Interval(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, "generate", "", "", testConfig(true, 3), testLogger())
	path := filepath.Join(tempDir, Filename("generate"))

	if err := mgr.MarkRowsComplete([]string{"1", "2"}, models.StageStats{}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.SaveSync(); err != nil {
		t.Fatal(err)
	}
	if err := mgr.MarkRowsComplete([]string{"3"}, models.StageStats{}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}
	cp, err := Load(tempDir, "generate", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(cp.CompletedIDs) != 3 {
		t.Errorf("expected the interval save to hold 3 rows, got %d", len(cp.CompletedIDs))
	}
	if !mgr.IsCompleted("3") || mgr.IsCompleted("4") {
		t.Error("IsCompleted() mismatch")
	}
}

func TestMarkComplete(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(true, 5)
	mgr := NewManager(tempDir, "quality", "", "", cfg, testLogger())
	if err := mgr.MarkStarted(1); err != nil {
		t.Fatal(err)
	}
	if err := mgr.MarkComplete(models.StageStats{SuccessCount: 1}); err != nil {
		t.Fatal(err)
	}
	_ = mgr.Close()

	cp, err := Load(tempDir, "quality", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cp.Phase != models.PhaseComplete || cp.Stats.EndTime.IsZero() || cp.Stats.StartTime.IsZero() {
		t.Errorf("unexpected final checkpoint: %+v", cp)
	}
	if err := ValidateCheckpoint(cp, cfg); err == nil {
		t.Error("completed checkpoint must not validate for resume")
	}
}

func TestCheckpointNotEnabledNoFiles(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, "generate", "", "", testConfig(false, 1), testLogger())

	if err := mgr.MarkStarted(2); err != nil {
		t.Fatal(err)
	}
	if err := mgr.MarkRowsComplete([]string{"x"}, models.StageStats{}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.MarkComplete(models.StageStats{}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(tempDir)
	if len(entries) != 0 {
		t.Errorf("expected no files, found %d", len(entries))
	}
}

func TestList(t *testing.T) {
	tempDir := t.TempDir()
	for _, stage := range []string{"satisfaction", "generate"} {
		mgr := NewManager(tempDir, stage, "", "", testConfig(true, 1), testLogger())
		if err := mgr.SaveSync(); err != nil {
			t.Fatal(err)
		}
		_ = mgr.Close()
	}
	if err := os.WriteFile(filepath.Join(tempDir, "session.log"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	stages, err := List(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 2 || stages[0] != "generate" || stages[1] != "satisfaction" {
		t.Errorf("List() = %v", stages)
	}
}
