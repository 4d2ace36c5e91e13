package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

const manifestYAML = `
name: gemma-d3
stages:
  - name: gen
    stage: generate
    args:
      input: data/selected.csv
      batch_size: 8
  - stage: plot
    skip: false
    args:
      series: [gemma=out/a.csv, llama=out/b.csv]
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if m.Name != "gemma-d3" || len(m.Steps) != 2 {
		t.Fatalf("manifest = %+v", m)
	}
	gen := m.Steps[0]
	if gen.Label() != "gen" || gen.Args.Get("input") != "data/selected.csv" {
		t.Errorf("step 0 = %+v", gen)
	}
	if n, err := gen.Args.Int("batch_size", 1); err != nil || n != 8 {
		t.Errorf("batch_size = %d, %v", n, err)
	}
	if n, _ := gen.Args.Int("absent", 3); n != 3 {
		t.Errorf("default = %d", n)
	}
	plot := m.Steps[1]
	if plot.Label() != "plot" || !slices.Equal(plot.Args["series"], []string{"gemma=out/a.csv", "llama=out/b.csv"}) {
		t.Errorf("step 1 = %+v", plot)
	}
	if err := plot.Args.Require("series", "output"); err == nil || !strings.Contains(err.Error(), "output") {
		t.Errorf("Require() error = %v", err)
	}
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"no stages":      "name: x\n",
		"missing stage":  "stages:\n  - name: a\n",
		"duplicate name": "stages:\n  - stage: plot\n  - stage: plot\n",
		"unknown field":  "stages:\n  - stage: plot\n    retries: 2\n",
		"nested arg":     "stages:\n  - stage: plot\n    args:\n      x: {a: 1}\n",
	}
	for name, doc := range tests {
		if _, err := ParseManifest([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(manifestYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err != nil {
		t.Errorf("LoadManifest() error = %v", err)
	}
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRunner_RunsInOrderAndStopsAtFailure(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	reg := NewRegistry()
	reg.Register("ok", func(_ context.Context, a Args) error {
		calls = append(calls, a.Get("id"))
		return nil
	})
	reg.Register("fail", func(_ context.Context, a Args) error {
		calls = append(calls, a.Get("id"))
		return boom
	})

	m := &Manifest{Steps: []Step{
		{Name: "one", Stage: "ok", Args: Args{"id": {"1"}}},
		{Name: "two", Stage: "ok", Args: Args{"id": {"2"}}, Skip: true},
		{Name: "three", Stage: "fail", Args: Args{"id": {"3"}}},
		{Name: "four", Stage: "ok", Args: Args{"id": {"4"}}},
	}}
	res, err := NewRunner(reg, testLogger()).Run(context.Background(), m)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want boom", err)
	}
	if !slices.Equal(calls, []string{"1", "3"}) {
		t.Errorf("calls = %v", calls)
	}
	if len(res.Steps) != 3 || !res.Steps[1].Skipped {
		t.Errorf("steps = %+v", res.Steps)
	}
	if failed, ok := res.Failed(); !ok || failed.Name != "three" {
		t.Errorf("Failed() = %+v, %v", failed, ok)
	}
}

func TestRunner_UnknownStageRunsNothing(t *testing.T) {
	ran := false
	reg := NewRegistry()
	reg.Register("ok", func(context.Context, Args) error { ran = true; return nil })

	m := &Manifest{Steps: []Step{{Stage: "ok"}, {Stage: "missing"}}}
	_, err := NewRunner(reg, testLogger()).Run(context.Background(), m)
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("error = %v, want ErrUnknownStage", err)
	}
	if ran {
		t.Error("no stage should run when one is unknown")
	}
}

func TestRunner_CanceledContext(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ok", func(context.Context, Args) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(reg, testLogger()).Run(ctx, &Manifest{Steps: []Step{{Stage: "ok"}}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
