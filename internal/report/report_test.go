package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

func sample() *Report {
	r := New("Session gemma-d3")
	r.AddStage("generate", models.StageStats{TotalRows: 10, SuccessCount: 9, FailureCount: 1, Duration: 1500 * time.Millisecond})

	cmp := table.New("Model", "QUC_39", "RCS_7-39")
	cmp.Append(map[string]string{"Model": "gemma", "QUC_39": "20", "RCS_7-39": "70"})
	r.AddTable("Comparison", cmp)

	r.AddUsage(metering.Cost([]metering.ModelTotal{{Model: "gpt-4", Tokens: 2000}, {Model: "local", Tokens: 5}},
		map[string]float64{"gpt-4": 0.03}))
	r.AddImage("QUC", "plots/quc.png")
	r.AddText("Notes", "Cells with a | pipe stay intact.")
	return r
}

func TestMarkdown(t *testing.T) {
	got := sample().Markdown()
	for _, want := range []string{
		"# Session gemma-d3",
		"| generate | 10 | 9 | 1 | 0 | 1.5s |",
		"| Model | QUC_39 | RCS_7-39 |",
		"| gemma | 20 | 70 |",
		"| gpt-4 | 2000 | $0.0600 |",
		"| local | 5 | n/a |",
		"Total cost: $0.0600",
		"![QUC](plots/quc.png)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("markdown missing %q\n%s", want, got)
		}
	}
}

func TestMarkdownTable_EscapesCells(t *testing.T) {
	got := markdownTable([]string{"A", "B"}, [][]string{{"x|y", "multi\nline"}, {"short"}})
	want := "| A | B |\n| --- | --- |\n| x\\|y | multi line |\n| short |  |\n"
	if got != want {
		t.Errorf("markdownTable() =\n%q\nwant\n%q", got, want)
	}
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	path, err := sample().Write(dir)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	html, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<title>Session gemma-d3</title>", "<table>", "<td>gemma</td>", `<img src="plots/quc.png" alt="QUC"`} {
		if !strings.Contains(string(html), want) {
			t.Errorf("html missing %q", want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "report.md")); err != nil {
		t.Errorf("report.md not written: %v", err)
	}
}
