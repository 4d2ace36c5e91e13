package constraints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/lamim/cs4/internal/backend"
	"github.com/lamim/cs4/internal/batch"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func numbered(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("%d. constraint %d", i+1, i+1)
	}
	return strings.Join(lines, "\n")
}

func TestParseNumbered(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "dot numbering with preamble",
			text: "Here are the constraints:\n1. Use amber.\n2. No dialogue.\n",
			want: []string{"Use amber.", "No dialogue."},
		},
		{
			name: "paren numbering",
			text: "1) First\n2) Second",
			want: []string{"First", "Second"},
		},
		{
			name: "continuation lines join the previous item",
			text: "1. The story must\n   end at dawn.\n2. Keep it short.",
			want: []string{"The story must end at dawn.", "Keep it short."},
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNumbered(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseNumbered() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("item %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSelect_NestedPrefixes(t *testing.T) {
	inst := models.Instruction{Text: "Write about rain", Category: "Drama", Constraints: numbered(40)}

	records, err := Select(inst, "base", models.DirectionRevise, models.ConstraintCounts)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(records) != len(models.ConstraintCounts) {
		t.Fatalf("got %d records", len(records))
	}

	ids := map[string]bool{}
	for i, rec := range records {
		k := models.ConstraintCounts[i]
		if rec.NumConstraints != k {
			t.Errorf("record %d NumConstraints = %d, want %d", i, rec.NumConstraints, k)
		}
		items := ParseNumbered(rec.SelectedConstraints)
		if len(items) != k || items[k-1] != fmt.Sprintf("constraint %d", k) {
			t.Errorf("record %d selected %d items, last %q", i, len(items), items[len(items)-1])
		}
		if i > 0 && !strings.HasPrefix(rec.SelectedConstraints, records[i-1].SelectedConstraints) {
			t.Errorf("subset %d is not an extension of subset %d", k, models.ConstraintCounts[i-1])
		}
		if ids[rec.RequestID] || rec.RequestID == "" {
			t.Errorf("request id %q not unique", rec.RequestID)
		}
		ids[rec.RequestID] = true
		if rec.BaseStory != "base" || rec.Direction != models.DirectionRevise {
			t.Errorf("bookkeeping fields not copied: %+v", rec)
		}
	}
}

func TestSelect_Errors(t *testing.T) {
	inst := models.Instruction{Text: "x", Constraints: numbered(10)}
	if _, err := Select(inst, "", models.DirectionGenerate, []int{7, 15}); !errors.Is(err, ErrTooFewConstraints) {
		t.Errorf("error = %v, want ErrTooFewConstraints", err)
	}
	if _, err := Select(inst, "", models.DirectionGenerate, []int{8}); !errors.Is(err, models.ErrInvalidConstraintCount) {
		t.Errorf("error = %v, want ErrInvalidConstraintCount", err)
	}
}

// echoBackend answers every prompt with a numbered list or story derived from it
type echoBackend struct{ prefix string }

func (e echoBackend) Name() string { return "echo" }

func (e echoBackend) Generate(_ context.Context, reqs []backend.Request) ([]backend.Response, error) {
	out := make([]backend.Response, len(reqs))
	for i := len(reqs) - 1; i >= 0; i-- {
		out[len(reqs)-1-i] = backend.Response{ID: reqs[i].ID, Text: e.prefix + reqs[i].Prompt}
	}
	return out, nil
}

func TestGenerator_Generate(t *testing.T) {
	runner := batch.NewRunner(echoBackend{prefix: "1. "}, 2, testLogger())
	gen := NewGenerator(runner, testLogger())

	insts := []models.Instruction{{Text: "a", Category: "x"}, {Text: "b"}, {Text: "c"}}
	var batches int
	out, err := gen.Generate(context.Background(), insts, "Input - {{.Instruction}}", func(done []models.Instruction) error {
		batches++
		return nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if batches != 2 {
		t.Errorf("onBatch called %d times, want 2", batches)
	}
	for i, want := range []string{"1. Input - a", "1. Input - b", "1. Input - c"} {
		if out[i].Constraints != want {
			t.Errorf("instruction %d constraints = %q, want %q", i, out[i].Constraints, want)
		}
	}
	if insts[0].Constraints != "" {
		t.Error("input slice must not be modified")
	}
}

func TestGenerator_BaseStories(t *testing.T) {
	runner := batch.NewRunner(echoBackend{prefix: "<think>x</think>"}, 8, testLogger())
	gen := NewGenerator(runner, testLogger())

	stories, err := gen.BaseStories(context.Background(),
		[]models.Instruction{{Text: "rain"}, {Text: "snow"}}, "Story about {{.Instruction}}")
	if err != nil {
		t.Fatalf("BaseStories() error = %v", err)
	}
	if stories[0] != "Story about rain" || stories[1] != "Story about snow" {
		t.Errorf("stories = %q", stories)
	}
}

func TestLoadInstructions(t *testing.T) {
	tbl := table.New("instruction", "category")
	tbl.Append(map[string]string{"instruction": " Write about rain ", "category": "Drama"})
	tbl.Append(map[string]string{"instruction": ""})

	insts, err := LoadInstructions(tbl)
	if err != nil {
		t.Fatalf("LoadInstructions() error = %v", err)
	}
	if len(insts) != 1 || insts[0].Text != "Write about rain" || insts[0].Category != "Drama" {
		t.Errorf("insts = %+v", insts)
	}

	if _, err := LoadInstructions(table.New("Prompt")); !errors.Is(err, table.ErrMissingColumn) {
		t.Errorf("error = %v", err)
	}
}
