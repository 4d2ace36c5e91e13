package constraints

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lamim/cs4/internal/backend"
	"github.com/lamim/cs4/internal/batch"
	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/internal/util"
	"github.com/lamim/cs4/pkg/models"
)

// Generator asks a model for constraint lists and base stories
type Generator struct {
	runner *batch.Runner
	logger *slog.Logger
}

// NewGenerator creates a generator over a batch runner
func NewGenerator(runner *batch.Runner, logger *slog.Logger) *Generator {
	return &Generator{runner: runner, logger: logger.With("component", "constraints")}
}

// Generate fills the Constraints field of each instruction. tmpl receives
// {{.Instruction}}. onBatch is called with every completed batch so callers
// can persist partial results.
func (g *Generator) Generate(
	ctx context.Context,
	insts []models.Instruction,
	tmpl string,
	onBatch func([]models.Instruction) error,
) ([]models.Instruction, error) {
	ctx = metering.WithStage(ctx, "constraints")
	out := make([]models.Instruction, len(insts))
	copy(out, insts)
	err := g.fill(ctx, out, tmpl, onBatch, func(i int, text string) {
		inst := &out[i]
		inst.Constraints = strings.TrimSpace(text)
		if n := len(ParseNumbered(inst.Constraints)); n != models.MaxConstraints {
			g.logger.Warn("Unexpected constraint count",
				"instruction", util.TruncateString(inst.Text, 60),
				"parsed", n,
				"expected", models.MaxConstraints)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BaseStories returns one unconstrained story per instruction, in order
func (g *Generator) BaseStories(ctx context.Context, insts []models.Instruction, tmpl string) ([]string, error) {
	ctx = metering.WithStage(ctx, "basestory")
	stories := make([]string, len(insts))
	err := g.fill(ctx, insts, tmpl, nil, func(i int, text string) {
		stories[i] = util.CleanStory(text)
	})
	if err != nil {
		return nil, err
	}
	return stories, nil
}

// fill renders one prompt per instruction and hands each answer to apply
// with the instruction's index. insts is read after apply for onBatch.
func (g *Generator) fill(
	ctx context.Context,
	insts []models.Instruction,
	tmpl string,
	onBatch func([]models.Instruction) error,
	apply func(int, string),
) error {
	prompts := make([]string, len(insts))
	for i, inst := range insts {
		p, err := util.RenderTemplate(tmpl, map[string]any{"Instruction": inst.Text})
		if err != nil {
			return fmt.Errorf("failed to render prompt for instruction %d: %w", i, err)
		}
		prompts[i] = p
	}

	reqs := batch.NewRequests(prompts)
	byID := make(map[string]int, len(reqs))
	for i, r := range reqs {
		byID[r.ID] = i
	}

	_, err := g.runner.Run(ctx, reqs, func(resps []backend.Response) error {
		done := make([]models.Instruction, 0, len(resps))
		for _, resp := range resps {
			i := byID[resp.ID]
			apply(i, resp.Text)
			done = append(done, insts[i])
		}
		if onBatch != nil {
			return onBatch(done)
		}
		return nil
	})
	return err
}

// LoadInstructions reads instruction rows. The Category and Constraints
// columns are optional.
func LoadInstructions(t *table.Table) ([]models.Instruction, error) {
	col := models.ColInstruction
	if !t.Has(col) && t.Has("instruction") {
		col = "instruction"
	}
	if err := t.Require(col); err != nil {
		return nil, err
	}
	catCol := models.ColCategory
	if !t.Has(catCol) && t.Has("category") {
		catCol = "category"
	}

	insts := make([]models.Instruction, 0, t.Len())
	for r := 0; r < t.Len(); r++ {
		text := strings.TrimSpace(t.Get(r, col))
		if text == "" {
			continue
		}
		insts = append(insts, models.Instruction{
			Text:        text,
			Category:    t.Get(r, catCol),
			Constraints: t.Get(r, models.ColConstraints),
		})
	}
	return insts, nil
}

// InstructionTable converts instructions back into rows
func InstructionTable(insts []models.Instruction) *table.Table {
	t := table.New(models.ColInstruction, models.ColCategory, models.ColConstraints)
	for _, inst := range insts {
		t.Append(map[string]string{
			models.ColInstruction: inst.Text,
			models.ColCategory:    inst.Category,
			models.ColConstraints: inst.Constraints,
		})
	}
	return t
}
