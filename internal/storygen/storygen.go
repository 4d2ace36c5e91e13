// Package storygen builds constrained story prompts and runs them through a
// batched backend.
package storygen

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lamim/cs4/internal/backend"
	"github.com/lamim/cs4/internal/batch"
	"github.com/lamim/cs4/internal/checkpoint"
	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/metrics"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/internal/transcript"
	"github.com/lamim/cs4/internal/util"
	"github.com/lamim/cs4/internal/writer"
	"github.com/lamim/cs4/pkg/models"
)

// StageName labels checkpoints, partial files and metrics
const StageName = "generate"

// BuildPrompt renders the final prompt for a record under a direction
func BuildPrompt(d models.Direction, tpl config.PromptTemplates, rec models.StoryRecord) (string, error) {
	switch d {
	case models.DirectionGenerate:
		return util.RenderTemplate(tpl.StoryGeneration, map[string]any{
			"Instruction": rec.Instruction,
			"Constraints": rec.SelectedConstraints,
		})
	case models.DirectionRevise:
		return util.RenderTemplate(tpl.StoryRevision, map[string]any{
			"Instruction": rec.Instruction,
			"BaseStory":   rec.BaseStory,
			"Constraints": rec.SelectedConstraints,
		})
	default:
		return "", fmt.Errorf("unknown direction %q", d)
	}
}

// OutputPath is <dir>/<model>/<d>_<model>_<d>.csv
func OutputPath(dir, model string, d models.Direction) string {
	return filepath.Join(dir, model, fmt.Sprintf("%s_%s_%s.csv", d, model, d))
}

// LoadRecords reads story rows. Rows without a Request_ID get one derived
// from their position and content, so a rerun over the same file reuses it.
func LoadRecords(t *table.Table) ([]models.StoryRecord, error) {
	if err := t.Require(models.ColInstruction, models.ColSelectedConstraints, models.ColNumConstraints); err != nil {
		return nil, err
	}

	records := make([]models.StoryRecord, 0, t.Len())
	for r := 0; r < t.Len(); r++ {
		rec, err := models.StoryRecordFromFields(t.Record(r))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		if rec.RequestID == "" {
			rec.RequestID = models.DeriveRequestID(r, rec.Instruction, strconv.Itoa(rec.NumConstraints))
		}
		records = append(records, rec)
	}
	return records, nil
}

// RecordsTable writes records in the standard column order
func RecordsTable(records []models.StoryRecord) *table.Table {
	t := table.New(models.StoryColumns...)
	for _, rec := range records {
		t.Append(rec.Fields())
	}
	return t
}

// Generator runs the story-continuation loop for one model
type Generator struct {
	runner    *batch.Runner
	templates config.PromptTemplates
	direction models.Direction
	model     string // short name written to the Model column
	modelCfg  config.ModelConfig
	system    string
	logger    *slog.Logger
	collector *metrics.Collector
	ckpt      *checkpoint.Manager
	partial   *writer.PartialWriter
}

// NewGenerator creates a generator. system is the system prompt the backend
// was built with; it is only used to rebuild transcripts.
func NewGenerator(
	runner *batch.Runner,
	templates config.PromptTemplates,
	direction models.Direction,
	model string,
	modelCfg config.ModelConfig,
	system string,
	logger *slog.Logger,
) *Generator {
	return &Generator{
		runner:    runner,
		templates: templates,
		direction: direction,
		model:     model,
		modelCfg:  modelCfg,
		system:    system,
		logger:    logger.With("component", "storygen", "model", model),
	}
}

// SetCheckpoint enables resume support. Completed rows are read back from
// the partial writer.
func (g *Generator) SetCheckpoint(ckpt *checkpoint.Manager, partial *writer.PartialWriter) {
	g.ckpt = ckpt
	g.partial = partial
}

// SetCollector enables row metrics
func (g *Generator) SetCollector(c *metrics.Collector) { g.collector = c }

// Run generates a story for every record and returns all records in input
// order with Final_Prompt and FinalGeneratedStory filled
func (g *Generator) Run(ctx context.Context, records []models.StoryRecord) ([]models.StoryRecord, models.StageStats, error) {
	ctx = metering.WithStage(ctx, StageName)
	stats := models.StageStats{StartTime: time.Now(), TotalRows: len(records)}

	out := make([]models.StoryRecord, len(records))
	byID := make(map[string]int, len(records))
	for i, rec := range records {
		if _, dup := byID[rec.RequestID]; dup {
			return nil, stats, fmt.Errorf("duplicate Request_ID %s", rec.RequestID)
		}
		byID[rec.RequestID] = i
		rec.Direction = g.direction
		rec.Model = g.model
		out[i] = rec
	}

	done := g.restore(out, byID)
	stats.SkippedCount = len(done)

	var reqs []backend.Request
	for i, rec := range out {
		if done[rec.RequestID] {
			continue
		}
		prompt, err := BuildPrompt(g.direction, g.templates, rec)
		if err != nil {
			return nil, stats, fmt.Errorf("row %d: failed to build prompt: %w", i, err)
		}
		out[i].FinalPrompt = prompt
		reqs = append(reqs, backend.Request{ID: rec.RequestID, Prompt: prompt})
	}

	g.logger.Info("Starting story generation",
		"rows", len(records),
		"pending", len(reqs),
		"resumed", len(done),
		"direction", g.direction)
	if g.ckpt != nil {
		if err := g.ckpt.MarkStarted(len(records)); err != nil {
			return nil, stats, err
		}
	}

	_, err := g.runner.Run(ctx, reqs, func(resps []backend.Response) error {
		ids := make([]string, 0, len(resps))
		for _, resp := range resps {
			i := byID[resp.ID]
			if err := g.apply(&out[i], resp.Text); err != nil {
				return err
			}
			stats.SuccessCount++
			ids = append(ids, resp.ID)
			if g.collector != nil {
				g.collector.IncrementRows(StageName, "success")
			}
			if g.partial != nil {
				if err := g.partial.Append(out[i].Fields()); err != nil {
					return err
				}
			}
		}
		if g.ckpt != nil {
			return g.ckpt.MarkRowsComplete(ids, stats)
		}
		return nil
	})
	if err != nil {
		stats.FailureCount = len(reqs) - stats.SuccessCount
		if g.partial != nil {
			if ferr := g.partial.Flush(); ferr != nil {
				g.logger.Error("Failed to flush partial rows", "error", ferr)
			}
		}
		if g.ckpt != nil {
			if serr := g.ckpt.SaveSync(); serr != nil {
				g.logger.Error("Failed to save checkpoint", "error", serr)
			}
		}
		return nil, stats, err
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	if g.ckpt != nil {
		if err := g.ckpt.MarkComplete(stats); err != nil {
			return nil, stats, err
		}
	}
	g.logger.Info("Story generation complete",
		"generated", stats.SuccessCount,
		"resumed", stats.SkippedCount,
		"duration", stats.Duration)
	return out, stats, nil
}

// apply stores a generated text. Chat-template models keep the full
// transcript and the answer after the assistant tag.
func (g *Generator) apply(rec *models.StoryRecord, text string) error {
	if g.modelCfg.AssistantTag == "" || g.modelCfg.PromptFormat == "" {
		rec.GeneratedStory = text
		return nil
	}

	formatted, err := backend.FormatPrompt(g.modelCfg.PromptFormat, g.system, rec.FinalPrompt)
	if err != nil {
		return err
	}
	rec.ModelResponse = formatted + text
	answer, err := transcript.ExtractAnswer(rec.ModelResponse, g.modelCfg.UserTag, g.modelCfg.AssistantTag)
	if err != nil {
		g.logger.Warn("Transcript has no assistant tag, keeping raw text", "request_id", rec.RequestID)
		answer = text
	}
	rec.GeneratedStory = answer
	return nil
}

// restore copies rows finished by an earlier run into out
func (g *Generator) restore(out []models.StoryRecord, byID map[string]int) map[string]bool {
	done := make(map[string]bool)
	if g.ckpt == nil || g.partial == nil {
		return done
	}

	saved := g.partial.Table()
	for r := 0; r < saved.Len(); r++ {
		rec, err := models.StoryRecordFromFields(saved.Record(r))
		if err != nil {
			g.logger.Warn("Skipping unreadable partial row", "row", r, "error", err)
			continue
		}
		i, ok := byID[rec.RequestID]
		if !ok || !g.ckpt.IsCompleted(rec.RequestID) {
			continue
		}
		out[i] = rec
		done[rec.RequestID] = true
	}
	return done
}
