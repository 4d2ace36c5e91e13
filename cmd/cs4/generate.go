package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/cs4/internal/cache"
	"github.com/lamim/cs4/internal/checkpoint"
	"github.com/lamim/cs4/internal/constraints"
	"github.com/lamim/cs4/internal/storygen"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/internal/transcript"
	"github.com/lamim/cs4/internal/writer"
	"github.com/lamim/cs4/pkg/models"
)

// stageCommands are the subcommands a pipeline manifest can run
var stageCommands = []func(*app) *cobra.Command{
	newConstraintsCmd,
	newBaseStoryCmd,
	newSelectCmd,
	newGenerateCmd,
	newParseCmd,
	newSatisfactionCmd,
	newQualityCmd,
	newDiversityCmd,
	newPerplexityCmd,
	newQUCCmd,
	newPlotCmd,
}

func newConstraintsCmd(a *app) *cobra.Command {
	var input, output, model string
	cmd := &cobra.Command{
		Use:   "constraints",
		Short: "Generate a numbered list of 40 constraints per instruction",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			if model == "" {
				model = a.cfg.Generation.ConstraintModel
			}
			b, _, err := a.backendFor(model, a.cfg.PromptTemplates.ConstraintSystemPrompt)
			if err != nil {
				return err
			}
			t, err := table.Read(input)
			if err != nil {
				return err
			}
			insts, err := constraints.LoadInstructions(t)
			if err != nil {
				return err
			}

			partial, err := writer.NewPartialWriter(a.session.GetPartialPath("constraints"),
				[]string{models.ColInstruction, models.ColCategory, models.ColConstraints},
				a.cfg.Generation.CheckpointInterval, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = partial.Close() }()

			start := time.Now()
			gen := constraints.NewGenerator(a.runner(b), a.logger)
			out, err := gen.Generate(cmd.Context(), insts, a.cfg.PromptTemplates.ConstraintGeneration, func(done []models.Instruction) error {
				for _, inst := range done {
					if err := partial.Append(map[string]string{
						models.ColInstruction: inst.Text,
						models.ColCategory:    inst.Category,
						models.ColConstraints: inst.Constraints,
					}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("constraint generation failed: %w", err)
			}
			a.report.AddStage("constraints", models.StageStats{
				TotalRows: len(insts), SuccessCount: len(out), Duration: time.Since(start),
			})
			return a.writeTable(output, constraints.InstructionTable(out))
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Instruction spreadsheet (.xlsx or .csv)")
	cmd.Flags().StringVarP(&output, "output", "o", "constraints.csv", "Output table")
	cmd.Flags().StringVar(&model, "model", "", "models.<key> to use (default generation.constraint_model)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newBaseStoryCmd(a *app) *cobra.Command {
	var input, output, model string
	cmd := &cobra.Command{
		Use:   "basestory",
		Short: "Write one unconstrained base story per instruction",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			if model == "" {
				model = a.cfg.Generation.BaseStoryModel
			}
			b, _, err := a.backendFor(model, a.cfg.PromptTemplates.StorySystemPrompt)
			if err != nil {
				return err
			}
			t, err := table.Read(input)
			if err != nil {
				return err
			}
			insts, err := constraints.LoadInstructions(t)
			if err != nil {
				return err
			}

			start := time.Now()
			stories, err := constraints.NewGenerator(a.runner(b), a.logger).
				BaseStories(cmd.Context(), insts, a.cfg.PromptTemplates.BaseStoryGeneration)
			if err != nil {
				return fmt.Errorf("base story generation failed: %w", err)
			}

			out := constraints.InstructionTable(insts)
			out.AddColumn(models.ColBaseStory)
			for r, s := range stories {
				out.Set(r, models.ColBaseStory, s)
			}
			a.report.AddStage("basestory", models.StageStats{
				TotalRows: len(insts), SuccessCount: len(stories), Duration: time.Since(start),
			})
			return a.writeTable(output, out)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Table with Instruction and Constraints columns")
	cmd.Flags().StringVarP(&output, "output", "o", "base_stories.csv", "Output table")
	cmd.Flags().StringVar(&model, "model", "", "models.<key> to use (default generation.base_story_model)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newSelectCmd(a *app) *cobra.Command {
	var input, output, direction string
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Expand each instruction into one row per constraint count",
		Long: `Expand each instruction into one story row per constraint count. Each row
keeps the first k parsed constraints, so smaller subsets are prefixes of
larger ones. Direction d3 needs a BaseStory column.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			if direction == "" {
				direction = a.cfg.Generation.Direction
			}
			d, err := models.ParseDirection(direction)
			if err != nil {
				return err
			}
			t, err := table.Read(input)
			if err != nil {
				return err
			}
			if d == models.DirectionRevise && !t.Has(models.ColBaseStory) {
				return fmt.Errorf("direction d3 needs a %s column in %s", models.ColBaseStory, input)
			}
			insts, err := constraints.LoadInstructions(t)
			if err != nil {
				return err
			}

			baseStories := make(map[string]string, t.Len())
			for r := 0; r < t.Len(); r++ {
				text := strings.TrimSpace(t.Get(r, models.ColInstruction) + t.Get(r, "instruction"))
				baseStories[text] = t.Get(r, models.ColBaseStory)
			}

			var records []models.StoryRecord
			for i, inst := range insts {
				recs, err := constraints.Select(inst, baseStories[inst.Text], d, a.cfg.Generation.ConstraintCounts)
				if err != nil {
					return fmt.Errorf("instruction %d: %w", i, err)
				}
				records = append(records, recs...)
			}
			a.logger.Info("Selected constraint subsets",
				"instructions", len(insts),
				"rows", len(records),
				"counts", a.cfg.Generation.ConstraintCounts)
			return a.writeTable(output, storygen.RecordsTable(records))
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Table with Instruction, Constraints and optionally BaseStory")
	cmd.Flags().StringVarP(&output, "output", "o", "selected.csv", "Output story table")
	cmd.Flags().StringVar(&direction, "direction", "", "d2 or d3 (default generation.direction)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newGenerateCmd(a *app) *cobra.Command {
	var input, outputDir, model, direction string
	var evict bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate constrained stories with one model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			if direction == "" {
				direction = a.cfg.Generation.Direction
			}
			d, err := models.ParseDirection(direction)
			if err != nil {
				return err
			}
			system := a.cfg.PromptTemplates.StorySystemPrompt
			b, mc, err := a.backendFor(model, system)
			if err != nil {
				return err
			}

			if evict {
				ev := cache.NewEvictor(a.cfg.Cache, a.logger)
				ev.SetCollector(a.collector)
				ev.Pin(mc.ModelName)
				if _, err := ev.Evict(cmd.Context()); err != nil {
					return fmt.Errorf("cache eviction failed: %w", err)
				}
			}

			t, err := table.Read(input)
			if err != nil {
				return err
			}
			records, err := storygen.LoadRecords(t)
			if err != nil {
				return err
			}

			gen := storygen.NewGenerator(a.runner(b), a.cfg.PromptTemplates, d, model, mc, system, a.logger)
			gen.SetCollector(a.collector)

			if a.cfg.Generation.EnableCheckpointing {
				stage := storygen.StageName + "_" + model
				partialPath := a.session.GetPartialPath(stage)
				ckpt, err := a.checkpointFor(stage, input, partialPath)
				if err != nil {
					return err
				}
				defer closeCheckpoint(a, ckpt)
				partial, err := writer.NewPartialWriter(partialPath, models.StoryColumns, a.cfg.Generation.CheckpointInterval, a.logger)
				if err != nil {
					return err
				}
				defer func() { _ = partial.Close() }()
				gen.SetCheckpoint(ckpt, partial)
			}

			out, stats, err := gen.Run(cmd.Context(), records)
			a.report.AddStage("generate "+model, stats)
			if err != nil {
				return fmt.Errorf("story generation failed: %w", err)
			}
			return a.writeTable(storygen.OutputPath(outputDir, model, d), storygen.RecordsTable(out))
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Story table from select")
	cmd.Flags().StringVar(&outputDir, "output-dir", "stories", "Directory for <model>/<d>_<model>_<d>.csv")
	cmd.Flags().StringVar(&model, "model", "", "models.<key> to generate with")
	cmd.Flags().StringVar(&direction, "direction", "", "d2 or d3 (default generation.direction)")
	cmd.Flags().BoolVar(&evict, "evict-cache", false, "Evict least recently used models from the local cache first")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newParseCmd(a *app) *cobra.Command {
	var input, output, model, userTag, assistantTag string
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Extract answers from chat-template transcripts",
		Long: `Rewrite FinalGeneratedStory from Model_Response by keeping only the text
after the assistant tag. Rows without the tag are left unchanged.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			if model != "" {
				mc, err := a.cfg.Model(model)
				if err != nil {
					return err
				}
				if userTag == "" {
					userTag = mc.UserTag
				}
				if assistantTag == "" {
					assistantTag = mc.AssistantTag
				}
			}
			if strings.TrimSpace(assistantTag) == "" {
				return fmt.Errorf("an assistant tag is required (--assistant-tag or models.<key>.assistant_tag)")
			}

			t, err := table.Read(input)
			if err != nil {
				return err
			}
			res, err := transcript.ParseTable(t, userTag, assistantTag)
			if err != nil {
				return err
			}
			if res.Skipped > 0 {
				a.logger.Warn("Rows without assistant tag left unchanged", "rows", res.Skipped)
			}
			a.report.AddStage("parse", models.StageStats{
				TotalRows: t.Len(), SuccessCount: res.Parsed, SkippedCount: res.Skipped,
			})
			if output == "" {
				output = input
			}
			return a.writeTable(output, t)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Story table with Model_Response")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output table (default: overwrite input)")
	cmd.Flags().StringVar(&model, "model", "", "models.<key> whose transcript tags to use")
	cmd.Flags().StringVar(&userTag, "user-tag", "", "Delimiter before the prompt")
	cmd.Flags().StringVar(&assistantTag, "assistant-tag", "", "Delimiter before the answer")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func closeCheckpoint(a *app, ckpt *checkpoint.Manager) {
	if err := ckpt.Close(); err != nil {
		a.logger.Error("Failed to close checkpoint manager", "error", err)
	}
}
