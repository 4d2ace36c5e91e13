package main

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/cs4/internal/eval"
	"github.com/lamim/cs4/internal/judge"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/internal/writer"
	"github.com/lamim/cs4/pkg/models"
)

var nonWord = regexp.MustCompile(`[^A-Za-z0-9]+`)

// stageKey names a per-input checkpoint, e.g. satisfaction_d3_gemma_d3
func stageKey(stage, input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return stage + "_" + strings.Trim(nonWord.ReplaceAllString(base, "_"), "_")
}

// series is one labeled input table
type series struct {
	Label string
	Path  string
}

// parseSeries reads label=path pairs
func parseSeries(values []string) ([]series, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("at least one --series label=path is required")
	}
	out := make([]series, 0, len(values))
	for _, v := range values {
		label, path, ok := strings.Cut(v, "=")
		label, path = strings.TrimSpace(label), strings.TrimSpace(path)
		if !ok || label == "" || path == "" {
			return nil, fmt.Errorf("invalid series %q (want label=path)", v)
		}
		out = append(out, series{Label: label, Path: path})
	}
	return out, nil
}

// withColumns appends the extra columns header lacks
func withColumns(header []string, extra ...string) []string {
	cols := append([]string{}, header...)
	for _, c := range extra {
		if !slices.Contains(cols, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

func seriesPaths(ss []series) []string {
	paths := make([]string, len(ss))
	for i, s := range ss {
		paths[i] = s.Path
	}
	return paths
}

// summarize computes the per-count QUC inputs of every series
func summarize(ss []series) ([]eval.ModelSummary, error) {
	out := make([]eval.ModelSummary, 0, len(ss))
	for _, s := range ss {
		t, err := table.Read(s.Path)
		if err != nil {
			return nil, err
		}
		counts, err := eval.Summarize(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Label, err)
		}
		out = append(out, eval.ModelSummary{Model: s.Label, Counts: counts})
	}
	return out, nil
}

func newSatisfactionCmd(a *app) *cobra.Command {
	var input, output, judgeKey string
	var rescore bool
	cmd := &cobra.Command{
		Use:   "satisfaction",
		Short: "Count satisfied constraints per story with an LLM judge",
		Long: `Ask the satisfaction judge how many of the selected constraints each story
satisfies and compute Percentage. With --rescore, satisfied and Percentage
are recomputed from an existing ResponseContent column without calling the
judge.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			t, err := table.Read(input)
			if err != nil {
				return err
			}

			if rescore {
				failed, err := judge.Rescore(t)
				if err != nil {
					return err
				}
				if failed > 0 {
					a.logger.Warn("Responses without a satisfied count", "rows", failed)
				}
				a.report.AddStage("satisfaction (rescore)", models.StageStats{
					TotalRows: t.Len(), SuccessCount: t.Len() - failed, FailureCount: failed,
				})
				return a.writeTable(output, t)
			}

			if judgeKey == "" {
				judgeKey = a.cfg.Evaluation.SatisfactionJudge
			}
			mc, err := a.cfg.Model(judgeKey)
			if err != nil {
				return err
			}
			client, err := a.apiClient()
			if err != nil {
				return err
			}
			j := judge.New(client, mc, a.secrets.GetAPIKey(mc.BaseURL), a.cfg.PromptTemplates.SatisfactionSystemPrompt, a.logger)
			stage := judge.NewSatisfaction(j, a.cfg.PromptTemplates.SatisfactionPrompt, a.cfg.Evaluation.Concurrency, a.logger)
			stage.SetCollector(a.collector)

			if a.cfg.Generation.EnableCheckpointing {
				key := stageKey(judge.SatisfactionStage, input)
				partialPath := a.session.GetPartialPath(key)
				ckpt, err := a.checkpointFor(key, input, partialPath)
				if err != nil {
					return err
				}
				defer closeCheckpoint(a, ckpt)
				cols := withColumns(t.Header,
					models.ColRequestID, models.ColSatisfactionPrompt, models.ColResponseContent, models.ColSatisfied, models.ColPercentage)
				partial, err := writer.NewPartialWriter(partialPath, cols, a.cfg.Evaluation.SaveEvery, a.logger)
				if err != nil {
					return err
				}
				defer func() { _ = partial.Close() }()
				stage.SetCheckpoint(ckpt, partial)
			}

			out, stats, err := stage.Run(cmd.Context(), t)
			a.report.AddStage("satisfaction "+filepath.Base(input), stats)
			if err != nil {
				return fmt.Errorf("constraint satisfaction failed: %w", err)
			}
			return a.writeTable(output, out)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Story table")
	cmd.Flags().StringVarP(&output, "output", "o", "satisfaction.csv", "Output table")
	cmd.Flags().StringVar(&judgeKey, "judge", "", "models.<key> of the judge (default evaluation.satisfaction_judge)")
	cmd.Flags().BoolVar(&rescore, "rescore", false, "Recompute counts from ResponseContent without calling the judge")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newQualityCmd(a *app) *cobra.Command {
	var input, output, groupsDir, judgeKey string
	var seed int64
	var resumeGroups bool
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Compare stories pairwise against each instruction's reference story",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			if judgeKey == "" {
				judgeKey = a.cfg.Evaluation.QualityJudge
			}
			mc, err := a.cfg.Model(judgeKey)
			if err != nil {
				return err
			}
			client, err := a.apiClient()
			if err != nil {
				return err
			}
			t, err := table.Read(input)
			if err != nil {
				return err
			}
			if groupsDir == "" {
				groupsDir = filepath.Join(a.session.GetSessionDir(), stageKey(judge.QualityStage, input))
			}
			if seed == 0 {
				seed = a.cfg.Evaluation.Seed
			}

			j := judge.New(client, mc, a.secrets.GetAPIKey(mc.BaseURL), a.cfg.PromptTemplates.QualitySystemPrompt, a.logger)
			stage := judge.NewQuality(j, a.cfg.PromptTemplates.QualityPrompt, judge.QualityOptions{
				MaxTrials: a.cfg.Evaluation.MaxTrials,
				MaxRedo:   a.cfg.Evaluation.MaxRedo,
				Reference: a.cfg.Evaluation.ReferenceConstraints,
				Seed:      seed,
				OutputDir: groupsDir,
				Resume:    resumeGroups || a.cfg.Generation.ResumeFromSession != "",
			}, a.logger)
			stage.SetCollector(a.collector)

			out, stats, err := stage.Run(cmd.Context(), t)
			a.report.AddStage("quality "+filepath.Base(input), stats)
			if err != nil {
				return fmt.Errorf("quality evaluation failed: %w", err)
			}
			return a.writeTable(output, out)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Story table (after satisfaction)")
	cmd.Flags().StringVarP(&output, "output", "o", "quality.csv", "Combined evaluation table")
	cmd.Flags().StringVar(&groupsDir, "groups-dir", "", "Directory for <group>_evaluations.csv (default: in the session)")
	cmd.Flags().StringVar(&judgeKey, "judge", "", "models.<key> of the judge (default evaluation.quality_judge)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Story order seed (default evaluation.seed)")
	cmd.Flags().BoolVar(&resumeGroups, "resume-groups", false, "Reuse group files already in --groups-dir")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newDiversityCmd(a *app) *cobra.Command {
	var input, output, summary string
	var columns []string
	cmd := &cobra.Command{
		Use:   "diversity",
		Short: "Measure unique n-gram ratios of story columns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			t, err := table.Read(input)
			if err != nil {
				return err
			}
			start := time.Now()
			if err := eval.AddDiversity(t, columns); err != nil {
				return err
			}
			a.report.AddStage("diversity "+filepath.Base(input), models.StageStats{
				TotalRows: t.Len(), SuccessCount: t.Len(), Duration: time.Since(start),
			})
			if err := a.writeTable(output, t); err != nil {
				return err
			}
			if summary == "" {
				return nil
			}
			means, err := eval.MeanByCount(t, models.ColProductDiversity)
			if err != nil {
				return err
			}
			return a.writeTable(summary, eval.MeansTable(models.ColProductDiversity, means))
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Table with story columns")
	cmd.Flags().StringVarP(&output, "output", "o", "diversity.csv", "Output table")
	cmd.Flags().StringSliceVar(&columns, "columns", eval.DefaultStoryColumns, "Story columns measured together")
	cmd.Flags().StringVar(&summary, "summary", "", "Also write mean Product_diversity per constraint count")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newPerplexityCmd(a *app) *cobra.Command {
	var input, output, summary, model, column string
	cmd := &cobra.Command{
		Use:   "perplexity",
		Short: "Score story perplexity from echoed token logprobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(input); err != nil {
				return err
			}
			if model == "" {
				model = a.cfg.Evaluation.PerplexityModel
			}
			mc, err := a.cfg.Model(model)
			if err != nil {
				return err
			}
			client, err := a.apiClient()
			if err != nil {
				return err
			}
			t, err := table.Read(input)
			if err != nil {
				return err
			}

			start := time.Now()
			scorer := eval.NewScorer(client, mc, a.secrets.GetAPIKey(mc.BaseURL), a.cfg.Generation.BatchSize, a.logger)
			if err := eval.AddPerplexity(cmd.Context(), t, scorer, column); err != nil {
				return fmt.Errorf("perplexity scoring failed: %w", err)
			}
			a.report.AddStage("perplexity "+filepath.Base(input), models.StageStats{
				TotalRows: t.Len(), SuccessCount: t.Len(), Duration: time.Since(start),
			})
			if err := a.writeTable(output, t); err != nil {
				return err
			}
			if summary == "" {
				return nil
			}
			means, err := eval.MeanByCount(t, models.ColPerplexity)
			if err != nil {
				return err
			}
			return a.writeTable(summary, eval.MeansTable(models.ColPerplexity, means))
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Story table")
	cmd.Flags().StringVarP(&output, "output", "o", "perplexity.csv", "Output table")
	cmd.Flags().StringVar(&summary, "summary", "", "Also write mean Perplexity per constraint count")
	cmd.Flags().StringVar(&model, "model", "", "models.<key> serving /completions with logprobs (default evaluation.perplexity_model)")
	cmd.Flags().StringVar(&column, "column", models.ColGeneratedStory, "Story column to score")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newQUCCmd(a *app) *cobra.Command {
	var seriesFlags []string
	var output, comparison string
	var low, high int
	cmd := &cobra.Command{
		Use:   "quc",
		Short: "Compute quality under constraints and relative creativity scores",
		Long: `For every label=path series, group evaluated rows by constraint count and
compute average_percentage, normalized_coherence and QUC. The comparison
table holds QUC at the high count and RCS between the low and high counts.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ss, err := parseSeries(seriesFlags)
			if err != nil {
				return err
			}
			if err := a.start(seriesPaths(ss)...); err != nil {
				return err
			}
			summaries, err := summarize(ss)
			if err != nil {
				return err
			}
			if err := a.writeTable(output, eval.SummaryTable(summaries)); err != nil {
				return err
			}
			cmp := eval.ComparisonTable(summaries, low, high)
			a.report.AddTable("Quality under constraints", cmp)
			if comparison == "" {
				return nil
			}
			return a.writeTable(comparison, cmp)
		},
	}
	cmd.Flags().StringArrayVar(&seriesFlags, "series", nil, "label=path of an evaluated table (repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", "quc.csv", "Per-count summary table")
	cmd.Flags().StringVar(&comparison, "comparison", "", "Also write Model, QUC_<high>, RCS_<low>-<high>")
	cmd.Flags().IntVar(&low, "low", 7, "Low constraint count for RCS")
	cmd.Flags().IntVar(&high, "high", 39, "High constraint count for QUC and RCS")
	return cmd
}
