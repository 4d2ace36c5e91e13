package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gonum.org/v1/plot/vg"

	"github.com/lamim/cs4/internal/eval"
	"github.com/lamim/cs4/internal/plot"
	"github.com/lamim/cs4/internal/table"
)

// Plot kinds
const (
	plotMetric    = "metric"
	plotCoherence = "coherence"
	plotQUC       = "quc"
)

func newPlotCmd(a *app) *cobra.Command {
	var seriesFlags []string
	var kind, column, title, yLabel, output string
	var width, height float64
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Chart metrics against the number of constraints",
		Long: `Chart one line per label=path series.

  metric     mean of --column per constraint count (satisfaction, diversity, perplexity)
  coherence  normalized coherence against constraint satisfaction
  quc        quality under constraints, most constraints first

The output format follows the file extension (png, pdf, svg, ...).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ss, err := parseSeries(seriesFlags)
			if err != nil {
				return err
			}
			if err := a.start(seriesPaths(ss)...); err != nil {
				return err
			}

			chart, err := buildChart(kind, ss, column, title, yLabel)
			if err != nil {
				return err
			}
			if err := chart.Save(output, vg.Length(width)*vg.Inch, vg.Length(height)*vg.Inch); err != nil {
				return err
			}
			a.logger.Info("Plot saved", "path", output, "kind", kind, "series", len(ss))

			a.report.AddImage(chart.Title, reportPath(a.session.GetSessionDir(), output))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&seriesFlags, "series", nil, "label=path of a table (repeatable)")
	cmd.Flags().StringVar(&kind, "kind", plotMetric, "metric, coherence or quc")
	cmd.Flags().StringVar(&column, "column", "Percentage", "Metric column for --kind metric")
	cmd.Flags().StringVar(&title, "title", "", "Chart title")
	cmd.Flags().StringVar(&yLabel, "ylabel", "", "Y axis label (default: the column)")
	cmd.Flags().StringVarP(&output, "output", "o", "plot.png", "Output image")
	cmd.Flags().Float64Var(&width, "width", 12, "Width in inches")
	cmd.Flags().Float64Var(&height, "height", 6, "Height in inches")
	return cmd
}

func buildChart(kind string, ss []series, column, title, yLabel string) (plot.Chart, error) {
	var chart plot.Chart
	switch kind {
	case plotMetric:
		lines := make([]plot.Series, 0, len(ss))
		for _, s := range ss {
			t, err := table.Read(s.Path)
			if err != nil {
				return chart, err
			}
			means, err := eval.MeanByCount(t, column)
			if err != nil {
				return chart, fmt.Errorf("%s: %w", s.Label, err)
			}
			lines = append(lines, plot.CountSeries(s.Label, means))
		}
		if yLabel == "" {
			yLabel = column
		}
		if title == "" {
			title = column + " by Number of Constraints"
		}
		chart = plot.MetricChart(title, yLabel, lines)
	case plotCoherence, plotQUC:
		summaries, err := summarize(ss)
		if err != nil {
			return chart, err
		}
		if kind == plotCoherence {
			chart = plot.CoherenceChart(summaries)
		} else {
			chart = plot.QUCChart(summaries)
		}
		if title != "" {
			chart.Title = title
		}
		if yLabel != "" {
			chart.YLabel = yLabel
		}
	default:
		return chart, fmt.Errorf("unknown plot kind %q (want %s)", kind, strings.Join([]string{plotMetric, plotCoherence, plotQUC}, ", "))
	}
	return chart, nil
}

// reportPath makes path relative to the report directory when possible
func reportPath(reportDir, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	dir, err := filepath.Abs(reportDir)
	if err != nil {
		return abs
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return abs
	}
	return rel
}
