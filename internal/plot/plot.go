// Package plot renders per-constraint-count comparison charts.
package plot

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/lamim/cs4/internal/eval"
	"github.com/lamim/cs4/pkg/models"
)

// Default page size
const (
	DefaultWidth  = 12 * vg.Inch
	DefaultHeight = 6 * vg.Inch
)

var formats = []string{".png", ".pdf", ".svg", ".eps", ".jpg", ".jpeg", ".tif", ".tiff"}

// Point is one marker, optionally annotated
type Point struct {
	X, Y  float64
	Label string
}

// Series is one model's line
type Series struct {
	Label  string
	Points []Point
}

// Chart is a line chart with one series per model
type Chart struct {
	Title       string
	XLabel      string
	YLabel      string
	XTicks      []float64 // fixed tick positions, empty for automatic ticks
	InvertX     bool
	PointLabels bool
	Series      []Series
}

// CountSeries turns per-count means into a series ordered by count
func CountSeries(label string, means []eval.CountMean) Series {
	s := Series{Label: label}
	for _, m := range means {
		s.Points = append(s.Points, Point{X: float64(m.Count), Y: m.Mean})
	}
	return s
}

// CountTicks marks the constraint counts used on the x axis
func CountTicks() []float64 {
	ticks := make([]float64, len(models.ConstraintCounts))
	for i, n := range models.ConstraintCounts {
		ticks[i] = float64(n)
	}
	return ticks
}

// MetricChart plots the mean of one metric against the number of constraints
func MetricChart(title, yLabel string, series []Series) Chart {
	return Chart{
		Title:  title,
		XLabel: "Number of Constraints",
		YLabel: yLabel,
		XTicks: CountTicks(),
		Series: series,
	}
}

// CoherenceChart plots normalized coherence against constraint satisfaction,
// each point labeled with its constraint count
func CoherenceChart(summaries []eval.ModelSummary) Chart {
	c := Chart{
		Title:       "Coherence vs Constraint Satisfaction",
		XLabel:      "Constraint Satisfaction (%)",
		YLabel:      "Normalized Coherence Score",
		PointLabels: true,
	}
	for _, ms := range summaries {
		s := Series{Label: ms.Model}
		for _, cs := range ms.Counts {
			s.Points = append(s.Points, Point{
				X:     cs.AveragePercentage,
				Y:     cs.NormalizedCoherence,
				Label: "Constraints: " + strconv.Itoa(cs.Count),
			})
		}
		c.Series = append(c.Series, s)
	}
	return c
}

// QUCChart plots quality under constraints with the constraint axis running
// from most to fewest constraints
func QUCChart(summaries []eval.ModelSummary) Chart {
	c := MetricChart("Quality Under Constraints", "QUC", nil)
	c.InvertX = true
	for _, ms := range summaries {
		s := Series{Label: ms.Model}
		for _, cs := range ms.Counts {
			s.Points = append(s.Points, Point{X: float64(cs.Count), Y: cs.QUC()})
		}
		c.Series = append(c.Series, s)
	}
	return c
}

// Save renders the chart; the format follows the file extension
func (c Chart) Save(path string, width, height vg.Length) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !slices.Contains(formats, ext) {
		return fmt.Errorf("unsupported plot format %q (want one of %s)", ext, strings.Join(formats, ", "))
	}
	if len(c.Series) == 0 {
		return fmt.Errorf("chart %q has no series", c.Title)
	}
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}

	p, err := c.build()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}
	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}

func (c Chart) build() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = c.Title
	p.X.Label.Text = c.XLabel
	p.Y.Label.Text = c.YLabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, s := range c.Series {
		xys := make(plotter.XYs, len(s.Points))
		labels := make([]string, len(s.Points))
		for j, pt := range s.Points {
			xys[j].X, xys[j].Y = pt.X, pt.Y
			labels[j] = pt.Label
		}

		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, fmt.Errorf("series %q: %w", s.Label, err)
		}
		line.Color = plotutil.Color(i)
		points.Color = plotutil.Color(i)
		points.Shape = plotutil.Shape(i)
		p.Add(line, points)
		p.Legend.Add(s.Label, line, points)

		if c.PointLabels {
			l, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: labels})
			if err != nil {
				return nil, fmt.Errorf("series %q labels: %w", s.Label, err)
			}
			for k := range l.TextStyle {
				l.TextStyle[k].Color = plotutil.Color(i)
			}
			p.Add(l)
		}
	}

	if len(c.XTicks) > 0 {
		ticks := make([]plot.Tick, len(c.XTicks))
		for i, v := range c.XTicks {
			ticks[i] = plot.Tick{Value: v, Label: strconv.FormatFloat(v, 'f', -1, 64)}
		}
		p.X.Tick.Marker = plot.ConstantTicks(ticks)
	}
	if c.InvertX {
		p.X.Scale = plot.InvertedScale{Normalizer: p.X.Scale}
	}
	return p, nil
}
