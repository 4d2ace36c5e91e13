package eval

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

// CountSummary is one model's satisfaction and coherence at one constraint count
type CountSummary struct {
	Count               int
	AveragePercentage   float64
	TotalCoherence      float64
	NormalizedCoherence float64
}

// QUC is quality under constraints: normalized coherence times average satisfaction
func (s CountSummary) QUC() float64 {
	return s.NormalizedCoherence * s.AveragePercentage
}

// Summarize groups evaluated rows by constraint count. Percentage is averaged
// over rows that have one; coherence_score is summed, empty cells counting as
// zero, and normalized by the largest total.
func Summarize(t *table.Table) ([]CountSummary, error) {
	if err := t.Require(models.ColNumConstraints, models.ColPercentage, models.ColCoherenceScore); err != nil {
		return nil, err
	}

	byCount := make(map[int]*CountSummary)
	pctRows := make(map[int]int)
	for r := 0; r < t.Len(); r++ {
		n, err := models.ParseCount(t.Get(r, models.ColNumConstraints))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		s, ok := byCount[n]
		if !ok {
			s = &CountSummary{Count: n}
			byCount[n] = s
		}
		if strings.TrimSpace(t.Get(r, models.ColPercentage)) != "" {
			v, err := t.Float(r, models.ColPercentage)
			if err != nil {
				return nil, err
			}
			s.AveragePercentage += v
			pctRows[n]++
		}
		if strings.TrimSpace(t.Get(r, models.ColCoherenceScore)) != "" {
			v, err := t.Float(r, models.ColCoherenceScore)
			if err != nil {
				return nil, err
			}
			s.TotalCoherence += v
		}
	}

	out := make([]CountSummary, 0, len(byCount))
	maxCoherence := 0.0
	for n, s := range byCount {
		if pctRows[n] > 0 {
			s.AveragePercentage /= float64(pctRows[n])
		}
		maxCoherence = max(maxCoherence, s.TotalCoherence)
		out = append(out, *s)
	}
	for i := range out {
		if maxCoherence > 0 {
			out[i].NormalizedCoherence = out[i].TotalCoherence / maxCoherence
		}
	}
	slices.SortFunc(out, func(a, b CountSummary) int { return a.Count - b.Count })
	return out, nil
}

// RCS returns the relative creativity score QUC_m - QUC_n for every pair of
// counts m < n, keyed "m-n"
func RCS(summaries []CountSummary) map[string]float64 {
	out := make(map[string]float64)
	for i := range summaries {
		for j := i + 1; j < len(summaries); j++ {
			m, n := summaries[i], summaries[j]
			if m.Count > n.Count {
				m, n = n, m
			}
			out[RCSKey(m.Count, n.Count)] = m.QUC() - n.QUC()
		}
	}
	return out
}

// RCSKey names the score between two counts, e.g. "7-39"
func RCSKey(m, n int) string {
	return strconv.Itoa(m) + "-" + strconv.Itoa(n)
}

// ModelSummary is a labeled per-count summary, one per evaluated model
type ModelSummary struct {
	Model  string
	Counts []CountSummary
}

// QUCAt returns the QUC at count n
func (m ModelSummary) QUCAt(n int) (float64, bool) {
	for _, c := range m.Counts {
		if c.Count == n {
			return c.QUC(), true
		}
	}
	return 0, false
}

// SummaryTable lists every model's per-count values
func SummaryTable(summaries []ModelSummary) *table.Table {
	t := table.New(models.ColModel, models.ColNumConstraints,
		"average_percentage", "total_coherence", "normalized_coherence", "QUC")
	for _, ms := range summaries {
		for _, c := range ms.Counts {
			t.Append(map[string]string{
				models.ColModel:          ms.Model,
				models.ColNumConstraints: strconv.Itoa(c.Count),
				"average_percentage":     formatFloat(c.AveragePercentage),
				"total_coherence":        formatFloat(c.TotalCoherence),
				"normalized_coherence":   formatFloat(c.NormalizedCoherence),
				"QUC":                    formatFloat(c.QUC()),
			})
		}
	}
	return t
}

// ComparisonTable has one row per model with QUC_<high> and RCS_<low>-<high>.
// Missing counts leave the cell empty.
func ComparisonTable(summaries []ModelSummary, low, high int) *table.Table {
	qucCol := "QUC_" + strconv.Itoa(high)
	rcsCol := "RCS_" + RCSKey(low, high)
	t := table.New(models.ColModel, qucCol, rcsCol)
	for _, ms := range summaries {
		row := map[string]string{models.ColModel: ms.Model}
		if q, ok := ms.QUCAt(high); ok {
			row[qucCol] = formatFloat(q)
		}
		if v, ok := RCS(ms.Counts)[RCSKey(low, high)]; ok {
			row[rcsCol] = formatFloat(v)
		}
		t.Append(row)
	}
	return t
}
