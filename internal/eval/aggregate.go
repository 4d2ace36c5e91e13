package eval

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

// CountMean is the mean of a metric over the rows sharing one constraint count
type CountMean struct {
	Count int
	Mean  float64
	Rows  int
}

// MeanByCount averages col per Number_of_Constraints, ascending by count.
// Empty cells are skipped; other non-numeric cells are errors.
func MeanByCount(t *table.Table, col string) ([]CountMean, error) {
	if err := t.Require(models.ColNumConstraints, col); err != nil {
		return nil, err
	}
	sums := make(map[int]float64)
	rows := make(map[int]int)
	for r := 0; r < t.Len(); r++ {
		n, err := models.ParseCount(t.Get(r, models.ColNumConstraints))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		if strings.TrimSpace(t.Get(r, col)) == "" {
			continue
		}
		v, err := t.Float(r, col)
		if err != nil {
			return nil, err
		}
		sums[n] += v
		rows[n]++
	}

	out := make([]CountMean, 0, len(sums))
	for n, sum := range sums {
		out = append(out, CountMean{Count: n, Mean: sum / float64(rows[n]), Rows: rows[n]})
	}
	slices.SortFunc(out, func(a, b CountMean) int { return a.Count - b.Count })
	return out, nil
}

// MeansTable writes Number_of_Constraints and the mean of col
func MeansTable(col string, means []CountMean) *table.Table {
	t := table.New(models.ColNumConstraints, col)
	for _, m := range means {
		t.Append(map[string]string{
			models.ColNumConstraints: strconv.Itoa(m.Count),
			col:                      formatFloat(m.Mean),
		})
	}
	return t
}
