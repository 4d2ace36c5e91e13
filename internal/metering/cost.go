package metering

import (
	"fmt"
	"io"
	"sort"
)

// CostLine is the spend of one model
type CostLine struct {
	Model  string
	Tokens int
	Cost   float64
	Priced bool // false when the model has no configured price
}

// CostReport is the spend across all models
type CostReport struct {
	Lines []CostLine
	Total float64
}

// Cost prices token totals using USD-per-1K-token rates
func Cost(totals []ModelTotal, pricePer1K map[string]float64) CostReport {
	var report CostReport
	for _, t := range totals {
		line := CostLine{Model: t.Model, Tokens: t.Tokens}
		if price, ok := pricePer1K[t.Model]; ok {
			line.Cost = float64(t.Tokens) * price / 1000
			line.Priced = true
		}
		report.Total += line.Cost
		report.Lines = append(report.Lines, line)
	}
	sort.Slice(report.Lines, func(i, j int) bool { return report.Lines[i].Model < report.Lines[j].Model })
	return report
}

// Print writes the report in a human-readable form
func (r CostReport) Print(w io.Writer) error {
	for _, l := range r.Lines {
		if _, err := fmt.Fprintf(w, "Total tokens used for %s: %d\n", l.Model, l.Tokens); err != nil {
			return err
		}
		if !l.Priced {
			if _, err := fmt.Fprintf(w, "No price configured for %s\n", l.Model); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "Total cost for %s: $%.4f\n", l.Model, l.Cost); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\nTotal cost so far: $%.4f\n", r.Total)
	return err
}
