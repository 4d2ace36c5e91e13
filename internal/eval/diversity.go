// Package eval computes the judge-free story metrics: n-gram diversity,
// perplexity and quality under constraints.
package eval

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

// NGramSizes are the n-gram lengths diversity is measured over
var NGramSizes = []int{2, 3, 4}

// DefaultStoryColumns hold the alternative stories written for one prompt
var DefaultStoryColumns = []string{"Story1", "Story2", "Story3"}

// Tokenize lowercases text, drops ASCII punctuation and splits on whitespace
func Tokenize(text string) []string {
	text = strings.Map(func(r rune) rune {
		if r <= unicode.MaxASCII && (unicode.IsPunct(r) || unicode.IsSymbol(r)) {
			return -1
		}
		return r
	}, strings.ToLower(text))
	return strings.Fields(text)
}

// NGramCount returns the unique and total number of n-grams in tokens
func NGramCount(tokens []string, n int) (unique, total int) {
	if n < 1 || len(tokens) < n {
		return 0, 0
	}
	total = len(tokens) - n + 1
	seen := make(map[string]struct{}, total)
	for i := 0; i < total; i++ {
		seen[strings.Join(tokens[i:i+n], "\x00")] = struct{}{}
	}
	return len(seen), total
}

// Diversity holds n-gram counts summed over a set of texts
type Diversity struct {
	Unique map[int]int
	Total  map[int]int
}

// Ratio is unique/total for n, 0 when there are no n-grams
func (d Diversity) Ratio(n int) float64 {
	if d.Total[n] == 0 {
		return 0
	}
	return float64(d.Unique[n]) / float64(d.Total[n])
}

// Product multiplies the ratios over NGramSizes
func (d Diversity) Product() float64 {
	p := 1.0
	for _, n := range NGramSizes {
		p *= d.Ratio(n)
	}
	return p
}

// MeasureDiversity sums unique and total n-gram counts across texts
func MeasureDiversity(texts ...string) Diversity {
	d := Diversity{Unique: make(map[int]int), Total: make(map[int]int)}
	for _, text := range texts {
		tokens := Tokenize(text)
		for _, n := range NGramSizes {
			u, t := NGramCount(tokens, n)
			d.Unique[n] += u
			d.Total[n] += t
		}
	}
	return d
}

// AddDiversity appends per-story n-gram counts, their sums, the per-n ratios
// and Product_diversity to every row of t
func AddDiversity(t *table.Table, storyCols []string) error {
	if len(storyCols) == 0 {
		return fmt.Errorf("no story columns given")
	}
	if err := t.Require(storyCols...); err != nil {
		return err
	}

	for r := 0; r < t.Len(); r++ {
		sum := Diversity{Unique: make(map[int]int), Total: make(map[int]int)}
		for _, col := range storyCols {
			d := MeasureDiversity(t.Get(r, col))
			for _, n := range NGramSizes {
				t.Set(r, fmt.Sprintf("%s_unique %d-grams", col, n), strconv.Itoa(d.Unique[n]))
				t.Set(r, fmt.Sprintf("%s_total %d-grams", col, n), strconv.Itoa(d.Total[n]))
				sum.Unique[n] += d.Unique[n]
				sum.Total[n] += d.Total[n]
			}
		}
		for _, n := range NGramSizes {
			t.Set(r, fmt.Sprintf("Sum_%dGrams", n), strconv.Itoa(sum.Unique[n]))
			t.Set(r, fmt.Sprintf("Total_%dGrams", n), strconv.Itoa(sum.Total[n]))
			t.Set(r, fmt.Sprintf("Diversity_%dG", n), formatFloat(sum.Ratio(n)))
		}
		t.Set(r, models.ColProductDiversity, formatFloat(sum.Product()))
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
