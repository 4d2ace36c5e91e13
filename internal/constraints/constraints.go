// Package constraints writes constraint lists for instructions and selects
// the nested subsets stories are generated under.
package constraints

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lamim/cs4/internal/util"
	"github.com/lamim/cs4/pkg/models"
)

// ErrTooFewConstraints is returned when a list is shorter than a requested subset
var ErrTooFewConstraints = errors.New("too few constraints")

// numberedItem matches "1. text", "2) text" and "3 - text"
var numberedItem = regexp.MustCompile(`^\s*(\d+)\s*[.)\-:]\s*(.*)$`)

// ParseNumbered splits a numbered list into its items. Unnumbered lines
// continue the previous item; text before the first item is ignored.
func ParseNumbered(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		if m := numberedItem.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[2]))
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" || len(items) == 0 {
			continue
		}
		items[len(items)-1] += " " + line
	}

	out := items[:0]
	for _, it := range items {
		if it != "" {
			out = append(out, it)
		}
	}
	return out
}

// FormatNumbered renders items as "1. a\n2. b"
func FormatNumbered(items []string) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(it)
	}
	return b.String()
}

// Select emits one story record per count whose selected constraints are the
// first k parsed constraints. Smaller subsets are prefixes of larger ones.
func Select(inst models.Instruction, baseStory string, d models.Direction, counts []int) ([]models.StoryRecord, error) {
	items := ParseNumbered(inst.Constraints)

	records := make([]models.StoryRecord, 0, len(counts))
	for _, k := range counts {
		if err := models.ValidateConstraintCount(k); err != nil {
			return nil, err
		}
		if len(items) < k {
			return nil, fmt.Errorf("%w: instruction %q has %d, need %d",
				ErrTooFewConstraints, util.TruncateString(inst.Text, 40), len(items), k)
		}
		records = append(records, models.StoryRecord{
			RequestID:           uuid.New().String(),
			Instruction:         inst.Text,
			Category:            inst.Category,
			Constraints:         inst.Constraints,
			BaseStory:           baseStory,
			Direction:           d,
			SelectedConstraints: FormatNumbered(items[:k]),
			NumConstraints:      k,
		})
	}
	return records, nil
}
