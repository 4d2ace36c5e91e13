package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Column names shared by every stage. Stage outputs are plain CSV files, so
// these names are the only contract between one stage and the next.
const (
	ColInstruction         = "Instruction"
	ColCategory            = "Category"
	ColConstraints         = "Constraints"
	ColBaseStory           = "BaseStory"
	ColDirection           = "Direction"
	ColModel               = "Model"
	ColSelectedConstraints = "SelectedConstraints"
	ColNumConstraints      = "Number_of_Constraints"
	ColFinalPrompt         = "Final_Prompt"
	ColGeneratedStory      = "FinalGeneratedStory"
	ColModelResponse       = "Model_Response"
	ColRequestID           = "Request_ID"

	ColSatisfactionPrompt = "CS_FinalPrompt"
	ColResponseContent    = "ResponseContent"
	ColSatisfied          = "satisfied"
	ColPercentage         = "Percentage"

	ColGrammarScoreA    = "grammar_score_A"
	ColGrammarScoreB    = "grammar_score_B"
	ColCoherenceScoreA  = "coherence_score_A"
	ColCoherenceScoreB  = "coherence_score_B"
	ColLikabilityScoreA = "likability_score_A"
	ColLikabilityScoreB = "likability_score_B"
	ColGrammarPref      = "grammar_pref"
	ColCoherencePref    = "coherence_pref"
	ColLikabilityPref   = "likability_pref"
	ColOverallPref      = "overall_pref"
	ColOrder            = "order"
	ColNeedsParsing     = "needs_parsing"
	ColEvaluations      = "evaluations"
	ColCoherenceScore   = "coherence_score"

	ColProductDiversity = "Product_diversity"
	ColPerplexity       = "Perplexity"
)

// ConstraintCounts are the only constraint-subset sizes a story is generated under.
var ConstraintCounts = []int{7, 15, 23, 31, 39}

// MaxConstraints is the number of constraints requested per instruction.
const MaxConstraints = 40

// ErrInvalidConstraintCount is returned for a Number_of_Constraints outside ConstraintCounts.
var ErrInvalidConstraintCount = errors.New("invalid constraint count")

// ValidateConstraintCount reports whether n is one of ConstraintCounts.
func ValidateConstraintCount(n int) error {
	for _, c := range ConstraintCounts {
		if c == n {
			return nil
		}
	}
	return fmt.Errorf("%w: %d (allowed %v)", ErrInvalidConstraintCount, n, ConstraintCounts)
}

// Direction selects how the final story prompt is composed
type Direction string

const (
	// DirectionGenerate asks for a story written directly from instruction and constraints
	DirectionGenerate Direction = "d2"
	// DirectionRevise asks for a base story to be revised to satisfy the constraints
	DirectionRevise Direction = "d3"
)

// ParseDirection validates a direction string
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionGenerate, DirectionRevise:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown direction %q (want d2 or d3)", s)
}

// Instruction is one row of the instruction spreadsheet, optionally with
// the raw numbered constraint list generated for it
type Instruction struct {
	Text        string
	Category    string
	Constraints string
}

// StoryRecord is one row of a story-generation table
type StoryRecord struct {
	RequestID           string
	Instruction         string
	Category            string
	Constraints         string
	BaseStory           string
	Direction           Direction
	Model               string
	SelectedConstraints string
	NumConstraints      int
	FinalPrompt         string
	GeneratedStory      string
	ModelResponse       string // full transcript for chat-template models
}

// Fields flattens the record into named columns
func (r StoryRecord) Fields() map[string]string {
	f := map[string]string{
		ColRequestID:           r.RequestID,
		ColInstruction:         r.Instruction,
		ColCategory:            r.Category,
		ColConstraints:         r.Constraints,
		ColBaseStory:           r.BaseStory,
		ColDirection:           string(r.Direction),
		ColModel:               r.Model,
		ColSelectedConstraints: r.SelectedConstraints,
		ColNumConstraints:      strconv.Itoa(r.NumConstraints),
		ColFinalPrompt:         r.FinalPrompt,
		ColGeneratedStory:      r.GeneratedStory,
	}
	if r.ModelResponse != "" {
		f[ColModelResponse] = r.ModelResponse
	}
	return f
}

// StoryColumns is the column order used when writing story tables
var StoryColumns = []string{
	ColRequestID,
	ColInstruction,
	ColCategory,
	ColConstraints,
	ColBaseStory,
	ColDirection,
	ColModel,
	ColSelectedConstraints,
	ColNumConstraints,
	ColFinalPrompt,
	ColGeneratedStory,
}

// StoryRecordFromFields rebuilds a record from named columns.
// Missing columns are left empty; a malformed constraint count is an error.
func StoryRecordFromFields(f map[string]string) (StoryRecord, error) {
	r := StoryRecord{
		RequestID:           f[ColRequestID],
		Instruction:         f[ColInstruction],
		Category:            f[ColCategory],
		Constraints:         f[ColConstraints],
		BaseStory:           f[ColBaseStory],
		Direction:           Direction(f[ColDirection]),
		Model:               f[ColModel],
		SelectedConstraints: f[ColSelectedConstraints],
		FinalPrompt:         f[ColFinalPrompt],
		GeneratedStory:      f[ColGeneratedStory],
		ModelResponse:       f[ColModelResponse],
	}
	if s := f[ColNumConstraints]; s != "" {
		n, err := ParseCount(s)
		if err != nil {
			return r, err
		}
		if err := ValidateConstraintCount(n); err != nil {
			return r, err
		}
		r.NumConstraints = n
	}
	return r, nil
}

// DeriveRequestID returns a stable ID for a row that has no Request_ID,
// so reruns over the same file agree on it
func DeriveRequestID(row int, parts ...string) string {
	key := strconv.Itoa(row) + "|" + strings.Join(parts, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// ParseCount parses an integer column that may have been written as a float ("23.0")
func ParseCount(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidConstraintCount, s)
	}
	return int(f), nil
}

// StageStats tracks progress counters for one stage run
type StageStats struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	TotalRows    int           `json:"total_rows"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	SkippedCount int           `json:"skipped_count"`
	Duration     time.Duration `json:"duration"`
}
