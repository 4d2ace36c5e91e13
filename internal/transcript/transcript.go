// Package transcript extracts model answers from chat-template transcripts.
package transcript

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

// Default OLMo chat-template delimiters
const (
	DefaultUserTag      = "<|user|>"
	DefaultAssistantTag = "<|assistant|>"
)

// ErrNoAssistantTag is returned when a transcript has no assistant delimiter
var ErrNoAssistantTag = errors.New("assistant tag not found")

// Parts is a transcript split at its delimiters
type Parts struct {
	Instruction string // text between the user tag and the assistant tag
	Answer      string // text strictly after the assistant tag
}

// Split locates the first assistant tag and returns the text around it.
// The answer is returned untrimmed.
func Split(s, userTag, assistantTag string) (Parts, error) {
	if assistantTag == "" {
		return Parts{}, fmt.Errorf("empty assistant tag")
	}
	a := strings.Index(s, assistantTag)
	if a < 0 {
		return Parts{}, ErrNoAssistantTag
	}

	var p Parts
	p.Answer = s[a+len(assistantTag):]
	if userTag != "" {
		if u := strings.Index(s[:a], userTag); u >= 0 {
			p.Instruction = s[u+len(userTag) : a]
		}
	}
	return p, nil
}

// ExtractAnswer returns only the text after the assistant tag
func ExtractAnswer(s, userTag, assistantTag string) (string, error) {
	p, err := Split(s, userTag, assistantTag)
	if err != nil {
		return "", err
	}
	return p.Answer, nil
}

// Result counts the rows a parse pass touched
type Result struct {
	Parsed  int
	Skipped int // rows without an assistant tag, left unchanged
}

// ParseTable rewrites the story column from the model response column of
// every row. Rows whose transcript lacks the assistant tag keep their story.
func ParseTable(t *table.Table, userTag, assistantTag string) (Result, error) {
	if err := t.Require(models.ColModelResponse); err != nil {
		return Result{}, err
	}
	t.AddColumn(models.ColGeneratedStory)

	var res Result
	for r := 0; r < t.Len(); r++ {
		answer, err := ExtractAnswer(t.Get(r, models.ColModelResponse), userTag, assistantTag)
		if errors.Is(err, ErrNoAssistantTag) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("row %d: %w", r, err)
		}
		t.Set(r, models.ColGeneratedStory, answer)
		res.Parsed++
	}
	return res, nil
}
