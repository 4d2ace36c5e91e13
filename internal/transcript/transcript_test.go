package transcript

import (
	"errors"
	"testing"

	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

func TestExtractAnswer(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		want       string
		wantErr    error
	}{
		{
			name:       "olmo transcript",
			transcript: "<|user|>\nWrite a story\n<|assistant|>\nOnce upon a time",
			want:       "\nOnce upon a time",
		},
		{
			name:       "answer is not trimmed",
			transcript: "<|user|>x<|assistant|>  spaced  ",
			want:       "  spaced  ",
		},
		{
			name:       "first assistant tag wins",
			transcript: "<|user|>a<|assistant|>b<|assistant|>c",
			want:       "b<|assistant|>c",
		},
		{
			name:       "empty answer",
			transcript: "<|user|>a<|assistant|>",
			want:       "",
		},
		{
			name:       "missing assistant tag",
			transcript: "<|user|>just the prompt",
			wantErr:    ErrNoAssistantTag,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractAnswer(tt.transcript, DefaultUserTag, DefaultAssistantTag)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ExtractAnswer() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractAnswer() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplit_Instruction(t *testing.T) {
	p, err := Split("<|user|>\nPrompt text\n<|assistant|>\nAnswer", DefaultUserTag, DefaultAssistantTag)
	if err != nil {
		t.Fatal(err)
	}
	if p.Instruction != "\nPrompt text\n" || p.Answer != "\nAnswer" {
		t.Errorf("Split() = %+v", p)
	}
}

func TestParseTable(t *testing.T) {
	tbl := table.New(models.ColInstruction, models.ColModelResponse)
	tbl.Append(map[string]string{models.ColModelResponse: "<|user|>q<|assistant|>story one"})
	tbl.Append(map[string]string{models.ColModelResponse: "no tags here", models.ColGeneratedStory: "kept"})

	res, err := ParseTable(tbl, DefaultUserTag, DefaultAssistantTag)
	if err != nil {
		t.Fatalf("ParseTable() error = %v", err)
	}
	if res.Parsed != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	if tbl.Get(0, models.ColGeneratedStory) != "story one" || tbl.Get(1, models.ColGeneratedStory) != "kept" {
		t.Errorf("rows = %v", tbl.Rows)
	}
}

func TestParseTable_MissingColumn(t *testing.T) {
	_, err := ParseTable(table.New(models.ColInstruction), DefaultUserTag, DefaultAssistantTag)
	if !errors.Is(err, table.ErrMissingColumn) {
		t.Errorf("error = %v", err)
	}
}
