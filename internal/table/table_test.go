package table

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDecode_QuotedMultilineCells(t *testing.T) {
	input := "Instruction,Constraints\n" +
		"\"Write a story, briefly\",\"1. Use amber.\n2. No dialogue.\"\n" +
		"Short one\n"

	tbl, err := Decode(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
	if got := tbl.Get(0, "Constraints"); got != "1. Use amber.\n2. No dialogue." {
		t.Errorf("Constraints = %q", got)
	}
	if got := tbl.Get(1, "Constraints"); got != "" {
		t.Errorf("short row should be padded, got %q", got)
	}
}

func TestDecode_StripsBOM(t *testing.T) {
	tbl, err := Decode(strings.NewReader("\ufeffInstruction\nx\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !tbl.Has("Instruction") {
		t.Errorf("header = %q", tbl.Header)
	}
}

func TestRequire(t *testing.T) {
	tbl := New("Instruction", "Category")
	if err := tbl.Require("Instruction"); err != nil {
		t.Errorf("Require() error = %v", err)
	}
	err := tbl.Require("Instruction", "Percentage", "satisfied")
	if !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("Require() error = %v, want ErrMissingColumn", err)
	}
	if !strings.Contains(err.Error(), "Percentage, satisfied") {
		t.Errorf("error should name missing columns: %v", err)
	}
}

func TestSetAddsColumn(t *testing.T) {
	tbl := New("A")
	tbl.Append(map[string]string{"A": "1"})
	tbl.Set(0, "B", "2")

	if got := strings.Join(tbl.Header, ","); got != "A,B" {
		t.Errorf("Header = %s", got)
	}
	if tbl.Get(0, "B") != "2" || tbl.Get(0, "missing") != "" {
		t.Errorf("unexpected row: %v", tbl.Rows[0])
	}
}

func TestGroupBy_FirstAppearanceOrder(t *testing.T) {
	tbl := New("Instruction", "Number_of_Constraints")
	for _, r := range [][2]string{{"b", "7"}, {"a", "7"}, {"b", "15"}, {"a", "15"}, {"c", "7"}} {
		tbl.Append(map[string]string{"Instruction": r[0], "Number_of_Constraints": r[1]})
	}

	groups := tbl.GroupBy("Instruction")
	if len(groups) != 3 {
		t.Fatalf("got %d groups", len(groups))
	}
	want := []struct {
		key  string
		rows []int
	}{{"b", []int{0, 2}}, {"a", []int{1, 3}}, {"c", []int{4}}}
	for i, w := range want {
		if groups[i].Key != w.key || len(groups[i].Rows) != len(w.rows) {
			t.Errorf("group %d = %+v, want %+v", i, groups[i], w)
			continue
		}
		for j := range w.rows {
			if groups[i].Rows[j] != w.rows[j] {
				t.Errorf("group %d rows = %v, want %v", i, groups[i].Rows, w.rows)
			}
		}
	}
}

func TestFloat(t *testing.T) {
	tbl := New("Percentage")
	tbl.Append(map[string]string{"Percentage": " 42.5 "})
	tbl.Append(map[string]string{"Percentage": "n/a"})

	if v, err := tbl.Float(0, "Percentage"); err != nil || v != 42.5 {
		t.Errorf("Float() = %v, %v", v, err)
	}
	if _, err := tbl.Float(1, "Percentage"); err == nil {
		t.Error("expected parse error")
	}
}

func TestWriteCSV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	tbl := New("Instruction", "FinalGeneratedStory")
	tbl.Append(map[string]string{"Instruction": "x", "FinalGeneratedStory": "line one\n\"quoted\", line two"})

	if err := Write(path, tbl); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Get(0, "FinalGeneratedStory") != "line one\n\"quoted\", line two" {
		t.Errorf("story = %q", got.Get(0, "FinalGeneratedStory"))
	}
}

func TestXLSX_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.xlsx")
	tbl := New("Instruction", "Category", "Constraints")
	tbl.Append(map[string]string{"Instruction": "Write about rain", "Category": "Literary Fiction"})
	tbl.Append(map[string]string{"Instruction": "Write about snow", "Category": "Romance", "Constraints": "1. x"})

	if err := Write(path, tbl); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("Len() = %d", got.Len())
	}
	if got.Get(0, "Constraints") != "" || got.Get(1, "Constraints") != "1. x" {
		t.Errorf("rows = %v", got.Rows)
	}
}

func TestSubset(t *testing.T) {
	tbl := New("k")
	for _, v := range []string{"a", "b", "c"} {
		tbl.Append(map[string]string{"k": v})
	}
	sub := tbl.Subset([]int{2, 0})
	sub.Set(0, "k", "z")
	if sub.Get(0, "k") != "z" || sub.Get(1, "k") != "a" || tbl.Get(2, "k") != "c" {
		t.Errorf("subset must copy rows: sub=%v orig=%v", sub.Rows, tbl.Rows)
	}
}
