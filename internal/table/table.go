// Package table holds the column-named tabular files exchanged between stages.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// ErrMissingColumn is returned when a stage input lacks a required column
var ErrMissingColumn = errors.New("missing column")

// Table is a header plus string rows. Cells are addressed by column name.
type Table struct {
	Header []string
	Rows   [][]string
	index  map[string]int
}

// Group is a set of row indices sharing one key, in first-appearance order
type Group struct {
	Key  string
	Rows []int
}

// New creates an empty table with the given columns
func New(columns ...string) *Table {
	t := &Table{}
	for _, c := range columns {
		t.AddColumn(c)
	}
	return t
}

// Read loads a .csv or .xlsx file; the first XLSX sheet is used
func Read(path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, "")
	default:
		return ReadCSV(path)
	}
}

// Write saves a .csv or .xlsx file depending on the extension
func Write(path string, t *Table) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return WriteXLSX(path, t)
	default:
		return WriteCSV(path, t)
	}
}

// ReadCSV loads a CSV file whose first record is the header
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return t, nil
}

// Decode parses CSV from r
func Decode(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty file")
	}

	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	t := New(header...)
	for _, rec := range records[1:] {
		t.Rows = append(t.Rows, t.pad(rec))
	}
	return t, nil
}

// WriteCSV writes the table atomically through a temp file and rename
func WriteCSV(path string, t *Table) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if err := t.Encode(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// Encode writes the table as CSV to w
func (t *Table) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := cw.Write(t.pad(row)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.Rows) }

// Has reports whether the column exists
func (t *Table) Has(col string) bool {
	_, ok := t.index[col]
	return ok
}

// Require returns ErrMissingColumn naming every absent column
func (t *Table) Require(cols ...string) error {
	var missing []string
	for _, c := range cols {
		if !t.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return nil
}

// AddColumn appends a column if it does not exist yet
func (t *Table) AddColumn(col string) {
	if t.index == nil {
		t.index = make(map[string]int)
	}
	if _, ok := t.index[col]; ok {
		return
	}
	t.index[col] = len(t.Header)
	t.Header = append(t.Header, col)
}

// Get returns the cell value, or "" for an unknown column
func (t *Table) Get(row int, col string) string {
	i, ok := t.index[col]
	if !ok || i >= len(t.Rows[row]) {
		return ""
	}
	return t.Rows[row][i]
}

// Set writes a cell, adding the column when needed
func (t *Table) Set(row int, col, value string) {
	t.AddColumn(col)
	t.Rows[row] = t.pad(t.Rows[row])
	t.Rows[row][t.index[col]] = value
}

// Float parses a numeric cell
func (t *Table) Float(row int, col string) (float64, error) {
	v := strings.TrimSpace(t.Get(row, col))
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("row %d column %s: %w", row, col, err)
	}
	return f, nil
}

// Append adds a row from a column map; unknown columns are added
func (t *Table) Append(fields map[string]string) int {
	for _, col := range slices.Sorted(maps.Keys(fields)) {
		t.AddColumn(col)
	}
	row := make([]string, len(t.Header))
	for col, v := range fields {
		row[t.index[col]] = v
	}
	t.Rows = append(t.Rows, row)
	return len(t.Rows) - 1
}

// Record returns a row as a column map
func (t *Table) Record(row int) map[string]string {
	out := make(map[string]string, len(t.Header))
	for i, col := range t.Header {
		if i < len(t.Rows[row]) {
			out[col] = t.Rows[row][i]
		} else {
			out[col] = ""
		}
	}
	return out
}

// GroupBy groups rows by a column value in first-appearance order
func (t *Table) GroupBy(col string) []Group {
	var groups []Group
	pos := make(map[string]int)
	for r := range t.Rows {
		key := t.Get(r, col)
		i, ok := pos[key]
		if !ok {
			i = len(groups)
			pos[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Rows = append(groups[i].Rows, r)
	}
	return groups
}

// Subset copies the given rows into a new table with the same header
func (t *Table) Subset(rows []int) *Table {
	out := New(t.Header...)
	for _, r := range rows {
		out.Rows = append(out.Rows, append([]string(nil), t.pad(t.Rows[r])...))
	}
	return out
}

func (t *Table) pad(row []string) []string {
	if len(row) >= len(t.Header) {
		return row
	}
	padded := make([]string, len(t.Header))
	copy(padded, row)
	return padded
}
