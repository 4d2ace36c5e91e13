package table

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ReadXLSX loads a sheet (the first one when sheet is empty) whose first row is the header
func ReadXLSX(path, sheet string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("%s has no sheets", path)
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s is empty", sheet)
	}

	t := New(rows[0]...)
	for _, row := range rows[1:] {
		// GetRows drops trailing empty cells
		t.Rows = append(t.Rows, t.pad(row))
	}
	return t, nil
}

// WriteXLSX saves the table to a single-sheet workbook
func WriteXLSX(path string, t *Table) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Sheet1"
	header := t.Header
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for r, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		padded := t.pad(row)
		if err := f.SetSheetRow(sheet, cell, &padded); err != nil {
			return fmt.Errorf("failed to write row %d: %w", r, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
