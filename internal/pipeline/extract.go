package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"aksjeimport/internal/worker"
)

var ErrLegacyXLS = errors.New("legacy .xls workbooks cannot be converted; save the file as .xlsx or .csv")

// headerScanRows is how far down a sheet the converter looks for the header
// row. Registry exports often start with a title block.
const headerScanRows = 10

type ConvertResult struct {
	Sheet     string
	HeaderRow int
	Rows      int
}

// ConvertXLSXToCSV streams one sheet of a workbook into a UTF-8 CSV file. An
// empty sheet name picks the first sheet holding a recognizable header.
// Rows above the detected header are dropped.
func ConvertXLSXToCSV(src, dst, sheet string) (ConvertResult, error) {
	f, err := excelize.OpenFile(src)
	if err != nil {
		if isLegacyXLS(src) {
			return ConvertResult{}, fmt.Errorf("%w: %v", ErrLegacyXLS, err)
		}
		return ConvertResult{}, err
	}
	defer f.Close()

	if sheet == "" {
		sheet, err = pickSheet(f)
		if err != nil {
			return ConvertResult{}, err
		}
	} else if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return ConvertResult{}, fmt.Errorf("sheet %q not found in %s", sheet, filepath.Base(src))
	}

	headerRow, err := findHeaderRow(f, sheet)
	if err != nil {
		return ConvertResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ConvertResult{}, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return ConvertResult{}, err
	}
	defer out.Close()

	rows, err := f.Rows(sheet)
	if err != nil {
		return ConvertResult{}, err
	}
	defer rows.Close()

	w := csv.NewWriter(out)
	res := ConvertResult{Sheet: sheet, HeaderRow: headerRow + 1}
	width := 0
	for i := 0; rows.Next(); i++ {
		cells, err := rows.Columns()
		if err != nil {
			return ConvertResult{}, err
		}
		if i < headerRow {
			continue
		}
		cells = normalizeCells(cells)
		if i == headerRow {
			width = len(cells)
		} else if isBlankRow(cells) {
			continue
		} else {
			res.Rows++
		}
		for len(cells) < width {
			cells = append(cells, "")
		}
		if err := w.Write(cells); err != nil {
			return ConvertResult{}, err
		}
	}
	if err := rows.Error(); err != nil {
		return ConvertResult{}, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return ConvertResult{}, err
	}
	return res, out.Close()
}

func pickSheet(f *excelize.File) (string, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", errors.New("workbook has no sheets")
	}
	for _, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			continue
		}
		for i := 0; i < len(rows) && i < headerScanRows; i++ {
			if worker.HeaderScore(normalizeCells(rows[i])) >= 2 {
				return name, nil
			}
		}
	}
	return sheets[0], nil
}

// findHeaderRow returns the 0-based index of the first row that maps at least
// two canonical fields, or the first non-blank row when none does.
func findHeaderRow(f *excelize.File, sheet string) (int, error) {
	rows, err := f.Rows(sheet)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	firstNonBlank := -1
	for i := 0; i < headerScanRows && rows.Next(); i++ {
		cells, err := rows.Columns()
		if err != nil {
			return 0, err
		}
		cells = normalizeCells(cells)
		if isBlankRow(cells) {
			continue
		}
		if firstNonBlank < 0 {
			firstNonBlank = i
		}
		if worker.HeaderScore(cells) >= 2 {
			return i, nil
		}
	}
	if firstNonBlank < 0 {
		return 0, nil
	}
	return firstNonBlank, nil
}

func normalizeCells(row []string) []string {
	out := make([]string, 0, len(row))
	for _, c := range row {
		out = append(out, strings.Join(strings.Fields(c), " "))
	}
	return out
}

func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
