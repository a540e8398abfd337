package pipeline

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"aksjeimport/internal"
	"aksjeimport/internal/util"
)

const (
	sheetShareholders    = "aksjonaerer"
	sheetReconciliations = "avstemming"
)

// ExportImportToXLSX writes the stored records of one import and its
// reconciliation into a two-sheet workbook.
func ExportImportToXLSX(rows []internal.ShareholderExportRow, recon []internal.Reconciliation, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetShareholders); err != nil {
		return err
	}
	if _, err := f.NewSheet(sheetReconciliations); err != nil {
		return err
	}

	writeHeader(f, sheetShareholders, []string{
		"line_no", "orgnr", "selskap", "aksjeklasse", "navn_aksjonaer",
		"fodselsar_orgnr", "landkode", "antall_aksjer", "antall_aksjer_selskap", "eierandel_pct",
	})
	for i, row := range rows {
		set := rowSetter(f, sheetShareholders, i+2)
		set(1, row.LineNo)
		set(2, row.Orgnr)
		set(3, row.Selskap)
		set(4, util.Deref(row.Aksjeklasse))
		set(5, row.NavnAksjonaer)
		set(6, util.Deref(row.FodselsarOrgnr))
		set(7, util.Deref(row.Landkode))
		set(8, row.AntallAksjer)
		set(9, util.Deref(row.AntallAksjerSelskap))
		set(10, util.Deref(row.OwnershipPct))
	}

	writeHeader(f, sheetReconciliations, []string{
		"orgnr", "selskap", "holder_count", "sum_shares", "declared_shares", "status", "reason",
	})
	for i, r := range recon {
		set := rowSetter(f, sheetReconciliations, i+2)
		set(1, r.Orgnr)
		set(2, r.Selskap)
		set(3, r.HolderCount)
		set(4, r.SumShares)
		set(5, util.Deref(r.DeclaredShares))
		set(6, string(r.Status))
		set(7, r.Reason)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func writeHeader(f *excelize.File, sheet string, headers []string) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
}

func rowSetter(f *excelize.File, sheet string, row int) func(col int, value any) {
	return func(col int, value any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(sheet, cell, value)
	}
}
