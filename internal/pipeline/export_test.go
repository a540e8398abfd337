package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"aksjeimport/internal"
	"aksjeimport/internal/util"
)

func TestExportImportToXLSX(t *testing.T) {
	rows := []internal.ShareholderExportRow{
		{LineNo: 1, ShareholderRecord: holder("1", "25", util.StringPtr("100")), OwnershipPct: util.StringPtr("25.0000")},
		{LineNo: 2, ShareholderRecord: holder("1", "75", util.StringPtr("100"))},
	}
	recon := Reconcile([]internal.ShareholderRecord{rows[0].ShareholderRecord, rows[1].ShareholderRecord})

	out := filepath.Join(t.TempDir(), "nested", "result.xlsx")
	if err := ExportImportToXLSX(rows, recon, out); err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if sheets := f.GetSheetList(); len(sheets) != 2 || sheets[0] != sheetShareholders || sheets[1] != sheetReconciliations {
		t.Fatalf("sheets=%v", sheets)
	}
	holders, err := f.GetRows(sheetShareholders)
	if err != nil {
		t.Fatal(err)
	}
	if len(holders) != 3 || holders[1][9] != "25.0000" || holders[2][7] != "75" {
		t.Fatalf("rows=%v", holders)
	}
	status, _ := f.GetCellValue(sheetReconciliations, "F2")
	if status != string(internal.ReconcileOK) {
		t.Fatalf("status=%q", status)
	}
}
