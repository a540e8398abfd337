package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
	"aksjeimport/internal/config"
	"aksjeimport/internal/storage"
	"aksjeimport/internal/worker"
)

type recordingSink struct {
	lines []int
	rows  int
	fail  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) WriteBatch(_ context.Context, _ string, firstLine int, batch []internal.ShareholderRecord) error {
	if s.fail != nil {
		return s.fail
	}
	s.lines = append(s.lines, firstLine)
	s.rows += len(batch)
	return nil
}

func testService(t *testing.T, cfg config.Config, extra ...BatchSink) (*ImportService, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewImportService(db, cfg, log, extra...), db
}

func testConfig() config.Config {
	return config.Config{ImportBatchSize: 4, CSVChunkRows: 3, CSVEncoding: "auto", ExcelFallback: true}
}

func writeRegister(t *testing.T, dir string, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("orgnr;navn;aksjonaer;aksjer;antall_aksjer_selskap\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "912345678;Fjord AS;Holder %d;10;%d\n", i, rows*10)
	}
	path := filepath.Join(dir, "register.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImportFileStoresBatchesAndReconciles(t *testing.T) {
	sink := &recordingSink{}
	svc, db := testService(t, testConfig(), sink)
	path := writeRegister(t, t.TempDir(), 10)

	res, err := svc.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != internal.ImportCompleted || res.RowsParsed != 10 || res.RowsStored != 10 || res.Batches != 3 {
		t.Fatalf("res=%+v", res)
	}
	if fmt.Sprint(sink.lines) != "[1 5 9]" || sink.rows != 10 {
		t.Fatalf("sink lines=%v rows=%d", sink.lines, sink.rows)
	}
	if len(res.Reconciliation) != 1 || res.Reconciliation[0].Status != internal.ReconcileOK {
		t.Fatalf("recon=%+v", res.Reconciliation)
	}

	imp, err := db.MustImport(res.ImportID)
	if err != nil {
		t.Fatal(err)
	}
	if imp.Status != internal.ImportCompleted || imp.RowsStored != 10 || imp.FileHash == "" {
		t.Fatalf("import=%+v", imp)
	}

	out := filepath.Join(t.TempDir(), "result.xlsx")
	n, err := svc.ExportImport(res.ImportID, out)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("exported=%d", n)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatal(err)
	}
}

func TestImportExcelFallback(t *testing.T) {
	svc, db := testService(t, testConfig())
	dir := t.TempDir()
	src := filepath.Join(dir, "register.xlsx")
	mkXLSX(t, src, map[string][][]any{
		"Aksjonærer": {
			{"Organisasjonsnummer", "Selskap", "Navn aksjonær", "Antall aksjer", "Antall aksjer selskap"},
			{"912345678", "Fjord AS", "Kari", 60, 100},
			{"912345678", "Fjord AS", "Ola", 30, 100},
		},
	})

	res, err := svc.ImportFile(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if res.ConvertedSheet != "Aksjonærer" || res.RowsStored != 2 {
		t.Fatalf("res=%+v", res)
	}
	if res.Reconciliation[0].Status != internal.ReconcileMismatch {
		t.Fatalf("recon=%+v", res.Reconciliation)
	}
	rows, err := db.ListShareholders(res.ImportID)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].NavnAksjonaer != "Kari" || rows[1].AntallAksjer != "30" {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestImportExcelWithoutFallbackFails(t *testing.T) {
	cfg := testConfig()
	cfg.ExcelFallback = false
	svc, db := testService(t, cfg)
	src := filepath.Join(t.TempDir(), "register.xlsx")
	mkXLSX(t, src, map[string][][]any{"Ark1": {{"orgnr"}}})

	res, err := svc.ImportFile(context.Background(), src)
	if !errors.Is(err, worker.ErrExcelUnsupported) {
		t.Fatalf("err=%v", err)
	}
	imp, _ := db.MustImport(res.ImportID)
	if imp.Status != internal.ImportFailed || !strings.Contains(imp.Error, "Excel") {
		t.Fatalf("import=%+v", imp)
	}
}

func TestImportSinkFailureFailsImport(t *testing.T) {
	sink := &recordingSink{fail: errors.New("remote down")}
	svc, db := testService(t, testConfig(), sink)
	path := writeRegister(t, t.TempDir(), 10)

	res, err := svc.ImportFile(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "recording sink") {
		t.Fatalf("err=%v", err)
	}
	imp, _ := db.MustImport(res.ImportID)
	if imp.Status != internal.ImportFailed {
		t.Fatalf("import=%+v", imp)
	}
}

func TestImportCancelledKeepsStoredRows(t *testing.T) {
	svc, db := testService(t, testConfig())
	path := writeRegister(t, t.TempDir(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := svc.ImportFile(ctx, path)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	imp, _ := db.MustImport(res.ImportID)
	if imp.Status != internal.ImportCancelled {
		t.Fatalf("import=%+v", imp)
	}
	stored, _ := db.CountShareholders(res.ImportID)
	if stored != imp.RowsStored {
		t.Fatalf("stored=%d recorded=%d", stored, imp.RowsStored)
	}
}

func TestImportPendingUpdatesInbox(t *testing.T) {
	svc, db := testService(t, testConfig())
	dir := t.TempDir()
	good := writeRegister(t, dir, 3)
	bad := filepath.Join(dir, "notes.txt")
	_ = os.WriteFile(bad, []byte("hello"), 0o644)

	_, _, _ = db.RegisterInboxFile("h1", "register.csv", good, internal.InboxManual)
	_, _, _ = db.RegisterInboxFile("h2", "notes.txt", bad, internal.InboxManual)

	imported, failed, err := svc.ImportPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if imported != 1 || failed != 0 {
		t.Fatalf("imported=%d failed=%d", imported, failed)
	}
	f, _ := db.GetInboxFileByHash("h1")
	if f.Status != internal.InboxImported || f.ImportID == nil {
		t.Fatalf("file=%+v", f)
	}
	skipped, _ := db.GetInboxFileByHash("h2")
	if skipped.Status != internal.InboxSkipped {
		t.Fatalf("file=%+v", skipped)
	}
}

func TestPreviewFileLimit(t *testing.T) {
	path := writeRegister(t, t.TempDir(), 10)
	log := logrus.New()
	log.SetOutput(io.Discard)
	records, _, err := PreviewFile(context.Background(), testConfig(), log, path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1].NavnAksjonaer != "Holder 1" {
		t.Fatalf("records=%+v", records)
	}
}

func TestPauseWithoutImport(t *testing.T) {
	svc, _ := testService(t, testConfig())
	if err := svc.Pause(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
