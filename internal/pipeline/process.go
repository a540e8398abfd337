package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
	"aksjeimport/internal/config"
	"aksjeimport/internal/storage"
	"aksjeimport/internal/worker"
)

var ErrImportRunning = errors.New("an import is already running")

// BatchSink receives every parsed batch of an import. firstLine is the
// 1-based source row number of batch[0].
type BatchSink interface {
	Name() string
	WriteBatch(ctx context.Context, importID string, firstLine int, batch []internal.ShareholderRecord) error
}

type ImportService struct {
	db    *storage.DB
	cfg   config.Config
	sinks []BatchSink
	log   logrus.FieldLogger

	mu     sync.Mutex
	active *worker.Worker
}

// NewImportService always writes to db; extra sinks receive the same batches
// in the order given.
func NewImportService(db *storage.DB, cfg config.Config, log logrus.FieldLogger, extra ...BatchSink) *ImportService {
	sinks := append([]BatchSink{db}, extra...)
	return &ImportService{db: db, cfg: cfg, sinks: sinks, log: log.WithField("component", "import")}
}

type ImportResult struct {
	ImportID       string
	FileName       string
	Status         internal.ImportStatus
	RowsParsed     int
	RowsStored     int
	Batches        int
	ConvertedSheet string
	Reconciliation []internal.Reconciliation
}

// ImportFile parses path through a worker session and persists every batch.
// Cancelling ctx cancels the session; rows already stored are kept and the
// import is marked cancelled.
func (s *ImportService) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	start := time.Now()
	name := filepath.Base(path)
	res := ImportResult{FileName: name}

	hash, err := fileSHA256(path)
	if err != nil {
		return res, err
	}

	parsePath, conv, cleanup, err := prepareSource(path, s.cfg.ExcelFallback)
	if err != nil {
		return res, err
	}
	defer cleanup()
	if conv != nil {
		res.ConvertedSheet = conv.Sheet
		s.log.WithFields(logrus.Fields{"file": name, "sheet": conv.Sheet, "headerRow": conv.HeaderRow, "rows": conv.Rows}).Info("excel converted to csv")
	}

	w := worker.New(worker.Config{
		BatchSize:   s.cfg.ImportBatchSize,
		ChunkSize:   s.cfg.CSVChunkRows,
		EventBuffer: 1,
		Logger:      s.log,
	})
	if err := s.claim(w); err != nil {
		return res, err
	}
	defer s.release(w)

	res.ImportID = uuid.NewString()
	if err := s.db.CreateImport(internal.ImportRow{ID: res.ImportID, FileName: name, FileHash: hash, Status: internal.ImportParsing}); err != nil {
		return res, err
	}
	log := s.log.WithFields(logrus.Fields{"import": res.ImportID, "file": name})

	// The worker outlives ctx long enough to acknowledge the cancel.
	wctx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()
	go w.Run(wctx)

	opts := worker.ParseOptions{Encoding: s.cfg.CSVEncoding, Delimiter: s.cfg.Delimiter()}
	if err := w.Send(wctx, worker.ParseFile{Source: worker.FileSource(parsePath), Options: opts}); err != nil {
		return res, err
	}

	recon := NewReconciler()
	done := ctx.Done()
	cancelling := false
	var sinkErr error
	cancel := func() {
		if !cancelling {
			cancelling = true
			_ = w.Send(wctx, worker.Cancel{})
		}
	}

	for {
		select {
		case <-done:
			done = nil
			log.Info("import cancel requested")
			cancel()
			continue
		default:
		}

		select {
		case <-done:
			done = nil
			log.Info("import cancel requested")
			cancel()
		case ev, ok := <-w.Events():
			if !ok {
				return res, errors.New("worker stopped unexpectedly")
			}
			switch e := ev.(type) {
			case worker.ParseStart:
				log.Debug("parse start")
			case worker.Progress:
				res.RowsParsed = e.RowCount
				log.WithField("rows", e.RowCount).Debug("progress")
			case worker.Paused:
				log.Info("import paused")
			case worker.Resumed:
				log.Info("import resumed")
			case worker.BatchReady:
				if cancelling {
					continue
				}
				res.RowsParsed = e.RowCount
				if err := s.writeBatch(wctx, res.ImportID, e); err != nil {
					sinkErr = err
					log.WithError(err).Error("batch write failed")
					cancel()
					continue
				}
				recon.Add(e.Batch)
				res.RowsStored += len(e.Batch)
				res.Batches++
				if err := s.db.UpdateImportProgress(res.ImportID, res.RowsParsed, res.RowsStored); err != nil {
					log.WithError(err).Warn("progress update failed")
				}
			case worker.ParseComplete:
				res.RowsParsed = e.TotalRows
				if sinkErr != nil {
					return s.fail(res, sinkErr, log)
				}
				if cancelling {
					return s.cancelled(ctx, res, log)
				}
				return s.complete(res, recon, start, log)
			case worker.ErrorEvent:
				if errors.Is(e, worker.ErrSessionActive) {
					continue
				}
				return s.fail(res, e.Err, log)
			case worker.Cancelled:
				if sinkErr != nil {
					return s.fail(res, sinkErr, log)
				}
				return s.cancelled(ctx, res, log)
			}
		}
	}
}

func (s *ImportService) writeBatch(ctx context.Context, importID string, e worker.BatchReady) error {
	firstLine := e.RowCount - len(e.Batch) + 1
	for _, sink := range s.sinks {
		if err := sink.WriteBatch(ctx, importID, firstLine, e.Batch); err != nil {
			return fmt.Errorf("%s sink: %w", sink.Name(), err)
		}
	}
	return nil
}

func (s *ImportService) complete(res ImportResult, recon *Reconciler, start time.Time, log logrus.FieldLogger) (ImportResult, error) {
	res.Status = internal.ImportCompleted
	res.Reconciliation = recon.Result()
	if err := s.db.SaveReconciliations(res.ImportID, res.Reconciliation); err != nil {
		return res, err
	}
	if err := s.db.FinishImport(res.ImportID, res.Status, res.RowsParsed, res.RowsStored, ""); err != nil {
		return res, err
	}

	counts := map[string]int{"rows": res.RowsParsed, "stored": res.RowsStored, "batches": res.Batches}
	for _, r := range res.Reconciliation {
		counts[strings.ToLower(string(r.Status))]++
	}
	_ = s.db.InsertRun(traceID(), res.ImportID, map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())}, counts)

	log.WithFields(logrus.Fields{
		"rows":      res.RowsParsed,
		"batches":   res.Batches,
		"companies": len(res.Reconciliation),
	}).Info("import completed")
	return res, nil
}

func (s *ImportService) cancelled(ctx context.Context, res ImportResult, log logrus.FieldLogger) (ImportResult, error) {
	res.Status = internal.ImportCancelled
	if err := s.db.FinishImport(res.ImportID, res.Status, res.RowsParsed, res.RowsStored, "cancelled"); err != nil {
		return res, err
	}
	log.WithField("rowsStored", res.RowsStored).Warn("import cancelled")
	if err := context.Cause(ctx); err != nil {
		return res, err
	}
	return res, context.Canceled
}

func (s *ImportService) fail(res ImportResult, cause error, log logrus.FieldLogger) (ImportResult, error) {
	res.Status = internal.ImportFailed
	if err := s.db.FinishImport(res.ImportID, res.Status, res.RowsParsed, res.RowsStored, cause.Error()); err != nil {
		log.WithError(err).Error("mark failed")
	}
	log.WithError(cause).Error("import failed")
	return res, cause
}

// Pause and Resume forward to the running import's worker.
func (s *ImportService) Pause(ctx context.Context) error {
	return s.forward(ctx, worker.Pause{})
}

func (s *ImportService) Resume(ctx context.Context) error {
	return s.forward(ctx, worker.Resume{})
}

func (s *ImportService) forward(ctx context.Context, cmd worker.Command) error {
	s.mu.Lock()
	w := s.active
	s.mu.Unlock()
	if w == nil {
		return errors.New("no import running")
	}
	return w.Send(ctx, cmd)
}

func (s *ImportService) claim(w *worker.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrImportRunning
	}
	s.active = w
	return nil
}

func (s *ImportService) release(w *worker.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == w {
		s.active = nil
	}
}

// ImportPending imports registered inbox files waiting in the pending state.
func (s *ImportService) ImportPending(ctx context.Context, limit int) (int, int, error) {
	pending, err := s.db.ListInboxFilesByStatus(internal.InboxPending, limit)
	if err != nil {
		return 0, 0, err
	}
	imported, failed := 0, 0
	for _, f := range pending {
		if ctx.Err() != nil {
			return imported, failed, ctx.Err()
		}
		if FormatByName(f.Name) == FormatUnknown {
			_ = s.db.UpdateInboxFile(f.ID, internal.InboxSkipped, nil)
			continue
		}
		res, err := s.ImportFile(ctx, f.Path)
		var importID *string
		if res.ImportID != "" {
			importID = &res.ImportID
		}
		switch {
		case err == nil:
			imported++
			_ = s.db.UpdateInboxFile(f.ID, internal.InboxImported, importID)
		case ctx.Err() != nil:
			return imported, failed, ctx.Err()
		default:
			failed++
			s.log.WithError(err).WithField("file", f.Name).Warn("inbox import failed")
			_ = s.db.UpdateInboxFile(f.ID, internal.InboxFailed, importID)
		}
	}
	return imported, failed, nil
}

// ExportImport writes one stored import to an xlsx workbook.
func (s *ImportService) ExportImport(importID, outputPath string) (int, error) {
	if _, err := s.db.MustImport(importID); err != nil {
		return 0, err
	}
	rows, err := s.db.ListShareholders(importID)
	if err != nil {
		return 0, err
	}
	recon, err := s.db.ListReconciliations(importID)
	if err != nil {
		return 0, err
	}
	AttachOwnership(rows, recon)
	return len(rows), ExportImportToXLSX(rows, recon, outputPath)
}

// ReconcileImport recomputes the reconciliation of a stored import.
func (s *ImportService) ReconcileImport(importID string) ([]internal.Reconciliation, error) {
	if _, err := s.db.MustImport(importID); err != nil {
		return nil, err
	}
	rows, err := s.db.ListShareholders(importID)
	if err != nil {
		return nil, err
	}
	r := NewReconciler()
	records := make([]internal.ShareholderRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].ShareholderRecord
	}
	r.Add(records)
	out := r.Result()
	return out, s.db.SaveReconciliations(importID, out)
}

// prepareSource returns the path the worker should parse. Workbooks are
// converted to a temporary CSV when the Excel fallback is enabled; cleanup
// removes it.
func prepareSource(path string, excelFallback bool) (string, *ConvertResult, func(), error) {
	noop := func() {}
	if !excelFallback || DetectFormat(path) != FormatExcel {
		return path, nil, noop, nil
	}

	tmp, err := os.MkdirTemp("", "aksjeimport-*")
	if err != nil {
		return "", nil, noop, err
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	name := filepath.Base(path)
	out := filepath.Join(tmp, strings.TrimSuffix(name, filepath.Ext(name))+".csv")
	conv, err := ConvertXLSXToCSV(path, out, "")
	if err != nil {
		cleanup()
		return "", nil, noop, fmt.Errorf("convert %s: %w", name, err)
	}
	return out, &conv, cleanup, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func traceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
