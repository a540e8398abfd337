package pipeline

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
	"aksjeimport/internal/config"
	"aksjeimport/internal/worker"
)

// PreviewFile parses path without storing anything and returns up to limit
// records plus the number of rows read. A limit <= 0 reads the whole file.
func PreviewFile(ctx context.Context, cfg config.Config, log logrus.FieldLogger, path string, limit int) ([]internal.ShareholderRecord, int, error) {
	parsePath, _, cleanup, err := prepareSource(path, cfg.ExcelFallback)
	if err != nil {
		return nil, 0, err
	}
	defer cleanup()

	batchSize := cfg.ImportBatchSize
	if limit > 0 && limit < batchSize {
		batchSize = limit
	}
	w := worker.New(worker.Config{BatchSize: batchSize, ChunkSize: cfg.CSVChunkRows, Logger: log})
	wctx, stop := context.WithCancel(ctx)
	defer stop()
	go w.Run(wctx)

	opts := worker.ParseOptions{Encoding: cfg.CSVEncoding, Delimiter: cfg.Delimiter()}
	if err := w.Send(wctx, worker.ParseFile{Source: worker.FileSource(parsePath), Options: opts}); err != nil {
		return nil, 0, err
	}

	var out []internal.ShareholderRecord
	rows := 0
	for ev := range w.Events() {
		switch e := ev.(type) {
		case worker.BatchReady:
			rows = e.RowCount
			if limit > 0 && len(out) >= limit {
				continue
			}
			out = append(out, e.Batch...)
			if limit > 0 && len(out) >= limit {
				out = out[:limit]
				if err := w.Send(wctx, worker.Cancel{}); err != nil {
					return out, rows, err
				}
			}
		case worker.Progress:
			rows = e.RowCount
		case worker.ParseComplete:
			return out, e.TotalRows, nil
		case worker.Cancelled:
			return out, rows, nil
		case worker.ErrorEvent:
			return out, rows, e.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return out, rows, err
	}
	return out, rows, errors.New("worker stopped unexpectedly")
}
