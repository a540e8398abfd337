package listener

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
	"aksjeimport/internal/config"
	"aksjeimport/internal/connectors"
	gmailconnector "aksjeimport/internal/connectors/gmail"
	imapconnector "aksjeimport/internal/connectors/imap"
	"aksjeimport/internal/pipeline"
	"aksjeimport/internal/storage"
	"aksjeimport/internal/util"
)

const exportedKeyPrefix = "listener.exported."

type Service struct {
	db      *storage.DB
	cfg     config.Config
	imports *pipeline.ImportService
	fetch   *connectors.FetchService
	log     logrus.FieldLogger
}

type CycleResult struct {
	Fetched    int
	Scanned    int
	Registered int
	Imported   int
	Failed     int
	Exported   int
}

// NewService builds the listener. With LISTENER_MAIL_PROVIDER empty or "none"
// the cycle only watches INBOX_DIR.
func NewService(ctx context.Context, db *storage.DB, cfg config.Config, imports *pipeline.ImportService, log logrus.FieldLogger) (*Service, error) {
	s := &Service{db: db, cfg: cfg, imports: imports, log: log.WithField("component", "listener")}

	provider := strings.ToLower(strings.TrimSpace(cfg.ListenerMailProvider))
	mailConnector, err := makeConnector(ctx, provider, cfg)
	if err != nil {
		return nil, err
	}
	if mailConnector != nil {
		s.fetch = connectors.NewFetchService(db, cfg.InboxDir, mailConnector, s.log)
	}
	return s, nil
}

func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.ListenerIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("listener cycle failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunCycle fetches mail, registers dropped files, imports whatever is pending
// and exports newly completed imports.
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	if s.fetch != nil {
		fetched, err := s.fetch.FetchAndStore(ctx, s.cfg.ListenerMailLabel, s.cfg.ListenerFetchMax)
		if err != nil {
			return res, fmt.Errorf("fetch mail: %w", err)
		}
		res.Fetched = fetched.Fetched
	}

	scan, err := connectors.ScanInbox(s.db, s.cfg.InboxDir)
	if err != nil {
		return res, fmt.Errorf("scan inbox: %w", err)
	}
	res.Scanned, res.Registered = scan.Seen, scan.Registered

	batch := s.cfg.ListenerImportBatch
	if batch <= 0 {
		batch = 10
	}
	res.Imported, res.Failed, err = s.imports.ImportPending(ctx, batch)
	if err != nil {
		return res, err
	}

	if s.cfg.ListenerAutoExport {
		if res.Exported, err = s.exportCompleted(); err != nil {
			return res, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"fetched":    res.Fetched,
		"registered": res.Registered,
		"imported":   res.Imported,
		"failed":     res.Failed,
		"exported":   res.Exported,
	}).Info("listener cycle done")
	return res, nil
}

func (s *Service) exportCompleted() (int, error) {
	imports, err := s.db.ListImportsWithoutMetadata(internal.ImportCompleted, exportedKeyPrefix, 200)
	if err != nil {
		return 0, err
	}

	exported := 0
	for _, imp := range imports {
		outputPath := ExportPath(s.cfg.OutputDir, imp)
		if _, err := s.imports.ExportImport(imp.ID, outputPath); err != nil {
			return exported, err
		}
		if err := s.db.SetMetadata(exportedKeyPrefix+imp.ID, outputPath); err != nil {
			return exported, err
		}
		exported++
	}
	return exported, nil
}

// ExportPath is where the listener writes the workbook of a completed import.
func ExportPath(outputDir string, imp internal.ImportRow) string {
	name := strings.TrimSuffix(imp.FileName, filepath.Ext(imp.FileName))
	return filepath.Join(outputDir, "listener", fmt.Sprintf("%s_%s.xlsx", imp.ID, util.SanitizeFileName(name)))
}

func makeConnector(ctx context.Context, provider string, cfg config.Config) (connectors.MailConnector, error) {
	switch provider {
	case "", "none":
		return nil, nil
	case "gmail":
		return gmailconnector.NewConnector(ctx, cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported listener provider: %s", provider)
	}
}
