package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"aksjeimport/internal/config"
	"aksjeimport/internal/listener"
	"aksjeimport/internal/pipeline"
	"aksjeimport/internal/remote"
	"aksjeimport/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)
	log := cfg.NewLogger()

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var sinks []pipeline.BatchSink
	if strings.TrimSpace(cfg.RemoteRESTURL) != "" {
		client, err := remote.NewClient(cfg, log)
		must(err)
		sinks = append(sinks, client)
	}
	if strings.TrimSpace(cfg.PGDSN) != "" {
		pg, err := storage.OpenPG(ctx, cfg.PGDSN, cfg.PGTable, cfg.PGMaxConns)
		must(err)
		defer pg.Close()
		sinks = append(sinks, pg)
	}

	svc, err := listener.NewService(ctx, db, cfg, pipeline.NewImportService(db, cfg, log, sinks...), log)
	must(err)
	log.WithField("inbox", cfg.InboxDir).Info("import listener started")
	must(svc.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
