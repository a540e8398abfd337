package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
	"aksjeimport/internal/config"
	"aksjeimport/internal/connectors"
	gmailconnector "aksjeimport/internal/connectors/gmail"
	imapconnector "aksjeimport/internal/connectors/imap"
	"aksjeimport/internal/listener"
	"aksjeimport/internal/pipeline"
	"aksjeimport/internal/remote"
	"aksjeimport/internal/storage"
	"aksjeimport/internal/util"
)

func main() {
	cfg, err := config.Load()
	must(err)
	log := cfg.NewLogger()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	if cmd == "preview" || cmd == "convert" {
		runStateless(ctx, cmd, cfg, log)
		return
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	switch cmd {
	case "import":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "csv or xlsx file")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*file) == "" {
			must(fmt.Errorf("--file is required"))
		}
		svc, closeSinks := importService(ctx, db, cfg, log)
		defer closeSinks()
		res, err := svc.ImportFile(ctx, *file)
		must(err)
		fmt.Printf("import %s status=%s rows=%d stored=%d batches=%d\n", res.ImportID, res.Status, res.RowsParsed, res.RowsStored, res.Batches)
		printReconciliation(res.Reconciliation)
	case "import:pending":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		limit := fs.Int("limit", cfg.ListenerImportBatch, "max inbox files")
		_ = fs.Parse(os.Args[2:])
		svc, closeSinks := importService(ctx, db, cfg, log)
		defer closeSinks()
		imported, failed, err := svc.ImportPending(ctx, *limit)
		must(err)
		fmt.Printf("pending import done imported=%d failed=%d\n", imported, failed)
	case "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		importID := fs.String("importId", "", "import id")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*importID) == "" || strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--importId and --out are required"))
		}
		n, err := pipeline.NewImportService(db, cfg, log).ExportImport(*importID, *out)
		must(err)
		fmt.Printf("exported %d rows to %s\n", n, *out)
	case "reconcile":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		importID := fs.String("importId", "", "import id")
		asJSON := fs.Bool("json", false, "print json")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*importID) == "" {
			must(fmt.Errorf("--importId is required"))
		}
		recon, err := pipeline.NewImportService(db, cfg, log).ReconcileImport(*importID)
		must(err)
		if *asJSON {
			must(json.NewEncoder(os.Stdout).Encode(recon))
			return
		}
		printReconciliation(recon)
	case "imports":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		status := fs.String("status", string(internal.ImportCompleted), "parsing|completed|failed|cancelled")
		limit := fs.Int("limit", 50, "max imports")
		_ = fs.Parse(os.Args[2:])
		rows, err := db.ListImportsByStatus(internal.ImportStatus(*status), *limit)
		must(err)
		for _, r := range rows {
			fmt.Printf("%s %-9s rows=%d stored=%d started=%s %s\n", r.ID, r.Status, r.RowsParsed, r.RowsStored, r.StartedAt, r.FileName)
		}
	case "inbox:scan":
		res, err := connectors.ScanInbox(db, cfg.InboxDir)
		must(err)
		fmt.Printf("inbox scan done dir=%s seen=%d registered=%d\n", cfg.InboxDir, res.Seen, res.Registered)
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "gmail", "gmail|imap")
		label := fs.String("label", "INBOX", "mailbox/label")
		max := fs.Int("max", 50, "max messages")
		_ = fs.Parse(os.Args[2:])
		conn, err := makeConnector(ctx, cfg, *provider)
		must(err)
		fetch := connectors.NewFetchService(db, cfg.InboxDir, conn, log)
		result, err := fetch.FetchAndStore(ctx, *label, *max)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d new=%d attachments=%d\n", *provider, result.Fetched, result.New, result.Attachments)
	case "listen":
		svc, closeSinks := importService(ctx, db, cfg, log)
		defer closeSinks()
		l, err := listener.NewService(ctx, db, cfg, svc, log)
		must(err)
		must(l.Run(ctx))
	default:
		usage()
		os.Exit(1)
	}
}

func runStateless(ctx context.Context, cmd string, cfg config.Config, log *logrus.Logger) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	file := fs.String("file", "", "input file")
	limit := fs.Int("limit", 20, "records to print")
	out := fs.String("out", "", "output csv path")
	sheet := fs.String("sheet", "", "worksheet name")
	_ = fs.Parse(os.Args[2:])
	if strings.TrimSpace(*file) == "" {
		must(fmt.Errorf("--file is required"))
	}

	switch cmd {
	case "preview":
		records, rows, err := pipeline.PreviewFile(ctx, cfg, log, *file, *limit)
		must(err)
		enc := json.NewEncoder(os.Stdout)
		for _, r := range records {
			must(enc.Encode(r))
		}
		fmt.Fprintf(os.Stderr, "preview rows=%d shown=%d\n", rows, len(records))
	case "convert":
		if strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--out is required"))
		}
		res, err := pipeline.ConvertXLSXToCSV(*file, *out, *sheet)
		must(err)
		fmt.Printf("converted sheet=%s headerRow=%d rows=%d to %s\n", res.Sheet, res.HeaderRow, res.Rows, *out)
	}
}

// importService wires the optional remote and Postgres sinks next to SQLite.
func importService(ctx context.Context, db *storage.DB, cfg config.Config, log *logrus.Logger) (*pipeline.ImportService, func()) {
	var sinks []pipeline.BatchSink
	closeSinks := func() {}

	if strings.TrimSpace(cfg.RemoteRESTURL) != "" {
		client, err := remote.NewClient(cfg, log)
		must(err)
		sinks = append(sinks, client)
	}
	if strings.TrimSpace(cfg.PGDSN) != "" {
		pg, err := storage.OpenPG(ctx, cfg.PGDSN, cfg.PGTable, cfg.PGMaxConns)
		must(err)
		sinks = append(sinks, pg)
		closeSinks = pg.Close
	}
	return pipeline.NewImportService(db, cfg, log, sinks...), closeSinks
}

func makeConnector(ctx context.Context, cfg config.Config, provider string) (connectors.MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(ctx, cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func printReconciliation(recon []internal.Reconciliation) {
	for _, r := range recon {
		declared := util.FirstNonEmpty(util.Deref(r.DeclaredShares), "-")
		fmt.Printf("%-8s %-11s holders=%d sum=%s declared=%s reason=%s %s\n", r.Status, r.Orgnr, r.HolderCount, r.SumShares, declared, r.Reason, r.Selskap)
	}
}

func usage() {
	fmt.Println("usage: aksjeimport <command>")
	fmt.Println("commands:")
	fmt.Println("  import --file=./register.csv")
	fmt.Println("  import:pending [--limit=10]")
	fmt.Println("  preview --file=./register.csv [--limit=20]")
	fmt.Println("  convert --file=./register.xlsx --out=./register.csv [--sheet=...]")
	fmt.Println("  export:xlsx --importId=... --out=./out/result.xlsx")
	fmt.Println("  reconcile --importId=... [--json]")
	fmt.Println("  imports [--status=completed] [--limit=50]")
	fmt.Println("  inbox:scan")
	fmt.Println("  mail:fetch --provider=gmail|imap --label=INBOX --max=50")
	fmt.Println("  listen")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
