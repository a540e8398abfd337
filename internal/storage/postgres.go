package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aksjeimport/internal"
)

var pgColumns = []string{
	"import_id", "line_no", "orgnr", "selskap", "aksjeklasse", "navn_aksjonaer",
	"fodselsar_orgnr", "landkode", "antall_aksjer", "antall_aksjer_selskap",
}

// PGSink copies batches into a Postgres table with pgColumns.
type PGSink struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
}

func OpenPG(ctx context.Context, dsn, table string, maxConns int) (*PGSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("PG_DSN parse: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("PG connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PG ping: %w", err)
	}
	return &PGSink{pool: pool, table: pgTableIdentifier(table)}, nil
}

// pgTableIdentifier splits an optional schema prefix: "public.shareholders".
func pgTableIdentifier(table string) pgx.Identifier {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "shareholders"
	}
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) WriteBatch(ctx context.Context, importID string, firstLine int, batch []internal.ShareholderRecord) error {
	n, err := s.pool.CopyFrom(ctx, s.table, pgColumns, pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
		return pgRow(importID, firstLine+i, batch[i]), nil
	}))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", s.table.Sanitize(), err)
	}
	if int(n) != len(batch) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", s.table.Sanitize(), n, len(batch))
	}
	return nil
}

func pgRow(importID string, lineNo int, r internal.ShareholderRecord) []any {
	return []any{
		importID, lineNo, r.Orgnr, r.Selskap, r.Aksjeklasse, r.NavnAksjonaer,
		r.FodselsarOrgnr, r.Landkode, r.AntallAksjer, r.AntallAksjerSelskap,
	}
}

func (s *PGSink) Close() {
	s.pool.Close()
}
