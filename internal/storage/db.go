package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"aksjeimport/internal"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Name() string { return "sqlite" }

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS imports (
  id TEXT PRIMARY KEY,
  fileName TEXT NOT NULL,
  fileHash TEXT NOT NULL,
  status TEXT NOT NULL,
  rowsParsed INTEGER NOT NULL DEFAULT 0,
  rowsStored INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  startedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finishedAt TEXT
);
CREATE INDEX IF NOT EXISTS idx_imports_hash ON imports(fileHash);

CREATE TABLE IF NOT EXISTS shareholders (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  importId TEXT NOT NULL,
  lineNo INTEGER NOT NULL,
  orgnr TEXT NOT NULL,
  selskap TEXT NOT NULL,
  aksjeklasse TEXT,
  navnAksjonaer TEXT NOT NULL,
  fodselsarOrgnr TEXT,
  landkode TEXT,
  antallAksjer TEXT NOT NULL,
  antallAksjerSelskap TEXT,
  UNIQUE(importId, lineNo),
  FOREIGN KEY(importId) REFERENCES imports(id)
);
CREATE INDEX IF NOT EXISTS idx_shareholders_orgnr ON shareholders(importId, orgnr);

CREATE TABLE IF NOT EXISTS reconciliations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  importId TEXT NOT NULL,
  orgnr TEXT NOT NULL,
  selskap TEXT NOT NULL,
  holderCount INTEGER NOT NULL,
  sumShares TEXT NOT NULL,
  declaredShares TEXT,
  status TEXT NOT NULL,
  reason TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(importId, orgnr),
  FOREIGN KEY(importId) REFERENCES imports(id)
);

CREATE TABLE IF NOT EXISTS inbox_files (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  hash TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  path TEXT NOT NULL,
  source TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  importId TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mail_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT,
  sender TEXT,
  receivedAt TEXT,
  hash TEXT NOT NULL,
  attachments INTEGER NOT NULL DEFAULT 0,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  importId TEXT,
  timingsJson TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(importId) REFERENCES imports(id)
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

func (d *DB) CreateImport(row internal.ImportRow) error {
	_, err := d.conn.Exec(`
INSERT INTO imports (id, fileName, fileHash, status) VALUES (?, ?, ?, ?)
`, row.ID, row.FileName, row.FileHash, string(row.Status))
	return err
}

func (d *DB) UpdateImportProgress(id string, rowsParsed, rowsStored int) error {
	_, err := d.conn.Exec(`UPDATE imports SET rowsParsed = ?, rowsStored = ? WHERE id = ?`, rowsParsed, rowsStored, id)
	return err
}

func (d *DB) FinishImport(id string, status internal.ImportStatus, rowsParsed, rowsStored int, errMsg string) error {
	_, err := d.conn.Exec(`
UPDATE imports
SET status = ?, rowsParsed = ?, rowsStored = ?, error = ?, finishedAt = CURRENT_TIMESTAMP
WHERE id = ?
`, string(status), rowsParsed, rowsStored, errMsg, id)
	return err
}

const importColumns = `id, fileName, fileHash, status, rowsParsed, rowsStored, error, startedAt, finishedAt`

func scanImport(scan func(...any) error) (internal.ImportRow, error) {
	var row internal.ImportRow
	var status string
	err := scan(&row.ID, &row.FileName, &row.FileHash, &status, &row.RowsParsed, &row.RowsStored, &row.Error, &row.StartedAt, &row.FinishedAt)
	row.Status = internal.ImportStatus(status)
	return row, err
}

func (d *DB) GetImport(id string) (*internal.ImportRow, error) {
	row, err := scanImport(d.conn.QueryRow(`SELECT `+importColumns+` FROM imports WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) MustImport(id string) (internal.ImportRow, error) {
	row, err := d.GetImport(id)
	if err != nil {
		return internal.ImportRow{}, err
	}
	if row == nil {
		return internal.ImportRow{}, fmt.Errorf("import not found: id=%s", id)
	}
	return *row, nil
}

func (d *DB) ListImportsByStatus(status internal.ImportStatus, limit int) ([]internal.ImportRow, error) {
	rows, err := d.conn.Query(`SELECT `+importColumns+` FROM imports WHERE status = ? ORDER BY startedAt ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ImportRow
	for rows.Next() {
		row, err := scanImport(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListImportsWithoutMetadata returns imports in status that have no metadata
// entry under keyPrefix followed by the import id.
func (d *DB) ListImportsWithoutMetadata(status internal.ImportStatus, keyPrefix string, limit int) ([]internal.ImportRow, error) {
	rows, err := d.conn.Query(`
SELECT `+importColumns+` FROM imports
WHERE status = ?
  AND NOT EXISTS (SELECT 1 FROM metadata WHERE metadata.key = ? || imports.id)
ORDER BY startedAt ASC
LIMIT ?
`, string(status), keyPrefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ImportRow
	for rows.Next() {
		row, err := scanImport(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// WriteBatch stores one batch of records. firstLine is the 1-based source
// row number of batch[0].
func (d *DB) WriteBatch(ctx context.Context, importID string, firstLine int, batch []internal.ShareholderRecord) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO shareholders (
  importId, lineNo, orgnr, selskap, aksjeklasse, navnAksjonaer,
  fodselsarOrgnr, landkode, antallAksjer, antallAksjerSelskap
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(importId, lineNo) DO NOTHING
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range batch {
		if _, err := stmt.ExecContext(ctx,
			importID, firstLine+i, r.Orgnr, r.Selskap, r.Aksjeklasse, r.NavnAksjonaer,
			r.FodselsarOrgnr, r.Landkode, r.AntallAksjer, r.AntallAksjerSelskap,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *DB) ListShareholders(importID string) ([]internal.ShareholderExportRow, error) {
	rows, err := d.conn.Query(`
SELECT lineNo, orgnr, selskap, aksjeklasse, navnAksjonaer, fodselsarOrgnr, landkode, antallAksjer, antallAksjerSelskap
FROM shareholders WHERE importId = ? ORDER BY lineNo ASC
`, importID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ShareholderExportRow
	for rows.Next() {
		var row internal.ShareholderExportRow
		if err := rows.Scan(
			&row.LineNo, &row.Orgnr, &row.Selskap, &row.Aksjeklasse, &row.NavnAksjonaer,
			&row.FodselsarOrgnr, &row.Landkode, &row.AntallAksjer, &row.AntallAksjerSelskap,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) CountShareholders(importID string) (int, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM shareholders WHERE importId = ?`, importID).Scan(&n)
	return n, err
}

func (d *DB) SaveReconciliations(importID string, recs []internal.Reconciliation) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM reconciliations WHERE importId = ?`, importID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
INSERT INTO reconciliations (importId, orgnr, selskap, holderCount, sumShares, declaredShares, status, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(importID, r.Orgnr, r.Selskap, r.HolderCount, r.SumShares, r.DeclaredShares, string(r.Status), r.Reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) ListReconciliations(importID string) ([]internal.Reconciliation, error) {
	rows, err := d.conn.Query(`
SELECT orgnr, selskap, holderCount, sumShares, declaredShares, status, reason
FROM reconciliations WHERE importId = ?
ORDER BY
  CASE status WHEN 'MISMATCH' THEN 1 WHEN 'REVIEW' THEN 2 ELSE 3 END,
  orgnr ASC
`, importID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Reconciliation
	for rows.Next() {
		var r internal.Reconciliation
		var status string
		if err := rows.Scan(&r.Orgnr, &r.Selskap, &r.HolderCount, &r.SumShares, &r.DeclaredShares, &status, &r.Reason); err != nil {
			return nil, err
		}
		r.Status = internal.ReconcileStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RegisterInboxFile records a file by content hash. created is false when the
// hash was already known, in which case the existing row is returned.
func (d *DB) RegisterInboxFile(hash, name, path string, source internal.InboxSource) (internal.InboxFile, bool, error) {
	result, err := d.conn.Exec(`
INSERT INTO inbox_files (hash, name, path, source) VALUES (?, ?, ?, ?)
ON CONFLICT(hash) DO NOTHING
`, hash, name, path, string(source))
	if err != nil {
		return internal.InboxFile{}, false, err
	}
	affected, _ := result.RowsAffected()

	row, err := d.GetInboxFileByHash(hash)
	if err != nil {
		return internal.InboxFile{}, false, err
	}
	if row == nil {
		return internal.InboxFile{}, false, errors.New("failed to register inbox file")
	}
	return *row, affected > 0, nil
}

const inboxColumns = `id, hash, name, path, source, status, importId`

func scanInboxFile(scan func(...any) error) (internal.InboxFile, error) {
	var f internal.InboxFile
	var source, status string
	err := scan(&f.ID, &f.Hash, &f.Name, &f.Path, &source, &status, &f.ImportID)
	f.Source = internal.InboxSource(source)
	f.Status = internal.InboxStatus(status)
	return f, err
}

func (d *DB) GetInboxFileByHash(hash string) (*internal.InboxFile, error) {
	f, err := scanInboxFile(d.conn.QueryRow(`SELECT `+inboxColumns+` FROM inbox_files WHERE hash = ?`, hash).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (d *DB) ListInboxFilesByStatus(status internal.InboxStatus, limit int) ([]internal.InboxFile, error) {
	rows, err := d.conn.Query(`SELECT `+inboxColumns+` FROM inbox_files WHERE status = ? ORDER BY id ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.InboxFile
	for rows.Next() {
		f, err := scanInboxFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (d *DB) UpdateInboxFile(id int, status internal.InboxStatus, importID *string) error {
	_, err := d.conn.Exec(`UPDATE inbox_files SET status = ?, importId = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, string(status), importID, id)
	return err
}

// RecordMailMessage stores a fetched message once per provider and message id.
// It returns false when the message was seen before.
func (d *DB) RecordMailMessage(msg internal.FetchedMailMessage, hash string, attachments int) (bool, error) {
	result, err := d.conn.Exec(`
INSERT INTO mail_messages (provider, messageId, subject, sender, receivedAt, hash, attachments)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO NOTHING
`, msg.Provider, msg.MessageID, msg.Subject, msg.From, msg.ReceivedAt, hash, attachments)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (d *DB) HasMailMessage(provider, messageID string) (bool, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM mail_messages WHERE provider = ? AND messageId = ?`, provider, messageID).Scan(&n)
	return n > 0, err
}

func (d *DB) InsertRun(traceID, importID string, timings map[string]float64, counts map[string]int) error {
	timingsJSON, _ := json.Marshal(timings)
	countsJSON, _ := json.Marshal(counts)
	_, err := d.conn.Exec(`INSERT INTO runs (traceId, importId, timingsJson, countsJson) VALUES (?, ?, ?, ?)`, traceID, importID, string(timingsJSON), string(countsJSON))
	return err
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
