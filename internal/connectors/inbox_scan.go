package connectors

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"aksjeimport/internal"
	"aksjeimport/internal/storage"
)

type ScanResult struct {
	Seen       int
	Registered int
}

// ScanInbox registers register files dropped into dir by hand. Files already
// known by content hash, including saved mail attachments, are left as is.
func ScanInbox(db *storage.DB, dir string) (ScanResult, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return ScanResult{}, nil
	}
	if err != nil {
		return ScanResult{}, err
	}

	var res ScanResult
	for _, e := range entries {
		if e.IsDir() || !IsRegisterFile(e.Name()) {
			continue
		}
		res.Seen++
		path := filepath.Join(dir, e.Name())
		hash, err := hashFile(path)
		if err != nil {
			return res, err
		}
		_, created, err := db.RegisterInboxFile(hash, e.Name(), path, internal.InboxManual)
		if err != nil {
			return res, err
		}
		if created {
			res.Registered++
		}
	}
	return res, nil
}

func hashFile(path string) (string, error) {
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
