package connectors

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
	"aksjeimport/internal/storage"
	"aksjeimport/internal/util"
)

var registerExtensions = map[string]bool{".csv": true, ".xlsx": true, ".xls": true}

// IsRegisterFile reports whether name has an extension the importer accepts.
func IsRegisterFile(name string) bool {
	return registerExtensions[strings.ToLower(filepath.Ext(name))]
}

// AttachmentStore saves register attachments of fetched mail into the inbox
// directory, named by content hash, and registers them as inbox files.
type AttachmentStore struct {
	db       *storage.DB
	inboxDir string
	log      logrus.FieldLogger
}

type StoreResult struct {
	New   bool
	Files []internal.InboxFile
}

func NewAttachmentStore(db *storage.DB, inboxDir string, log logrus.FieldLogger) *AttachmentStore {
	return &AttachmentStore{db: db, inboxDir: inboxDir, log: log}
}

func (s *AttachmentStore) Store(msg internal.FetchedMailMessage) (StoreResult, error) {
	seen, err := s.db.HasMailMessage(msg.Provider, msg.MessageID)
	if err != nil {
		return StoreResult{}, err
	}
	if seen {
		return StoreResult{}, nil
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(msg.Raw))
	if err != nil {
		return StoreResult{}, fmt.Errorf("parse message %s: %w", msg.MessageID, err)
	}
	msg.Subject = util.FirstNonEmpty(msg.Subject, env.GetHeader("Subject"))
	msg.From = util.FirstNonEmpty(msg.From, env.GetHeader("From"))

	if err := os.MkdirAll(s.inboxDir, 0o755); err != nil {
		return StoreResult{}, err
	}

	source := internal.InboxSource(msg.Provider)
	res := StoreResult{New: true}
	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, part := range parts {
		name := strings.TrimSpace(part.FileName)
		if name == "" || !IsRegisterFile(name) || len(part.Content) == 0 {
			continue
		}
		f, err := s.saveFile(name, part.Content, source)
		if err != nil {
			return res, err
		}
		res.Files = append(res.Files, f)
	}

	msgHash := sha256.Sum256(msg.Raw)
	if _, err := s.db.RecordMailMessage(msg, hex.EncodeToString(msgHash[:]), len(res.Files)); err != nil {
		return res, err
	}
	s.log.WithFields(logrus.Fields{
		"provider":    msg.Provider,
		"message":     msg.MessageID,
		"subject":     msg.Subject,
		"attachments": len(res.Files),
	}).Debug("message stored")
	return res, nil
}

func (s *AttachmentStore) saveFile(name string, content []byte, source internal.InboxSource) (internal.InboxFile, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	path := filepath.Join(s.inboxDir, hash[:12]+"_"+util.SanitizeFileName(name))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return internal.InboxFile{}, err
		}
	}

	f, _, err := s.db.RegisterInboxFile(hash, name, path, source)
	return f, err
}
