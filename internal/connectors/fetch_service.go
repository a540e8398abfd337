package connectors

import (
	"context"

	"github.com/sirupsen/logrus"

	"aksjeimport/internal/storage"
)

type FetchService struct {
	connector MailConnector
	store     *AttachmentStore
	log       logrus.FieldLogger
}

type FetchResult struct {
	Fetched     int
	New         int
	Attachments int
}

func NewFetchService(db *storage.DB, inboxDir string, connector MailConnector, log logrus.FieldLogger) *FetchService {
	return &FetchService{
		connector: connector,
		store:     NewAttachmentStore(db, inboxDir, log),
		log:       log,
	}
}

// FetchAndStore pulls messages and saves their register attachments into the
// inbox. Messages seen in an earlier fetch are skipped.
func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return FetchResult{}, err
	}

	res := FetchResult{Fetched: len(messages)}
	for _, msg := range messages {
		stored, err := s.store.Store(msg)
		if err != nil {
			return res, err
		}
		if stored.New {
			res.New++
		}
		res.Attachments += len(stored.Files)
	}

	s.log.WithFields(logrus.Fields{
		"label":       label,
		"fetched":     res.Fetched,
		"new":         res.New,
		"attachments": res.Attachments,
	}).Info("mail fetched")
	return res, nil
}
