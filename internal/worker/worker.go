package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
)

const (
	DefaultBatchSize = 10000
	DefaultChunkSize = 1000
	defaultMailbox   = 8
)

type Config struct {
	BatchSize int
	ChunkSize int
	// EventBuffer is the capacity of the events channel. Zero keeps it
	// unbuffered so the parser never runs ahead of its consumer.
	EventBuffer int
	Logger      logrus.FieldLogger
}

// Worker parses one CSV file at a time and reports results as events.
// All state is owned by the goroutine running Run; callers talk to it only
// through Send and Events.
type Worker struct {
	batchSize int
	chunkSize int
	log       logrus.FieldLogger

	inbox  chan Command
	events chan Event

	session *session
}

// session is the state of one PARSE_FILE. It is dropped on the terminal event.
type session struct {
	id        string
	name      string
	rows      *rowReader
	chunkSize int
	buffer    []internal.ShareholderRecord
	rowCount  int
	paused    bool
}

func New(cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	return &Worker{
		batchSize: cfg.BatchSize,
		chunkSize: cfg.ChunkSize,
		log:       cfg.Logger.WithField("component", "worker"),
		inbox:     make(chan Command, defaultMailbox),
		events:    make(chan Event, cfg.EventBuffer),
	}
}

// Send queues a command for the worker.
func (w *Worker) Send(ctx context.Context, cmd Command) error {
	select {
	case w.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is closed when Run returns.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Run processes commands until ctx is done. Between chunks of rows it drains
// pending commands, so PAUSE, RESUME and CANCEL take effect at chunk
// boundaries. While paused or idle it blocks on the command channel.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.discard()

	for {
		if w.session == nil || w.session.paused {
			select {
			case <-ctx.Done():
				return nil
			case cmd := <-w.inbox:
				if err := w.handle(ctx, cmd); err != nil {
					return nil
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-w.inbox:
			if err := w.handle(ctx, cmd); err != nil {
				return nil
			}
			continue
		default:
		}

		if err := w.step(ctx); err != nil {
			return nil
		}
	}
}

// handle applies a command. The returned error is only ever ctx's, raised
// when an event could not be delivered.
func (w *Worker) handle(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case ParseFile:
		return w.start(ctx, c)
	case Pause:
		if w.session != nil && !w.session.paused {
			w.session.paused = true
			w.log.WithField("session", w.session.id).Debug("parse paused")
		}
		return w.emit(ctx, Paused{})
	case Resume:
		if w.session != nil && w.session.paused {
			w.session.paused = false
			w.log.WithField("session", w.session.id).Debug("parse resumed")
		}
		return w.emit(ctx, Resumed{})
	case Cancel:
		if w.session != nil {
			w.log.WithFields(logrus.Fields{
				"session": w.session.id,
				"rows":    w.session.rowCount,
				"dropped": len(w.session.buffer),
			}).Info("parse cancelled")
			w.discard()
		}
		return w.emit(ctx, Cancelled{})
	default:
		w.log.WithField("command", fmt.Sprintf("%T", cmd)).Warn("unknown command ignored")
		return nil
	}
}

func (w *Worker) start(ctx context.Context, c ParseFile) error {
	if c.Source == nil {
		return w.emit(ctx, ErrorEvent{Err: errors.New("parse file: no source given")})
	}
	if w.session != nil {
		w.log.WithFields(logrus.Fields{
			"session": w.session.id,
			"file":    c.Source.Name(),
		}).Warn("parse request rejected, session active")
		return w.emit(ctx, ErrorEvent{Err: fmt.Errorf("%w: %s", ErrSessionActive, w.session.name)})
	}

	if err := w.emit(ctx, ParseStart{}); err != nil {
		return err
	}

	name := c.Source.Name()
	if err := CheckFormat(name); err != nil {
		w.log.WithField("file", name).WithError(err).Warn("file rejected")
		return w.emit(ctx, ErrorEvent{Err: err})
	}

	rows, err := openRows(c.Source, c.Options)
	if err != nil {
		w.log.WithField("file", name).WithError(err).Error("open failed")
		return w.emit(ctx, ErrorEvent{Err: err})
	}

	chunk := c.Options.ChunkSize
	if chunk <= 0 {
		chunk = w.chunkSize
	}
	w.session = &session{
		id:        uuid.NewString(),
		name:      name,
		rows:      rows,
		chunkSize: chunk,
		buffer:    make([]internal.ShareholderRecord, 0, w.batchSize),
	}
	w.log.WithFields(logrus.Fields{
		"session":   w.session.id,
		"file":      name,
		"encoding":  rows.encoding,
		"delimiter": string(rows.delimiter),
		"columns":   rows.plan.matched(),
	}).Info("parse started")
	return nil
}

// step reads one chunk of rows, flushing full batches as it goes, then
// reports progress. At end of input it flushes the remainder and completes.
func (w *Worker) step(ctx context.Context) error {
	s := w.session

	read := 0
	eof := false
	for read < s.chunkSize {
		rec, err := s.rows.Next()
		if errors.Is(err, io.EOF) {
			eof = true
			break
		}
		if err != nil {
			return w.fail(ctx, fmt.Errorf("parse %s: %w", s.name, err))
		}
		read++
		s.rowCount++
		s.buffer = append(s.buffer, rec)
		if len(s.buffer) >= w.batchSize {
			if err := w.emit(ctx, w.flush()); err != nil {
				return err
			}
		}
	}

	if read > 0 {
		if err := w.emit(ctx, Progress{RowCount: s.rowCount}); err != nil {
			return err
		}
	}
	if !eof {
		return nil
	}

	if len(s.buffer) > 0 {
		if err := w.emit(ctx, w.flush()); err != nil {
			return err
		}
	}
	total := s.rowCount
	w.log.WithFields(logrus.Fields{
		"session":   s.id,
		"rows":      total,
		"malformed": s.rows.malformed,
	}).Info("parse complete")
	w.discard()
	return w.emit(ctx, ParseComplete{TotalRows: total})
}

func (w *Worker) flush() BatchReady {
	s := w.session
	ev := BatchReady{Batch: s.buffer, RowCount: s.rowCount}
	s.buffer = make([]internal.ShareholderRecord, 0, w.batchSize)
	return ev
}

func (w *Worker) fail(ctx context.Context, err error) error {
	w.log.WithField("session", w.session.id).WithError(err).Error("parse failed")
	w.discard()
	return w.emit(ctx, ErrorEvent{Err: err})
}

func (w *Worker) discard() {
	if w.session == nil {
		return
	}
	if err := w.session.rows.Close(); err != nil {
		w.log.WithError(err).Debug("close source")
	}
	w.session = nil
}

func (w *Worker) emit(ctx context.Context, ev Event) error {
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
