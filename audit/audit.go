// Package audit records who did what to which torrent.
package audit

import (
	"errors"
	"time"

	"torrent-vault/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	KindAdd          = "add"
	KindCompose      = "compose"
	KindSeed         = "seed"
	KindPause        = "pause"
	KindResume       = "resume"
	KindStop         = "stop"
	KindRemove       = "remove"
	KindComplete     = "complete"
	KindSeedComplete = "seed-complete"
	KindError        = "error"
)

type Event struct {
	ID       string
	UserID   string
	InfoHash string
	Kind     string
	Message  string
	At       time.Time
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(userID, infoHash, kind, message string) Event {
	return Event{
		ID:       uuid.NewString(),
		UserID:   userID,
		InfoHash: infoHash,
		Kind:     kind,
		Message:  message,
		At:       time.Now(),
	}
}

type Sink interface {
	Record(Event) error
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Record(ev Event) error {
	s.Log.Info().
		Str("audit_id", ev.ID).
		Str("user", ev.UserID).
		Str("info_hash", ev.InfoHash).
		Str("kind", ev.Kind).
		Str("detail", ev.Message).
		Msg("audit")
	return nil
}

type eventSaver interface {
	SaveEvent(*models.AuditEvent) error
}

// DBSink persists events as models.AuditEvent rows.
type DBSink struct {
	Repo eventSaver
}

func (s DBSink) Record(ev Event) error {
	return s.Repo.SaveEvent(&models.AuditEvent{
		ID:        ev.ID,
		UserID:    ev.UserID,
		InfoHash:  ev.InfoHash,
		Kind:      ev.Kind,
		Message:   ev.Message,
		CreatedAt: ev.At,
	})
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
