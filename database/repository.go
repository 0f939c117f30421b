package database

import (
	"errors"
	"fmt"

	"torrent-vault/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the persistence the session manager needs.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

var sessionColumns = []string{
	"name", "magnet_uri", "torrent_file_path", "download_path", "folder_path",
	"total_size", "file_count", "trackers", "info_bytes", "bitfield", "status",
	"downloaded", "uploaded", "progress", "error", "paused_at", "updated_at",
}

// SaveSession inserts or updates the record for (UserID, InfoHash).
func (r *Repository) SaveSession(rec *models.SessionRecord) error {
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "info_hash"}},
		DoUpdates: clause.AssignmentColumns(sessionColumns),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.InfoHash, err)
	}
	return nil
}

// Sessions returns every persisted session, oldest first.
func (r *Repository) Sessions() ([]models.SessionRecord, error) {
	var recs []models.SessionRecord
	if err := r.db.Order("added_at asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	return recs, nil
}

func (r *Repository) DeleteSession(infoHash string) error {
	if err := r.db.Where("info_hash = ?", infoHash).Delete(&models.SessionRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete session %s: %w", infoHash, err)
	}
	return nil
}

func (r *Repository) CountSessions() (int64, error) {
	var n int64
	err := r.db.Model(&models.SessionRecord{}).Count(&n).Error
	return n, err
}

func (r *Repository) SaveEvent(ev *models.AuditEvent) error {
	if err := r.db.Create(ev).Error; err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

// Events lists the newest audit events, optionally for one info hash.
func (r *Repository) Events(infoHash string, limit int) ([]models.AuditEvent, error) {
	q := r.db.Order("created_at desc")
	if infoHash != "" {
		q = q.Where("info_hash = ?", infoHash)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var evs []models.AuditEvent
	if err := q.Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("failed to load audit events: %w", err)
	}
	return evs, nil
}

func (r *Repository) CountEvents() (int64, error) {
	var n int64
	err := r.db.Model(&models.AuditEvent{}).Count(&n).Error
	return n, err
}

// Preference returns nil when the user has no overrides.
func (r *Repository) Preference(userID string) (*models.UserPreference, error) {
	var p models.UserPreference
	err := r.db.Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preference for %s: %w", userID, err)
	}
	return &p, nil
}

func (r *Repository) SavePreference(p *models.UserPreference) error {
	if err := r.db.Save(p).Error; err != nil {
		return fmt.Errorf("failed to save preference for %s: %w", p.UserID, err)
	}
	return nil
}
