package models

import (
	"time"
)

// SessionRecord persists one user's torrent session so it survives a
// restart.
type SessionRecord struct {
	ID              uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID          string     `json:"user_id" gorm:"size:128;not null;uniqueIndex:idx_user_hash"`
	InfoHash        string     `json:"info_hash" gorm:"size:40;not null;uniqueIndex:idx_user_hash;index"`
	Name            string     `json:"name" gorm:"size:512"`
	MagnetURI       string     `json:"magnet_uri" gorm:"type:text;not null"`
	TorrentFilePath string     `json:"torrent_file_path" gorm:"type:text"`
	DownloadPath    string     `json:"download_path" gorm:"type:text"`
	FolderPath      string     `json:"folder_path" gorm:"type:text"`
	TotalSize       int64      `json:"total_size" gorm:"default:0"`
	FileCount       int        `json:"file_count" gorm:"default:0"`
	Trackers        string     `json:"trackers" gorm:"type:text"` // newline separated
	InfoBytes       []byte     `json:"-"`
	Bitfield        []byte     `json:"-"`
	Status          string     `json:"status" gorm:"size:32;default:'INITIALIZING';index"`
	Downloaded      int64      `json:"downloaded" gorm:"default:0"`
	Uploaded        int64      `json:"uploaded" gorm:"default:0"`
	Progress        float64    `json:"progress" gorm:"default:0"`
	Error           string     `json:"error" gorm:"type:text"`
	AddedAt         time.Time  `json:"added_at"`
	PausedAt        *time.Time `json:"paused_at"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

type AuditEvent struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"size:128;index"`
	InfoHash  string    `json:"info_hash" gorm:"size:40;index"`
	Kind      string    `json:"kind" gorm:"size:32;not null;index"`
	Message   string    `json:"message" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

// UserPreference holds per-user overrides. Zero values mean "use the
// server default".
type UserPreference struct {
	UserID       string    `json:"user_id" gorm:"primaryKey;size:128"`
	DownloadPath string    `json:"download_path" gorm:"type:text"`
	SeedRatio    *float64  `json:"seed_ratio"`
	DownloadRate int64     `json:"download_rate" gorm:"default:0"`
	UploadRate   int64     `json:"upload_rate" gorm:"default:0"`
	Trackers     string    `json:"trackers" gorm:"type:text"`
	// Compose limits. They can only tighten the server limits.
	MaxFileSize  int64     `json:"max_file_size" gorm:"default:0"`
	MaxTotalSize int64     `json:"max_total_size" gorm:"default:0"`
	MaxFileCount int       `json:"max_file_count" gorm:"default:0"`
	MaxDepth     int       `json:"max_depth" gorm:"default:0"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

type Stats struct {
	TotalSessions  int64 `json:"total_sessions"`
	ActiveSessions int   `json:"active_sessions"`
	Downloading    int   `json:"downloading"`
	Seeding        int   `json:"seeding"`
	AuditEvents    int64 `json:"audit_events"`
}
