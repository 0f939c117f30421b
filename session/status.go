package session

import "time"

type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusDownloading  Status = "DOWNLOADING"
	StatusSeeding      Status = "SEEDING"
	StatusPaused       Status = "PAUSED"
	StatusStopped      Status = "STOPPED"
	StatusCompleted    Status = "COMPLETED"
	StatusError        Status = "ERROR"
	StatusCreated      Status = "CREATED"
	StatusRemoved      Status = "REMOVED"
)

// Running reports whether the session owns peers and a refresh loop.
func (s Status) Running() bool {
	return s == StatusInitializing || s == StatusDownloading || s == StatusSeeding
}

// Active reports whether the session counts against the active-session
// ceiling. Paused sessions still hold their slot.
func (s Status) Active() bool {
	return s.Running() || s == StatusPaused
}

// ComputeStatus is the status table for a session that is neither stopped,
// failed nor merely composed.
func ComputeStatus(progress, ratio, targetRatio float64, paused bool) Status {
	switch {
	case paused:
		return StatusPaused
	case progress < 1:
		return StatusDownloading
	case targetRatio > 0 && ratio >= targetRatio:
		return StatusCompleted
	default:
		return StatusSeeding
	}
}

// State is the snapshot published on every refresh.
type State struct {
	InfoHash      string         `json:"info_hash"`
	Name          string         `json:"name"`
	Status        Status         `json:"status"`
	DownloadSpeed float64        `json:"download_speed"`
	UploadSpeed   float64        `json:"upload_speed"`
	Downloaded    int64          `json:"downloaded"`
	Uploaded      int64          `json:"uploaded"`
	Size          int64          `json:"size"`
	Progress      float64        `json:"progress"`
	Ratio         float64        `json:"ratio"`
	NumPeers      int            `json:"num_peers"`
	TimeRemaining *time.Duration `json:"time_remaining,omitempty"`
	AddedAt       time.Time      `json:"added_at"`
	PausedAt      *time.Time     `json:"paused_at,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// ratio is uploaded/downloaded, or 0 before anything was downloaded.
func ratio(uploaded, downloaded int64) float64 {
	if downloaded <= 0 {
		return 0
	}
	return float64(uploaded) / float64(downloaded)
}

// timeRemaining is nil while nothing is arriving.
func timeRemaining(size, completed int64, downloadSpeed float64) *time.Duration {
	if downloadSpeed <= 0 || size <= 0 {
		return nil
	}
	left := max(size-completed, 0)
	d := time.Duration(float64(left) / downloadSpeed * float64(time.Second))
	return &d
}
