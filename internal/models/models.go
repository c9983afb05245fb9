package models

import (
	"time"
)

type (
	Config struct {
		// Connection
		SourceBaseUrl string `toml:"SourceBaseUrl"`
		ApiToken      string `toml:"ApiToken"` // Usually supplied via CHANNEL_API_TOKEN instead

		// Paths
		SavePath       string `toml:"SavePath"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`

		// Scanning defaults
		FileTypes           []string `toml:"FileTypes"`           // Extension filter applied to every job unless overridden
		SupportedExtensions []string `toml:"SupportedExtensions"` // Hard gate before the user filter; empty uses the built-in set

		// Downloader behaviour
		PauseWakeMs         int `toml:"PauseWakeMs"`
		ApiDelayMs          int `toml:"ApiDelayMs"`
		ApiClientTimeoutSec int `toml:"ApiClientTimeoutSec"`

		// HTTP front end
		ListenAddr string `toml:"ListenAddr"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// Job is one bulk-download request against a channel.
	Job struct {
		ID             string     `json:"id"`
		ChannelName    string     `json:"channelName"`
		ChannelID      int64      `json:"channelId,omitempty"`
		Status         string     `json:"status"`
		FileTypes      []string   `json:"fileTypes,omitempty"`
		MaxFiles       int        `json:"maxFiles"` // -1 means uncapped
		TotalFiles     int        `json:"totalFiles"`
		CompletedFiles int        `json:"completedFiles"`
		FailedFiles    int        `json:"failedFiles"`
		SkippedFiles   int        `json:"skippedFiles"`
		TotalSize      int64      `json:"totalSize"`
		DownloadedSize int64      `json:"downloadedSize"`
		Progress       float64    `json:"progress"`
		CreatedAt      time.Time  `json:"createdAt"`
		UpdatedAt      time.Time  `json:"updatedAt"`
		CompletedAt    *time.Time `json:"completedAt,omitempty"`
		ErrorMessage   string     `json:"errorMessage,omitempty"`
	}

	// FileRecord is one discovered remote file, owned by exactly one Job.
	// Records are never deleted; completed fingerprints double as the
	// de-duplication index across jobs.
	FileRecord struct {
		ID           string    `json:"id"`
		JobID        string    `json:"jobId"`
		Seq          int       `json:"seq"` // Discovery order within the job
		ItemID       int64     `json:"itemId"`
		Filename     string    `json:"filename"`
		FileType     string    `json:"fileType"`
		Size         int64     `json:"size"`
		Fingerprint  string    `json:"fingerprint"`
		DownloadPath string    `json:"downloadPath,omitempty"`
		Status       string    `json:"status"`
		Progress     float64   `json:"progress"`
		BytesDone    int64     `json:"bytesDone"`
		CreatedAt    time.Time `json:"createdAt"`
		UpdatedAt    time.Time `json:"updatedAt"`
		ErrorMessage string    `json:"errorMessage,omitempty"`
	}

	// ProgressEvent is transient, published to broadcaster subscribers and
	// never persisted.
	ProgressEvent struct {
		JobID      string  `json:"jobId"`
		FileID     string  `json:"fileId,omitempty"`
		Filename   string  `json:"filename,omitempty"`
		Progress   float64 `json:"progress"`
		BytesDone  int64   `json:"bytesDone"`
		TotalBytes int64   `json:"totalBytes"`
		Status     string  `json:"status"`
	}

	// JobUpdate is a typed partial update for a Job. Nil fields are left
	// untouched by the store.
	JobUpdate struct {
		ChannelID      *int64
		Status         *string
		TotalFiles     *int
		CompletedFiles *int
		FailedFiles    *int
		SkippedFiles   *int
		TotalSize      *int64
		DownloadedSize *int64
		Progress       *float64
		CompletedAt    *time.Time
		ErrorMessage   *string
	}

	// FileUpdate is a typed partial update for a FileRecord.
	FileUpdate struct {
		Status       *string
		Progress     *float64
		BytesDone    *int64
		DownloadPath *string
		ErrorMessage *string
	}
)

// Job status constants.
const (
	JobStatusPending   = "pending"
	JobStatusActive    = "active"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// FileRecord status constants.
const (
	FileStatusPending     = "pending"
	FileStatusDownloading = "downloading"
	FileStatusCompleted   = "completed"
	FileStatusFailed      = "failed"
	FileStatusSkipped     = "skipped"
)

// MaxFilesUnlimited marks a job without a discovery cap. A cap of zero is
// honoured literally: the scan discovers nothing.
const MaxFilesUnlimited = -1

// JobTerminal reports whether status is one of the terminal job states.
func JobTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Capped reports whether the job has a discovery cap configured.
func (j *Job) Capped() bool {
	return j.MaxFiles >= 0
}

// Pointer helpers for building partial updates.
func String(s string) *string     { return &s }
func Int(i int) *int              { return &i }
func Int64(i int64) *int64        { return &i }
func Float64(f float64) *float64  { return &f }
func Time(t time.Time) *time.Time { return &t }
