package store

import "time"

// ScanRun records one scan-and-repair session
type ScanRun struct {
	ID              string    `json:"id"` // session id
	Root            string    `json:"root"`
	CatalogSource   string    `json:"catalog_source"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Status          string    `json:"status"` // "running", "completed", "cancelled", "failed"
	Reason          string    `json:"reason,omitempty"`
	Message         string    `json:"message,omitempty"`
	FilesTotal      int       `json:"files_total"`
	FilesRepaired   int       `json:"files_repaired"`
	FilesVerified   int       `json:"files_verified"`
	FilesFailed     int       `json:"files_failed"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
}

// FileFailure is a file that could not be verified or repaired during a run
type FileFailure struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Path       string    `json:"path"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FileRecord tracks the last known good state of a game file
type FileRecord struct {
	ID           int64
	Root         string
	Path         string // catalog path, slash separated
	Size         int64
	Digest       string
	LastVerified time.Time
	LastRepaired time.Time // zero if never repaired
	RunID        string
}
