package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AnalysesTable is the table that receives file-upload analysis results.
// Inserts into it are announced on the change feed under this name.
const AnalysesTable = "file_analyses"

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Upload is a raw file attached to a thread, waiting for analysis.
type Upload struct {
	ID          string
	ThreadID    string
	Feature     string
	FileName    string
	ContentType string
	Content     []byte
	CreatedAt   time.Time
}

// Analysis is the persisted result of extracting metrics from an upload.
type Analysis struct {
	ID          string     `json:"id"`
	UploadID    string     `json:"upload_id,omitempty"`
	ThreadID    string     `json:"thread_id"`
	Feature     string     `json:"feature"`
	FileName    string     `json:"file_name"`
	Format      string     `json:"format"`
	MetricsJSON string     `json:"metrics_json"`
	Summary     string     `json:"summary"`
	CreatedAt   time.Time  `json:"created_at"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
