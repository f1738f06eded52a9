package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/storepulse/internal/storage"
)

// JobType is the queue type of upload analysis jobs.
const JobType = "analyze_upload"

// MaxFileSize is the largest accepted upload.
const MaxFileSize = 20 << 20

// Queue stores uploads and enqueues jobs.
type Queue interface {
	SaveUpload(ctx context.Context, u storage.Upload) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Request describes a file to analyze on a thread.
type Request struct {
	ThreadID    string
	Feature     string
	FileName    string
	ContentType string
	Content     []byte
}

// Receipt identifies the stored upload and its job.
type Receipt struct {
	UploadID string `json:"upload_id"`
	JobID    string `json:"job_id"`
}

type jobPayload struct {
	UploadID string `json:"upload_id"`
}

// Submit stores the file and queues it for analysis.
func Submit(ctx context.Context, q Queue, req Request) (Receipt, error) {
	if req.ThreadID == "" {
		return Receipt{}, fmt.Errorf("submitting upload: thread id is required")
	}
	if len(req.Content) == 0 {
		return Receipt{}, fmt.Errorf("submitting upload: empty file")
	}
	if len(req.Content) > MaxFileSize {
		return Receipt{}, fmt.Errorf("submitting upload: file exceeds %d bytes", MaxFileSize)
	}

	u := storage.Upload{
		ID:          uuid.New().String(),
		ThreadID:    req.ThreadID,
		Feature:     req.Feature,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Content:     req.Content,
		CreatedAt:   time.Now().UTC(),
	}
	if err := q.SaveUpload(ctx, u); err != nil {
		return Receipt{}, fmt.Errorf("saving upload: %w", err)
	}

	payload, err := json.Marshal(jobPayload{UploadID: u.ID})
	if err != nil {
		return Receipt{}, fmt.Errorf("encoding job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(ctx, job); err != nil {
		return Receipt{}, fmt.Errorf("enqueueing analysis job: %w", err)
	}
	return Receipt{UploadID: u.ID, JobID: job.ID}, nil
}
