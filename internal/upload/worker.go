package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/storepulse/internal/extract"
	"github.com/kalambet/storepulse/internal/feature"
	"github.com/kalambet/storepulse/internal/metrics"
	"github.com/kalambet/storepulse/internal/storage"
)

// JobStore abstracts the job queue and upload lookups.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueRunningJobs(ctx context.Context, types []string) (int, error)
	GetUpload(ctx context.Context, id string) (storage.Upload, error)
	GetAnalysis(ctx context.Context, id string) (storage.Analysis, error)
	MarkAnalysisPosted(ctx context.Context, id string) error
}

// AnalysisRecorder persists an analysis and announces it.
type AnalysisRecorder interface {
	InsertAnalysis(ctx context.Context, a storage.Analysis) error
}

// Assistant posts the analysis to the thread and asks for a reply.
type Assistant interface {
	PostMessage(ctx context.Context, threadID, text string) error
	StartRun(ctx context.Context, threadID, assistantID string) (string, error)
}

// Bindings resolves the assistant serving a feature.
type Bindings interface {
	Get(ctx context.Context, f feature.Feature) feature.ThreadBinding
}

// Worker processes analyze_upload jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	recorder  AnalysisRecorder
	assistant Assistant
	bindings  Bindings
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, recorder AnalysisRecorder, assistant Assistant, bindings Bindings, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		recorder:  recorder,
		assistant: assistant,
		bindings:  bindings,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled. Jobs a previous process left
// running are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueRunningJobs(ctx, []string{JobType}); err != nil {
		w.logger.Error("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted upload jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single analyze_upload job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		metrics.Job("failed")
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.Job("completed")
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func analysisID(uploadID string) string { return "analysis-" + uploadID }

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	u, err := w.store.GetUpload(ctx, payload.UploadID)
	if err != nil {
		return fmt.Errorf("loading upload %s: %w", payload.UploadID, err)
	}

	// A retry must neither insert the analysis nor post its summary twice.
	a, err := w.store.GetAnalysis(ctx, analysisID(u.ID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		a, err = w.analyze(u)
		if err != nil {
			return err
		}
		if err := w.recorder.InsertAnalysis(ctx, a); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("checking analysis for %s: %w", u.ID, err)
	}

	if a.PostedAt == nil {
		if err := w.assistant.PostMessage(ctx, u.ThreadID, a.Summary); err != nil {
			return fmt.Errorf("posting analysis: %w", err)
		}
		if err := w.store.MarkAnalysisPosted(ctx, a.ID); err != nil {
			w.logger.Warn("recording posted analysis", "analysis_id", a.ID, "error", err)
		}
	}
	assistantID := w.bindings.Get(ctx, feature.Feature(u.Feature)).AssistantID
	runID, err := w.assistant.StartRun(ctx, u.ThreadID, assistantID)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	w.logger.Info("upload analyzed", "job_id", job.ID, "thread_id", u.ThreadID, "file", u.FileName, "run_id", runID)
	return nil
}

// analyze extracts metrics. Unreadable files still produce a record so the
// user gets an answer instead of a silent retry loop.
func (w *Worker) analyze(u storage.Upload) (storage.Analysis, error) {
	m, extractErr := extract.Metrics(u.FileName, u.ContentType, u.Content)
	summary := extract.Summarize(u.FileName, m)
	if extractErr != nil {
		w.logger.Warn("extraction failed", "upload_id", u.ID, "error", extractErr)
		summary += fmt.Sprintf("\nThe file could not be fully read: %v\n", extractErr)
	}

	metricsJSON, err := json.Marshal(m)
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("encoding metrics: %w", err)
	}
	return storage.Analysis{
		ID:          analysisID(u.ID),
		UploadID:    u.ID,
		ThreadID:    u.ThreadID,
		Feature:     u.Feature,
		FileName:    u.FileName,
		Format:      string(m.Format),
		MetricsJSON: string(metricsJSON),
		Summary:     summary,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
