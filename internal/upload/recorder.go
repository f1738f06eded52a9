// Package upload stores uploaded files, queues them for analysis and runs
// the worker that turns them into analysis records and assistant runs.
package upload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/storepulse/internal/notify"
	"github.com/kalambet/storepulse/internal/storage"
)

// AnalysisStore persists analysis records.
type AnalysisStore interface {
	InsertAnalysis(ctx context.Context, a storage.Analysis) error
}

// Recorder inserts analyses and announces them on the change feed.
type Recorder struct {
	store  AnalysisStore
	feed   notify.Feed
	logger *slog.Logger
}

// NewRecorder returns a Recorder writing to store and publishing on feed.
func NewRecorder(store AnalysisStore, feed notify.Feed) *Recorder {
	return &Recorder{store: store, feed: feed, logger: slog.Default()}
}

// InsertAnalysis persists a and publishes the insert. A publish failure is
// logged only: the record is stored and the idle poll will still surface
// the reply.
func (r *Recorder) InsertAnalysis(ctx context.Context, a storage.Analysis) error {
	if err := r.store.InsertAnalysis(ctx, a); err != nil {
		return fmt.Errorf("inserting analysis %s: %w", a.ID, err)
	}
	ins := notify.Insert{
		Table:    storage.AnalysesTable,
		ID:       a.ID,
		ThreadID: a.ThreadID,
		Feature:  a.Feature,
		At:       a.CreatedAt,
	}
	if err := r.feed.Publish(ctx, ins); err != nil {
		r.logger.Warn("publishing analysis insert", "id", a.ID, "thread_id", a.ThreadID, "error", err)
	}
	return nil
}
