package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/storepulse/internal/feature"
	"github.com/kalambet/storepulse/internal/notify"
	"github.com/kalambet/storepulse/internal/storage"
)

type mockAssistant struct {
	mu       sync.Mutex
	posted   []string
	runs     []string
	postFn   func(ctx context.Context, threadID, text string) error
	runFn    func(n int32) error
	runCalls atomic.Int32
}

func (m *mockAssistant) PostMessage(ctx context.Context, threadID, text string) error {
	if m.postFn != nil {
		if err := m.postFn(ctx, threadID, text); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted = append(m.posted, text)
	return nil
}

func (m *mockAssistant) StartRun(ctx context.Context, threadID, assistantID string) (string, error) {
	n := m.runCalls.Add(1)
	if m.runFn != nil {
		if err := m.runFn(n); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, assistantID)
	return fmt.Sprintf("run_%d", n), nil
}

type staticBindings map[feature.Feature]string

func (b staticBindings) Get(_ context.Context, f feature.Feature) feature.ThreadBinding {
	return feature.ThreadBinding{Feature: f, AssistantID: b[f]}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func submitTestUpload(t *testing.T, store *storage.Store, threadID, name, content string) Receipt {
	t.Helper()
	r, err := Submit(context.Background(), store, Request{
		ThreadID: threadID,
		Feature:  string(feature.Keywords),
		FileName: name,
		Content:  []byte(content),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return r
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func newTestWorker(store *storage.Store, feed notify.Feed, asst *mockAssistant) *Worker {
	return NewWorker(store, NewRecorder(store, feed), asst, staticBindings{feature.Keywords: "asst_kw"}, 0)
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	feed := notify.NewMemory()
	var inserts []notify.Insert
	if _, err := feed.Subscribe(context.Background(), storage.AnalysesTable, func(ins notify.Insert) {
		inserts = append(inserts, ins)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r := submitTestUpload(t, store, "thread_1", "keywords.csv", "keyword,rank\nphoto editor,3\n")
	asst := &mockAssistant{}
	w := newTestWorker(store, feed, asst)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	a, err := store.GetAnalysis(context.Background(), analysisID(r.UploadID))
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if a.ThreadID != "thread_1" || a.Format != "csv" || a.Feature != "keywords" {
		t.Errorf("analysis = %+v", a)
	}
	if !strings.Contains(a.MetricsJSON, `"term":"photo editor"`) {
		t.Errorf("MetricsJSON = %s", a.MetricsJSON)
	}

	if len(inserts) != 1 || inserts[0].ThreadID != "thread_1" || inserts[0].ID != a.ID {
		t.Errorf("inserts = %+v", inserts)
	}

	asst.mu.Lock()
	defer asst.mu.Unlock()
	if len(asst.posted) != 1 || !strings.Contains(asst.posted[0], "photo editor") {
		t.Errorf("posted = %q", asst.posted)
	}
	if len(asst.runs) != 1 || asst.runs[0] != "asst_kw" {
		t.Errorf("runs = %q, want [asst_kw]", asst.runs)
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = ?`, r.JobID).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_RunRequeuesInterruptedJob(t *testing.T) {
	store := openTestStore(t)
	r := submitTestUpload(t, store, "thread_1", "keywords.csv", "keyword,rank\nphoto editor,3\n")

	// A previous process claimed the job and died.
	if job, err := store.ClaimNextJob(context.Background(), []string{JobType}); err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}

	asst := &mockAssistant{}
	w := newTestWorker(store, notify.NewMemory(), asst)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for asst.runCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if asst.runCalls.Load() != 1 {
		t.Fatalf("runCalls = %d, want 1", asst.runCalls.Load())
	}
	if _, err := store.GetAnalysis(context.Background(), analysisID(r.UploadID)); err != nil {
		t.Errorf("GetAnalysis: %v", err)
	}
}

func TestWorker_NoJob(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(store, notify.NewMemory(), &mockAssistant{})

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true on an empty queue")
	}
}

func TestWorker_RetryDoesNotDuplicateAnalysis(t *testing.T) {
	store := openTestStore(t)
	feed := notify.NewMemory()
	var inserts atomic.Int32
	feed.Subscribe(context.Background(), storage.AnalysesTable, func(notify.Insert) { inserts.Add(1) })

	r := submitTestUpload(t, store, "thread_1", "stats.txt", "Downloads: 10\n")

	var calls atomic.Int32
	asst := &mockAssistant{
		postFn: func(context.Context, string, string) error {
			if calls.Add(1) == 1 {
				return errors.New("502 bad gateway")
			}
			return nil
		},
	}
	w := newTestWorker(store, feed, asst)
	ctx := context.Background()

	// 1st attempt: analysis stored, post fails.
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, r.JobID).Scan(&status, &attempts); err != nil {
		t.Fatalf("query after 1st fail: %v", err)
	}
	if status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	resetRunAfter(t, store, r.JobID)

	// 2nd attempt: reuses the stored analysis.
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = ?`, r.JobID).Scan(&status); err != nil {
		t.Fatalf("query after 2nd attempt: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	list, err := store.ListAnalyses(ctx, "thread_1", 10)
	if err != nil {
		t.Fatalf("ListAnalyses: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("analyses = %d, want 1", len(list))
	}
	if inserts.Load() != 1 {
		t.Errorf("inserts published = %d, want 1", inserts.Load())
	}
}

func TestWorker_RetryAfterRunFailureDoesNotRepost(t *testing.T) {
	store := openTestStore(t)
	r := submitTestUpload(t, store, "thread_1", "stats.txt", "Downloads: 10\n")

	asst := &mockAssistant{
		runFn: func(n int32) error {
			if n == 1 {
				return errors.New("503 service unavailable")
			}
			return nil
		},
	}
	w := newTestWorker(store, notify.NewMemory(), asst)
	ctx := context.Background()

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	a, err := store.GetAnalysis(ctx, analysisID(r.UploadID))
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if a.PostedAt == nil {
		t.Fatal("PostedAt not recorded after a successful post")
	}

	resetRunAfter(t, store, r.JobID)

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = ?`, r.JobID).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	asst.mu.Lock()
	defer asst.mu.Unlock()
	if len(asst.posted) != 1 {
		t.Errorf("summary posted %d times, want 1", len(asst.posted))
	}
	if got := asst.runCalls.Load(); got != 2 {
		t.Errorf("StartRun calls = %d, want 2", got)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	r := submitTestUpload(t, store, "thread_1", "a.csv", "downloads\n5\n")

	asst := &mockAssistant{
		postFn: func(context.Context, string, string) error { return fmt.Errorf("permanent error") },
	}
	w := newTestWorker(store, notify.NewMemory(), asst)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, r.JobID)
		}
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = ?`, r.JobID).Scan(&status); err != nil {
		t.Fatalf("query final status: %v", err)
	}
	if status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_UnreadableFileStillAnswers(t *testing.T) {
	store := openTestStore(t)
	submitTestUpload(t, store, "thread_1", "broken.xlsx", "definitely not a zip archive")

	asst := &mockAssistant{}
	w := newTestWorker(store, notify.NewMemory(), asst)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	asst.mu.Lock()
	defer asst.mu.Unlock()
	if len(asst.posted) != 1 || !strings.Contains(asst.posted[0], "could not be fully read") {
		t.Errorf("posted = %q", asst.posted)
	}
}

func TestSubmit_Validation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := Submit(ctx, store, Request{FileName: "a.csv", Content: []byte("x")}); err == nil {
		t.Error("missing thread: expected error")
	}
	if _, err := Submit(ctx, store, Request{ThreadID: "t", FileName: "a.csv"}); err == nil {
		t.Error("empty file: expected error")
	}
	big := make([]byte, MaxFileSize+1)
	if _, err := Submit(ctx, store, Request{ThreadID: "t", FileName: "a.csv", Content: big}); err == nil {
		t.Error("oversized file: expected error")
	}
}

type failingFeed struct{ notify.Feed }

func (failingFeed) Publish(context.Context, notify.Insert) error { return errors.New("redis down") }

func TestRecorder_PublishFailureIsNotFatal(t *testing.T) {
	store := openTestStore(t)
	rec := NewRecorder(store, failingFeed{})

	a := storage.Analysis{ID: "a1", ThreadID: "t1", FileName: "x.csv", Format: "csv", CreatedAt: time.Now().UTC()}
	if err := rec.InsertAnalysis(context.Background(), a); err != nil {
		t.Fatalf("InsertAnalysis: %v", err)
	}
	if _, err := store.GetAnalysis(context.Background(), "a1"); err != nil {
		t.Errorf("analysis not stored: %v", err)
	}
}
