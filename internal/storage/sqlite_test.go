package storage

import (
	"bytes"
	"context"
	"testing"
	"time"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_jobs_status_run_after", "idx_file_analyses_thread_created"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get(ctx, "thread_id.keywords"); err != nil || ok {
		t.Fatalf("Get on empty store = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	if err := s.Set(ctx, "thread_id.keywords", "thread_1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "thread_id.keywords", "thread_2"); err != nil {
		t.Fatalf("Set (update): %v", err)
	}

	v, ok, err := s.Get(ctx, "thread_id.keywords")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "thread_2" {
		t.Errorf("Get = (%q, %v), want (thread_2, true)", v, ok)
	}
}

func TestSaveAndGetUpload(t *testing.T) {
	s := openTestStore(t)

	want := Upload{
		ID:          "up-1",
		ThreadID:    "thread_1",
		Feature:     "keywords",
		FileName:    "ranks.csv",
		ContentType: "text/csv",
		Content:     []byte("keyword,rank\nfoo,3\n"),
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveUpload(ctx, want); err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}

	got, err := s.GetUpload(ctx, "up-1")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.FileName != want.FileName || got.ThreadID != want.ThreadID || !bytes.Equal(got.Content, want.Content) {
		t.Errorf("GetUpload = %+v, want %+v", got, want)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}

	if _, err := s.GetUpload(ctx, "missing"); err != ErrNotFound {
		t.Errorf("GetUpload(missing) err = %v, want ErrNotFound", err)
	}
}

func TestInsertAndListAnalyses(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, thread := range []string{"thread_a", "thread_b", "thread_a"} {
		a := Analysis{
			ID:        string(rune('x'+i)) + "-analysis",
			ThreadID:  thread,
			Feature:   "appStore",
			FileName:  "report.xlsx",
			Format:    "xlsx",
			Summary:   "ok",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertAnalysis(ctx, a); err != nil {
			t.Fatalf("InsertAnalysis %d: %v", i, err)
		}
	}

	got, err := s.ListAnalyses(ctx, "thread_a", 10)
	if err != nil {
		t.Fatalf("ListAnalyses: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d analyses, want 2", len(got))
	}
	if !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Errorf("analyses not newest-first: %v, %v", got[0].CreatedAt, got[1].CreatedAt)
	}
	if got[0].MetricsJSON != "{}" {
		t.Errorf("MetricsJSON default = %q, want {}", got[0].MetricsJSON)
	}

	all, err := s.ListAnalyses(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListAnalyses(all): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d analyses across threads, want 3", len(all))
	}

	one, err := s.GetAnalysis(ctx, got[0].ID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if one.ThreadID != "thread_a" {
		t.Errorf("ThreadID = %q, want thread_a", one.ThreadID)
	}
	if _, err := s.GetAnalysis(ctx, "nope"); err != ErrNotFound {
		t.Errorf("GetAnalysis(nope) err = %v, want ErrNotFound", err)
	}
}

func TestMarkAnalysisPosted(t *testing.T) {
	s := openTestStore(t)

	a := Analysis{ID: "a1", ThreadID: "thread_a", Feature: "general", FileName: "r.csv", CreatedAt: time.Now()}
	if err := s.InsertAnalysis(ctx, a); err != nil {
		t.Fatalf("InsertAnalysis: %v", err)
	}
	got, err := s.GetAnalysis(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.PostedAt != nil {
		t.Errorf("PostedAt = %v before posting, want nil", got.PostedAt)
	}

	if err := s.MarkAnalysisPosted(ctx, "a1"); err != nil {
		t.Fatalf("MarkAnalysisPosted: %v", err)
	}
	got, err = s.GetAnalysis(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.PostedAt == nil {
		t.Error("PostedAt not set")
	}

	if err := s.MarkAnalysisPosted(ctx, "missing"); err != ErrNotFound {
		t.Errorf("MarkAnalysisPosted(missing) err = %v, want ErrNotFound", err)
	}
}

func TestJobsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json) VALUES ('j1', 'analyze_upload', '{"upload_id":"u1"}')`)
	if err != nil {
		t.Fatalf("INSERT into jobs: %v", err)
	}

	var id, typ, payload, status string
	var attempts, maxAttempts int
	err = s.db.QueryRow(`SELECT id, type, payload_json, status, attempts, max_attempts FROM jobs WHERE id = 'j1'`).
		Scan(&id, &typ, &payload, &status, &attempts, &maxAttempts)
	if err != nil {
		t.Fatalf("SELECT from jobs: %v", err)
	}

	if id != "j1" {
		t.Errorf("id = %q, want %q", id, "j1")
	}
	if typ != "analyze_upload" {
		t.Errorf("type = %q, want %q", typ, "analyze_upload")
	}
	if payload != `{"upload_id":"u1"}` {
		t.Errorf("payload_json = %q, want %q", payload, `{"upload_id":"u1"}`)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if maxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", maxAttempts)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "analyze_upload",
		PayloadJSON: `{"upload_id":"u1"}`,
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"analyze_upload"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != "analyze_upload" {
		t.Errorf("Type = %q, want %q", got.Type, "analyze_upload")
	}
	if got.PayloadJSON != `{"upload_id":"u1"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"upload_id":"u1"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(ctx, []string{"analyze_upload"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "analyze_upload",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"analyze_upload"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(ctx, Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestRequeueRunningJobs(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"j-a", "j-b"} {
		if err := s.EnqueueJob(ctx, Job{ID: id, Type: "x", PayloadJSON: `{}`}); err != nil {
			t.Fatalf("EnqueueJob %s: %v", id, err)
		}
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-other", Type: "y", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob other: %v", err)
	}
	for _, types := range [][]string{{"x"}, {"y"}} {
		if _, err := s.ClaimNextJob(ctx, types); err != nil {
			t.Fatalf("ClaimNextJob: %v", err)
		}
	}

	n, err := s.RequeueRunningJobs(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("RequeueRunningJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	var status string
	var attempts int
	if err := s.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'j-other'`).Scan(&status, &attempts); err != nil {
		t.Fatal(err)
	}
	if status != "running" {
		t.Errorf("other type status = %q, want running", status)
	}

	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil || got == nil {
		t.Fatalf("ClaimNextJob after requeue = %v, %v", got, err)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob(ctx, "j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob(ctx, "j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob(ctx, "j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}
