package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/storepulse/internal/feature"
	"github.com/kalambet/storepulse/internal/kv"
	"github.com/kalambet/storepulse/internal/storage"
)

var testDefaults = feature.Defaults{
	feature.General:  {ThreadID: "thread_general", AssistantID: "asst_general"},
	feature.Keywords: {ThreadID: "thread_keywords", AssistantID: "asst_keywords"},
	feature.AppStore: {ThreadID: "thread_appstore", AssistantID: "asst_appstore"},
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func (failingKV) Set(context.Context, string, string) error {
	return errors.New("disk on fire")
}

func TestGet_FallsBackToDefault(t *testing.T) {
	r := New(kv.NewMemory(), testDefaults)

	b := r.Get(context.Background(), feature.Keywords)
	want := feature.ThreadBinding{Feature: feature.Keywords, ThreadID: "thread_keywords", AssistantID: "asst_keywords"}
	if b != want {
		t.Errorf("Get = %+v, want %+v", b, want)
	}
}

func TestSave_IsolatedPerFeature(t *testing.T) {
	r := New(kv.NewMemory(), testDefaults)
	ctx := context.Background()

	before := r.Get(ctx, feature.AppStore)
	if err := r.Save(ctx, feature.Keywords, "t1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if got := r.Get(ctx, feature.Keywords).ThreadID; got != "t1" {
		t.Errorf("keywords thread = %q, want t1", got)
	}
	if after := r.Get(ctx, feature.AppStore); after != before {
		t.Errorf("appStore binding changed: %+v -> %+v", before, after)
	}
	if got := r.Get(ctx, feature.General).ThreadID; got != "thread_general" {
		t.Errorf("general thread = %q, want default", got)
	}
}

func TestSave_Idempotent(t *testing.T) {
	store := kv.NewMemory()
	r := New(store, testDefaults)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Save(ctx, feature.General, "thread_x"); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	if store.Len() != 1 {
		t.Errorf("stored keys = %d, want 1", store.Len())
	}
	if got := r.Get(ctx, feature.General).ThreadID; got != "thread_x" {
		t.Errorf("thread = %q, want thread_x", got)
	}
}

func TestGet_AssistantAlwaysConfigured(t *testing.T) {
	store := kv.NewMemory()
	r := New(store, testDefaults)
	ctx := context.Background()

	if err := store.Set(ctx, "assistant_id.general", "asst_custom"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := r.Save(ctx, feature.General, "thread_new"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b := r.Get(ctx, feature.General)
	if b.AssistantID != "asst_general" || b.ThreadID != "thread_new" {
		t.Errorf("Get = %+v", b)
	}
	if got := r.AssistantFor(feature.General); got != b.AssistantID {
		t.Errorf("AssistantFor = %q, want %q", got, b.AssistantID)
	}
}

func TestGet_StorageErrorReturnsDefault(t *testing.T) {
	r := New(failingKV{}, testDefaults)

	b := r.Get(context.Background(), feature.AppStore)
	if b.ThreadID != "thread_appstore" {
		t.Errorf("ThreadID = %q, want default", b.ThreadID)
	}
	if err := r.Save(context.Background(), feature.AppStore, "t"); err == nil {
		t.Error("Save on failing store: expected error")
	}
}

func TestSave_UnknownFeature(t *testing.T) {
	r := New(kv.NewMemory(), testDefaults)
	if err := r.Save(context.Background(), feature.Feature("billing"), "t"); err == nil {
		t.Error("Save(billing): expected error")
	}
}

func TestRegistry_SQLiteBackend(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	r := New(store, testDefaults)
	if err := r.Save(ctx, feature.Keywords, "thread_persisted"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh registry over the same store sees the persisted binding.
	r2 := New(store, testDefaults)
	if got := r2.Get(ctx, feature.Keywords).ThreadID; got != "thread_persisted" {
		t.Errorf("ThreadID = %q, want thread_persisted", got)
	}
}
