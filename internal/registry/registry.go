// Package registry persists which remote thread each feature talks to. The
// assistant comes from configuration and is never stored. Every key is scoped by feature so that work on one
// feature can never observe or overwrite another feature's binding.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/storepulse/internal/feature"
)

// KV is the durable string store behind the registry. Implemented by
// storage.Store, kv.Redis and kv.Memory.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Registry maps features to thread bindings.
type Registry struct {
	kv       KV
	defaults feature.Defaults
	logger   *slog.Logger
}

// New returns a Registry over kv, falling back to defaults for features
// that have nothing stored.
func New(kv KV, defaults feature.Defaults) *Registry {
	return &Registry{
		kv:       kv,
		defaults: defaults,
		logger:   slog.Default(),
	}
}

func threadKey(f feature.Feature) string { return "thread_id." + string(f) }

// Get returns f's binding. Read failures are logged and answered with the
// default binding, so Get never fails.
func (r *Registry) Get(ctx context.Context, f feature.Feature) feature.ThreadBinding {
	b := r.defaults.For(f)

	if id, ok := r.read(ctx, f, threadKey(f)); ok {
		b.ThreadID = id
	}
	return b
}

func (r *Registry) read(ctx context.Context, f feature.Feature, key string) (string, bool) {
	v, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		r.logger.Warn("reading thread binding, using default", "feature", f, "key", key, "error", err)
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Save records threadID as f's thread. The assistant id is left as is.
func (r *Registry) Save(ctx context.Context, f feature.Feature, threadID string) error {
	if !f.Valid() {
		return fmt.Errorf("saving thread: unknown feature %q", f)
	}
	if err := r.kv.Set(ctx, threadKey(f), threadID); err != nil {
		return fmt.Errorf("saving thread for %s: %w", f, err)
	}
	return nil
}

// AssistantFor returns the configured assistant for f.
func (r *Registry) AssistantFor(f feature.Feature) string {
	return r.defaults.For(f).AssistantID
}

// IsDefaultThread reports whether threadID is f's configured default.
func (r *Registry) IsDefaultThread(f feature.Feature, threadID string) bool {
	return r.defaults.IsDefaultThread(f, threadID)
}
