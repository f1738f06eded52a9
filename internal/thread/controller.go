// Package thread owns the active feature's thread binding: creating new
// threads, switching features and checking that a thread is usable.
//
// Verification is advisory. An invalid thread is reported, never enforced.
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/storepulse/internal/assistant"
	"github.com/kalambet/storepulse/internal/feature"
)

const defaultVerifyTimeout = 15 * time.Second

// Remote is the subset of the assistant API the controller needs.
type Remote interface {
	CreateThread(ctx context.Context) (string, error)
	TestThread(ctx context.Context, threadID, assistantID string) (assistant.TestResult, error)
}

// Registry persists bindings per feature.
type Registry interface {
	Get(ctx context.Context, f feature.Feature) feature.ThreadBinding
	Save(ctx context.Context, f feature.Feature, threadID string) error
	IsDefaultThread(f feature.Feature, threadID string) bool
}

// State of the active binding's verification.
type State string

const (
	StateIdle      State = "idle"
	StateVerifying State = "verifying"
	StateValid     State = "valid"
	StateInvalid   State = "invalid"
)

// Snapshot is what the session exposes about the active binding.
type Snapshot struct {
	Feature     feature.Feature `json:"feature"`
	ThreadID    string          `json:"threadId"`
	AssistantID string          `json:"assistantId"`
	State       State           `json:"state"`
	Valid       bool            `json:"isValidThread"`
	Detail      string          `json:"detail,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

// Controller manages the active binding. Safe for concurrent use.
type Controller struct {
	remote        Remote
	registry      Registry
	verifyTimeout time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	binding feature.ThreadBinding
	state   State
	detail  string
	lastErr string
	gen     uint64
	done    chan struct{}
}

// New returns a Controller with nothing loaded. Call SwitchFeature to load
// and verify the first binding.
func New(remote Remote, registry Registry) *Controller {
	done := make(chan struct{})
	close(done)
	return &Controller{
		remote:        remote,
		registry:      registry,
		verifyTimeout: defaultVerifyTimeout,
		logger:        slog.Default(),
		state:         StateIdle,
		done:          done,
	}
}

// Binding returns the active binding.
func (c *Controller) Binding() feature.ThreadBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding
}

// Snapshot returns the active binding with its validity.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Feature:     c.binding.Feature,
		ThreadID:    c.binding.ThreadID,
		AssistantID: c.binding.AssistantID,
		State:       c.state,
		Valid:       c.state == StateValid,
		Detail:      c.detail,
		LastError:   c.lastErr,
	}
}

// SwitchFeature loads f's binding, makes it active and re-verifies.
// Callers must stop polling for the previous thread first.
func (c *Controller) SwitchFeature(ctx context.Context, f feature.Feature) (feature.ThreadBinding, error) {
	if !f.Valid() {
		return feature.ThreadBinding{}, fmt.Errorf("switching feature: unknown feature %q", f)
	}
	b := c.registry.Get(ctx, f)

	c.mu.Lock()
	c.binding = b
	c.lastErr = ""
	c.startVerifyLocked()
	c.mu.Unlock()

	c.logger.Info("feature switched", "feature", f, "thread_id", b.ThreadID)
	return b, nil
}

// CreateNewThread creates a remote thread and makes it the active feature's
// thread. On failure the binding and persisted state are left untouched and
// the error is returned.
func (c *Controller) CreateNewThread(ctx context.Context) (feature.ThreadBinding, error) {
	c.mu.Lock()
	f := c.binding.Feature
	c.mu.Unlock()

	id, err := c.remote.CreateThread(ctx)
	if err != nil {
		c.recordError(f, "creating thread", err)
		return feature.ThreadBinding{}, fmt.Errorf("creating thread for %s: %w", f, err)
	}
	if err := c.registry.Save(ctx, f, id); err != nil {
		c.recordError(f, "saving new thread", err)
		return feature.ThreadBinding{}, fmt.Errorf("creating thread for %s: %w", f, err)
	}
	c.logger.Info("thread created", "feature", f, "thread_id", id)
	return c.adopt(ctx, f, id), nil
}

// SetThreadID makes threadID the active feature's thread, as a manual edit.
func (c *Controller) SetThreadID(ctx context.Context, threadID string) (feature.ThreadBinding, error) {
	if threadID == "" {
		return feature.ThreadBinding{}, fmt.Errorf("setting thread: empty thread id")
	}
	c.mu.Lock()
	f := c.binding.Feature
	c.mu.Unlock()

	if err := c.registry.Save(ctx, f, threadID); err != nil {
		c.recordError(f, "saving thread", err)
		return feature.ThreadBinding{}, fmt.Errorf("setting thread for %s: %w", f, err)
	}
	return c.adopt(ctx, f, threadID), nil
}

// adopt activates threadID if f is still the active feature. Otherwise the
// thread stays persisted for f and is picked up on the next switch.
func (c *Controller) adopt(ctx context.Context, f feature.Feature, threadID string) feature.ThreadBinding {
	c.mu.Lock()
	if c.binding.Feature != f {
		c.mu.Unlock()
		return c.registry.Get(ctx, f)
	}
	defer c.mu.Unlock()
	c.binding.ThreadID = threadID
	c.lastErr = ""
	c.startVerifyLocked()
	return c.binding
}

func (c *Controller) recordError(f feature.Feature, op string, err error) {
	c.logger.Error(op, "feature", f, "error", err)
	c.mu.Lock()
	c.lastErr = fmt.Sprintf("%s: %v", op, err)
	c.mu.Unlock()
}

// Verify re-checks the active binding in the background.
func (c *Controller) Verify() {
	c.mu.Lock()
	c.startVerifyLocked()
	c.mu.Unlock()
}

// AwaitVerification blocks until the verification in progress (if any)
// has finished or ctx is done.
func (c *Controller) AwaitVerification(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) startVerifyLocked() {
	c.gen++
	gen := c.gen
	b := c.binding
	done := make(chan struct{})
	c.done = done

	if c.registry.IsDefaultThread(b.Feature, b.ThreadID) {
		c.state = StateValid
		c.detail = ""
		close(done)
		return
	}
	c.state = StateVerifying
	c.detail = ""
	go c.verify(gen, b, done)
}

func (c *Controller) verify(gen uint64, b feature.ThreadBinding, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), c.verifyTimeout)
	defer cancel()
	res, err := c.remote.TestThread(ctx, b.ThreadID, b.AssistantID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	switch {
	case err != nil:
		c.state = StateInvalid
		c.detail = "could not verify thread: " + err.Error()
		c.logger.Warn("thread verification failed", "feature", b.Feature, "thread_id", b.ThreadID, "error", err)
	case !res.Success:
		c.state = StateInvalid
		c.detail = res.Error
		c.logger.Warn("thread is not valid", "feature", b.Feature, "thread_id", b.ThreadID, "detail", res.Error)
	default:
		c.state = StateValid
		c.detail = ""
		c.logger.Debug("thread verified", "feature", b.Feature, "thread_id", b.ThreadID)
	}
}
