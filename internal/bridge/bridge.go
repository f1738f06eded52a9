// Package bridge reacts to analysis inserts on the change feed so that the
// fast poll loop starts right away instead of waiting for the next tick.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/storepulse/internal/clock"
	"github.com/kalambet/storepulse/internal/metrics"
	"github.com/kalambet/storepulse/internal/notify"
	"github.com/kalambet/storepulse/internal/poller"
	"github.com/kalambet/storepulse/internal/storage"
)

// ProcessingMessage is the placeholder shown while an upload is analyzed.
const ProcessingMessage = "I'm processing your file…"

// DefaultInsertDelay gives the backend a moment to persist the assistant
// reply before the first check.
const DefaultInsertDelay = time.Second

// Coordinator is the part of the poller the bridge drives.
type Coordinator interface {
	Reset(threadID string) uint64
	Resume(threadID string, gen uint64) (poller.RunState, bool)
}

// Placeholders adds the processing message to a thread.
type Placeholders interface {
	AddPlaceholder(threadID, text string) bool
}

// Bridge binds one active thread to the change feed.
type Bridge struct {
	feed         notify.Feed
	coordinator  Coordinator
	placeholders Placeholders
	clock        clock.Clock
	delay        time.Duration
	table        string
	logger       *slog.Logger

	mu           sync.Mutex
	gen          uint64
	threadID     string
	sub          notify.Subscription
	pending      clock.Timer
	lastUploadAt time.Time
}

// New returns an unbound Bridge watching the analyses table.
func New(feed notify.Feed, coordinator Coordinator, placeholders Placeholders, clk clock.Clock, delay time.Duration) *Bridge {
	return &Bridge{
		feed:         feed,
		coordinator:  coordinator,
		placeholders: placeholders,
		clock:        clk,
		delay:        delay,
		table:        storage.AnalysesTable,
		logger:       slog.Default(),
	}
}

// Bind tears down the previous subscription and subscribes for threadID.
// An empty threadID only tears down.
func (b *Bridge) Bind(ctx context.Context, threadID string) error {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	old := b.teardownLocked()
	b.threadID = threadID
	b.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribing from inserts", "error", err)
		}
	}
	if threadID == "" {
		return nil
	}

	sub, err := b.feed.Subscribe(ctx, b.table, func(ins notify.Insert) {
		b.onInsert(gen, ins)
	})
	if err != nil {
		return fmt.Errorf("binding thread %s to inserts: %w", threadID, err)
	}

	b.mu.Lock()
	if b.gen != gen {
		// Rebound while subscribing.
		b.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribing from inserts", "thread_id", threadID, "error", err)
		}
		return nil
	}
	b.sub = sub
	b.mu.Unlock()

	b.logger.Debug("bridge bound", "thread_id", threadID, "generation", gen)
	return nil
}

// Close unsubscribes and cancels any pending delayed start.
func (b *Bridge) Close() error {
	return b.Bind(context.Background(), "")
}

func (b *Bridge) teardownLocked() notify.Subscription {
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
	old := b.sub
	b.sub = nil
	b.threadID = ""
	return old
}

// ThreadID returns the bound thread, or "" when unbound.
func (b *Bridge) ThreadID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threadID
}

// LastUploadAt is when the last relevant insert was observed.
func (b *Bridge) LastUploadAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUploadAt
}

func (b *Bridge) onInsert(gen uint64, ins notify.Insert) {
	b.mu.Lock()
	if gen != b.gen || b.threadID == "" {
		b.mu.Unlock()
		b.logger.Debug("ignoring insert after teardown", "thread_id", ins.ThreadID, "generation", gen)
		return
	}
	threadID := b.threadID
	b.mu.Unlock()

	if ins.ThreadID != threadID {
		metrics.InsertObserved(false)
		return
	}
	metrics.InsertObserved(true)
	b.logger.Info("analysis insert observed", "thread_id", threadID, "id", ins.ID)

	runGen := b.coordinator.Reset(threadID)
	b.placeholders.AddPlaceholder(threadID, ProcessingMessage)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return
	}
	signal := pendingUpload{threadID: threadID, runGen: runGen, observedAt: b.clock.Now()}
	b.lastUploadAt = signal.observedAt
	if b.pending != nil {
		b.pending.Stop()
	}
	b.pending = b.clock.AfterFunc(b.delay, func() { b.fire(gen, signal) })
}

type pendingUpload struct {
	threadID   string
	runGen     uint64
	observedAt time.Time
}

func (b *Bridge) fire(gen uint64, signal pendingUpload) {
	b.mu.Lock()
	if gen != b.gen || b.threadID != signal.threadID {
		b.mu.Unlock()
		return
	}
	b.pending = nil
	b.mu.Unlock()

	if _, ok := b.coordinator.Resume(signal.threadID, signal.runGen); !ok {
		b.logger.Debug("upload reply already resolved", "thread_id", signal.threadID)
	}
}
