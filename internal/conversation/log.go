// Package conversation keeps the per-thread message list that the session
// shows: the remote thread's messages followed by local synthetic ones
// (processing placeholders and timeout notices).
package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/kalambet/storepulse/internal/assistant"
	"github.com/kalambet/storepulse/internal/clock"
)

// Kind distinguishes remote messages from locally synthesized ones.
type Kind string

const (
	KindRemote      Kind = "remote"
	KindPlaceholder Kind = "placeholder"
	KindNotice      Kind = "notice"
)

// Message is one entry of a thread's visible history.
type Message struct {
	assistant.Message
	Kind Kind `json:"kind"`
}

// Lister fetches a thread's remote messages, oldest first.
type Lister interface {
	ListMessages(ctx context.Context, threadID string) ([]assistant.Message, error)
}

type threadLog struct {
	remote    []Message
	synthetic []Message
	seen      map[string]struct{}
	synced    bool
}

// Log holds message lists for any number of threads.
type Log struct {
	lister Lister
	clock  clock.Clock

	mu      sync.Mutex
	threads map[string]*threadLog
}

// New returns an empty Log reading remote history through lister.
func New(lister Lister, clk clock.Clock) *Log {
	return &Log{
		lister:  lister,
		clock:   clk,
		threads: make(map[string]*threadLog),
	}
}

func (l *Log) thread(threadID string) *threadLog {
	tl, ok := l.threads[threadID]
	if !ok {
		tl = &threadLog{seen: make(map[string]struct{})}
		l.threads[threadID] = tl
	}
	return tl
}

// Sync refreshes threadID from the remote service and reports whether an
// assistant message arrived that the previous sync had not seen. The first
// sync of a thread only records a baseline and reports false. A new
// assistant message clears the synthetic tail.
func (l *Log) Sync(ctx context.Context, threadID string) (bool, error) {
	if threadID == "" {
		return false, fmt.Errorf("syncing messages: empty thread id")
	}
	msgs, err := l.lister.ListMessages(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("syncing messages of %s: %w", threadID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tl := l.thread(threadID)
	hasNew := false
	remote := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		remote = append(remote, Message{Message: m, Kind: KindRemote})
		if m.Role != assistant.RoleAssistant {
			continue
		}
		if _, ok := tl.seen[m.ID]; ok {
			continue
		}
		tl.seen[m.ID] = struct{}{}
		if tl.synced {
			hasNew = true
		}
	}
	tl.remote = remote
	tl.synced = true
	if hasNew {
		tl.synthetic = nil
	}
	return hasNew, nil
}

// Messages returns a copy of threadID's visible history.
func (l *Log) Messages(threadID string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(tl.remote)+len(tl.synthetic))
	out = append(out, tl.remote...)
	out = append(out, tl.synthetic...)
	return out
}

// AddPlaceholder appends an assistant placeholder unless one is already
// pending. It reports whether a message was added.
func (l *Log) AddPlaceholder(threadID, text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl := l.thread(threadID)
	for _, m := range tl.synthetic {
		if m.Kind == KindPlaceholder {
			return false
		}
	}
	tl.synthetic = append(tl.synthetic, l.synthesize(threadID, KindPlaceholder, text))
	return true
}

// HasPlaceholder reports whether threadID has an unanswered placeholder.
func (l *Log) HasPlaceholder(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.threads[threadID]
	if !ok {
		return false
	}
	for _, m := range tl.synthetic {
		if m.Kind == KindPlaceholder {
			return true
		}
	}
	return false
}

// RewritePlaceholder replaces the most recent placeholder's text in place,
// turning it into a notice. It reports whether a placeholder was found.
func (l *Log) RewritePlaceholder(threadID, text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.threads[threadID]
	if !ok {
		return false
	}
	for i := len(tl.synthetic) - 1; i >= 0; i-- {
		if tl.synthetic[i].Kind == KindPlaceholder {
			tl.synthetic[i].Content = text
			tl.synthetic[i].Kind = KindNotice
			return true
		}
	}
	return false
}

// Forget drops everything known about threadID.
func (l *Log) Forget(threadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.threads, threadID)
}

func (l *Log) synthesize(threadID string, kind Kind, text string) Message {
	now := l.clock.Now()
	return Message{
		Message: assistant.Message{
			ID:        "local_" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
			ThreadID:  threadID,
			Role:      assistant.RoleAssistant,
			Content:   text,
			CreatedAt: now,
		},
		Kind: kind,
	}
}
