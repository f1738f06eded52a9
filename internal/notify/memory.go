package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Feed. Handlers run synchronously on the
// publishing goroutine.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID atomic.Uint64
	closed atomic.Bool
}

// NewMemory returns an empty in-process feed.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[uint64]Handler)}
}

func (m *Memory) Publish(ctx context.Context, ins Insert) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.subs[ins.Table]))
	for _, h := range m.subs[ins.Table] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ins)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, table string, h Handler) (Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	id := m.nextID.Add(1)
	m.mu.Lock()
	if m.subs[table] == nil {
		m.subs[table] = make(map[uint64]Handler)
	}
	m.subs[table][id] = h
	m.mu.Unlock()

	return &memorySubscription{feed: m, table: table, id: id}, nil
}

// Subscribers returns the number of live subscriptions on table.
func (m *Memory) Subscribers(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[table])
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	m.mu.Lock()
	m.subs = make(map[string]map[uint64]Handler)
	m.mu.Unlock()
	return nil
}

type memorySubscription struct {
	feed  *Memory
	table string
	id    uint64
	once  sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs[s.table], s.id)
		s.feed.mu.Unlock()
	})
	return nil
}
