// Package notify carries "row inserted" notifications from the record
// store to whoever watches a table. Backends: in-process, Redis pub/sub
// and NATS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned when publishing or subscribing on a closed feed.
var ErrClosed = errors.New("feed closed")

// Insert describes one inserted record.
type Insert struct {
	Table    string    `json:"table"`
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	Feature  string    `json:"feature,omitempty"`
	At       time.Time `json:"at"`
}

// Handler receives inserts. It must not block for long.
type Handler func(Insert)

// Subscription is a live registration on a feed.
type Subscription interface {
	Unsubscribe() error
}

// Feed publishes and delivers inserts per table.
type Feed interface {
	Publish(ctx context.Context, ins Insert) error
	Subscribe(ctx context.Context, table string, h Handler) (Subscription, error)
	Close() error
}

// Open picks a backend from url: empty or "memory" for in-process,
// redis:// or rediss:// for Redis, nats:// for NATS.
func Open(url string) (Feed, error) {
	switch {
	case url == "" || url == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedis(url)
	case strings.HasPrefix(url, "nats://"), strings.HasPrefix(url, "tls://"):
		return NewNATS(url)
	}
	return nil, fmt.Errorf("unsupported feed url %q", url)
}

func encode(ins Insert) ([]byte, error) {
	data, err := json.Marshal(ins)
	if err != nil {
		return nil, fmt.Errorf("encoding insert: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Insert, error) {
	var ins Insert
	if err := json.Unmarshal(data, &ins); err != nil {
		return Insert{}, fmt.Errorf("decoding insert: %w", err)
	}
	return ins, nil
}
