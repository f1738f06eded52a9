package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "storepulse:inserts:"

// Redis is a Feed over Redis pub/sub, one channel per table.
type Redis struct {
	client *redis.Client
	owned  bool
	closed atomic.Bool
	logger *slog.Logger
}

// NewRedis connects to url and verifies the connection.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{client: client, owned: true, logger: slog.Default()}, nil
}

// NewRedisWithClient wraps an existing client; Close leaves it open.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, logger: slog.Default()}
}

func (r *Redis) Publish(ctx context.Context, ins Insert) error {
	if r.closed.Load() {
		return ErrClosed
	}
	data, err := encode(ins)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, redisChannelPrefix+ins.Table, data).Err(); err != nil {
		return fmt.Errorf("publishing insert on %s: %w", ins.Table, err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server.
// Messages are delivered on a dedicated goroutine until Unsubscribe.
func (r *Redis) Subscribe(ctx context.Context, table string, h Handler) (Subscription, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	ps := r.client.Subscribe(ctx, redisChannelPrefix+table)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", table, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			ins, err := decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed insert", "channel", msg.Channel, "error", err)
				continue
			}
			h(ins)
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	r.closed.Store(true)
	if r.owned {
		return r.client.Close()
	}
	return nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

// Unsubscribe closes the subscription and waits for the delivery goroutine
// to finish, so no handler call happens after it returns.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.done
	})
	return err
}
