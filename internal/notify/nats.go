package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "storepulse.inserts."

// NATS is a Feed over core NATS subjects, one per table.
type NATS struct {
	conn   *nats.Conn
	owned  bool
	closed atomic.Bool
	logger *slog.Logger
}

// NewNATS connects to url with unlimited reconnects.
func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("storepulse"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{conn: conn, owned: true, logger: slog.Default()}, nil
}

// NewNATSFromConn wraps an existing connection; Close leaves it open.
func NewNATSFromConn(conn *nats.Conn) *NATS {
	return &NATS{conn: conn, logger: slog.Default()}
}

func (n *NATS) Publish(ctx context.Context, ins Insert) error {
	if n.closed.Load() {
		return ErrClosed
	}
	data, err := encode(ins)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(natsSubjectPrefix+ins.Table, data); err != nil {
		return fmt.Errorf("publishing insert on %s: %w", ins.Table, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, table string, h Handler) (Subscription, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := n.conn.Subscribe(natsSubjectPrefix+table, func(msg *nats.Msg) {
		ins, err := decode(msg.Data)
		if err != nil {
			n.logger.Warn("dropping malformed insert", "subject", msg.Subject, "error", err)
			return
		}
		h(ins)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", table, err)
	}
	// Make sure the server has registered interest before returning.
	if err := n.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribing to %s: %w", table, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (n *NATS) Close() error {
	n.closed.Store(true)
	if n.owned {
		n.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}
