package events

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/cuenv/internal/cerr"
	"github.com/swarmguard/cuenv/internal/natsctx"
)

const subject = "cuenv.events"

// natsBus publishes to, and subscribes from, a single NATS subject. Every
// Subscribe call opens its own subscription so each subscriber independently
// receives every message published after it subscribes, matching the
// in-process bus's fan-out contract.
type natsBus struct {
	conn *nats.Conn
}

func newNatsBus(url string) (*natsBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, cerr.IO("events.newNatsBus", url, "connect", err)
	}
	return &natsBus{conn: conn}, nil
}

func (b *natsBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return cerr.Serialization("events.Publish", err)
	}
	if err := natsctx.Publish(ctx, b.conn, subject, data); err != nil {
		return cerr.IO("events.Publish", subject, "publish", err)
	}
	return nil
}

func (b *natsBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1000)
	sub, err := natsctx.Subscribe(b.conn, subject, func(_ context.Context, m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	unsubscribe := func() {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		close(ch)
	}
	if err != nil {
		close(ch)
		return ch, func() {}
	}
	return ch, unsubscribe
}

func (b *natsBus) Close() error {
	b.conn.Close()
	return nil
}
