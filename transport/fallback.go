package transport

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/agentcomm/errors"
	"github.com/vinayprograms/agentcomm/message"
	"github.com/vinayprograms/agentcomm/store"
)

// FallbackTransport implements the durable poll-based transport on the
// fallback store. There is no push capability and no background loop;
// consumers drive their own polling.
type FallbackTransport struct {
	st store.Store

	identity string

	mu      sync.Mutex
	cursors map[string]time.Time // topic -> last-seen created_at

	recv chan *message.Message // never yields
	done chan struct{}

	closeOnce sync.Once
}

// NewFallbackTransport creates a fallback transport on the given store.
func NewFallbackTransport(st store.Store) *FallbackTransport {
	return &FallbackTransport{
		st:      st,
		cursors: make(map[string]time.Time),
		recv:    make(chan *message.Message),
		done:    make(chan struct{}),
	}
}

// Connect records the identity. The store is already open; there is no
// medium to reach.
func (t *FallbackTransport) Connect(ctx context.Context, identity string) error {
	if err := message.ValidateIdentity(identity); err != nil {
		return errors.InvalidInput("connect: bad identity", errors.WithCause(err))
	}
	t.identity = identity
	return nil
}

// Send durably writes the message and returns once persisted. No
// acknowledgment round-trip is involved. A store failure here is the
// only condition that surfaces as FallbackUnavailable.
func (t *FallbackTransport) Send(ctx context.Context, msg *message.Message) error {
	select {
	case <-t.done:
		return errors.Closed("fallback transport closed", errors.WithIdentity(t.identity))
	default:
	}

	msg.DeliveryAttempts++
	if err := t.st.Insert(msg); err != nil {
		return errors.FallbackUnavailable(
			"durable store write failed",
			errors.WithIdentity(t.identity),
			errors.WithMetadata("topic", msg.Topic),
			errors.WithCause(err),
		)
	}
	return nil
}

// Subscribe marks the poll cursor for a topic. Consumption happens via
// Poll; this is deliberately a no-op beyond cursor initialization.
func (t *FallbackTransport) Subscribe(topic string) error {
	if err := message.ValidateTopic(topic); err != nil {
		return errors.InvalidInput("bad topic", errors.WithCause(err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cursors[topic]; !ok {
		t.cursors[topic] = time.Time{}
	}
	return nil
}

// Unsubscribe drops the poll cursor for a topic.
func (t *FallbackTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, topic)
	return nil
}

// Poll returns messages for a topic newer than this subscriber's cursor
// and advances the cursor past the returned page. Pages come back oldest
// first, so a backlog larger than limit drains across repeated polls
// without skipping anything.
func (t *FallbackTransport) Poll(topic string, limit int) ([]*message.Message, error) {
	select {
	case <-t.done:
		return nil, errors.Closed("fallback transport closed", errors.WithIdentity(t.identity))
	default:
	}

	t.mu.Lock()
	cursor := t.cursors[topic]
	t.mu.Unlock()

	msgs, err := t.st.Query(topic, limit, cursor)
	if err != nil {
		return nil, errors.FallbackUnavailable(
			"durable store query failed",
			errors.WithIdentity(t.identity),
			errors.WithMetadata("topic", topic),
			errors.WithCause(err),
		)
	}

	var latest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	if !latest.IsZero() {
		t.mu.Lock()
		if latest.After(t.cursors[topic]) {
			t.cursors[topic] = latest
		}
		t.mu.Unlock()
	}

	return msgs, nil
}

// Recv returns a stream that never yields; fallback delivery is pull-only.
func (t *FallbackTransport) Recv() <-chan *message.Message {
	return t.recv
}

// Done is closed on disconnect.
func (t *FallbackTransport) Done() <-chan struct{} {
	return t.done
}

// Disconnect releases the transport. The underlying store is shared and
// stays open. Idempotent.
func (t *FallbackTransport) Disconnect() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// Name identifies this transport.
func (t *FallbackTransport) Name() string {
	return "fallback"
}
