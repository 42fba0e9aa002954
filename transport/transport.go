// Package transport provides the message transports between agents and
// the broker, and the factory that chooses between them.
//
// Two concrete transports implement the same contract: a realtime
// WebSocket transport with push delivery, and a durable store-backed
// fallback with poll delivery. The Factory dials the realtime transport
// with bounded retries and downgrades to the fallback when the broker is
// unreachable, re-probing in the background until the realtime path
// returns.
package transport

import (
	"context"

	"github.com/vinayprograms/agentcomm/message"
)

// Transport is the contract both concrete transports implement.
type Transport interface {
	// Connect establishes readiness for the given agent identity. It
	// fails if the underlying medium is unreachable within the
	// configured timeout.
	Connect(ctx context.Context, identity string) error

	// Send delivers or durably stores a message. The message is not
	// duplicated on retry; callers retry only after confirmed
	// non-delivery.
	Send(ctx context.Context, msg *message.Message) error

	// Subscribe registers interest in a topic. The realtime transport
	// asks the broker to start pushing; the fallback transport only
	// marks a poll cursor.
	Subscribe(topic string) error

	// Unsubscribe withdraws interest in a topic.
	Unsubscribe(topic string) error

	// Poll returns up to limit undelivered messages for a topic,
	// oldest first with priority as tiebreak. Only meaningful for the
	// fallback transport; the realtime transport returns nothing.
	Poll(topic string, limit int) ([]*message.Message, error)

	// Recv returns the push stream. The fallback transport's stream
	// never yields.
	Recv() <-chan *message.Message

	// Done is closed when the transport has failed or disconnected.
	Done() <-chan struct{}

	// Disconnect releases resources. Idempotent.
	Disconnect() error

	// Name identifies the transport ("realtime" or "fallback").
	Name() string
}

// Status describes a connection's lifecycle state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDegraded
	StatusReconnecting
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
