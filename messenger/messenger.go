// Package messenger is the agent-facing entry point to the transport
// stack. A Messenger binds one agent identity to its connection, routes
// sends through whichever transport is active, and feeds inbound
// messages to subscriber callbacks with duplicate suppression.
//
// Messengers never construct transports themselves; every connection is
// acquired through the coordinator so one identity never holds two.
package messenger

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/agentcomm/config"
	"github.com/vinayprograms/agentcomm/coordinator"
	"github.com/vinayprograms/agentcomm/dispatch"
	"github.com/vinayprograms/agentcomm/errors"
	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/message"
	"github.com/vinayprograms/agentcomm/transport"
)

// Messenger sends and receives messages for a single agent identity.
type Messenger struct {
	identity string
	coord    *coordinator.Coordinator
	cfg      config.Config
	logger   *logging.Logger

	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	conn     *transport.Connection
	pumpConn *transport.Connection // connection the receive pump is bound to

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a messenger for an identity. The connection is established
// lazily on first use.
func New(identity string, coord *coordinator.Coordinator, cfg config.Config, logger *logging.Logger) (*Messenger, error) {
	if err := message.ValidateIdentity(identity); err != nil {
		return nil, errors.InvalidInput("bad identity", errors.WithCause(err))
	}
	if logger == nil {
		logger = logging.New()
	}
	logger = logger.WithAgentID(identity)

	return &Messenger{
		identity:   identity,
		coord:      coord,
		cfg:        cfg,
		logger:     logger.WithComponent("messenger"),
		dispatcher: dispatch.New(cfg.DedupSize, cfg.DedupTTL, cfg.Workers, logger),
		closed:     make(chan struct{}),
	}, nil
}

// Identity returns the agent identity this messenger speaks for.
func (m *Messenger) Identity() string {
	return m.identity
}

// Status reports the underlying connection state, or DISCONNECTED when
// no connection has been established yet.
func (m *Messenger) Status() transport.Status {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return transport.StatusDisconnected
	}
	return conn.Status()
}

// SendTo delivers content to a topic. The call succeeds once the message
// is either acknowledged by the broker or durably stored; a realtime
// failure falls through to the fallback store transparently. The sent
// message is returned so callers can correlate replies by ID.
func (m *Messenger) SendTo(ctx context.Context, topic, content string, priority message.Priority) (*message.Message, error) {
	return m.SendDirect(ctx, topic, message.Broadcast, content, priority)
}

// SendDirect delivers content to a topic with a recipient hint, used
// for direct replies on shared topics. Other subscribers still receive
// the message; the hint disambiguates who it is for.
func (m *Messenger) SendDirect(ctx context.Context, topic, recipient, content string, priority message.Priority) (*message.Message, error) {
	if err := message.ValidateIdentity(recipient); err != nil {
		return nil, errors.InvalidInput("bad recipient", errors.WithCause(err))
	}

	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	msg := message.New(topic, m.identity, content, priority)
	msg.Recipient = recipient
	if err := msg.Validate(); err != nil {
		return nil, errors.InvalidInput("bad message", errors.WithCause(err))
	}

	if err := conn.Send(ctx, msg); err != nil {
		m.logger.SendFailed(m.identity, topic, msg.ID, err)
		return nil, err
	}
	return msg, nil
}

// Post sends content to a topic at normal priority.
func (m *Messenger) Post(ctx context.Context, topic, content string) (*message.Message, error) {
	return m.SendTo(ctx, topic, content, message.PriorityNormal)
}

// Subscribe registers a callback for a topic and starts delivery.
// Subscribing again to the same topic replaces the callback. The
// messenger's own messages are never dispatched back to it.
func (m *Messenger) Subscribe(ctx context.Context, topic string, h dispatch.Handler) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}

	m.dispatcher.Register(topic, h)
	if err := conn.Subscribe(topic); err != nil {
		m.dispatcher.Unregister(topic)
		return err
	}
	return nil
}

// Unsubscribe stops delivery for a topic.
func (m *Messenger) Unsubscribe(topic string) error {
	m.dispatcher.Unregister(topic)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Unsubscribe(topic)
}

// Read returns undelivered stored messages for a topic, oldest batch
// first, excluding this messenger's own sends. Used for explicit
// consumption in degraded mode and for catching up after an outage.
func (m *Messenger) Read(ctx context.Context, topic string, limit int) ([]*message.Message, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := conn.Poll(topic, limit)
	if err != nil {
		return nil, err
	}
	return m.filterSelf(msgs), nil
}

// PollLoop drives degraded-mode delivery: every interval it polls the
// durable store for each subscribed topic and dispatches what it finds.
// Duplicate suppression makes this safe to run alongside realtime push.
// Blocks until the context ends or the messenger closes.
func (m *Messenger) PollLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.cfg.PollInterval
	}
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return nil
		case <-ticker.C:
			for _, topic := range m.dispatcher.Topics() {
				msgs, err := conn.Poll(topic, m.cfg.BufferSize)
				if err != nil {
					m.logger.Warn("poll failed", map[string]interface{}{
						"topic": topic,
						"error": err.Error(),
					})
					continue
				}
				for _, msg := range m.filterSelf(msgs) {
					m.dispatcher.Dispatch(msg)
				}
			}
		}
	}
}

// Close releases the messenger and its connection. Idempotent.
func (m *Messenger) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()

		if conn != nil {
			err = m.coord.Teardown(m.identity)
		}
		m.wg.Wait()
		m.dispatcher.Wait()
	})
	return err
}

// connect acquires the connection and keeps exactly one receive pump
// bound to it. When the connection has been replaced underneath us (an
// explicit teardown or forced reconnect), active subscriptions are
// re-issued against the replacement before it is used.
func (m *Messenger) connect(ctx context.Context) (*transport.Connection, error) {
	select {
	case <-m.closed:
		return nil, errors.Closed("messenger closed", errors.WithIdentity(m.identity))
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.Status() != transport.StatusDisconnected {
		return m.conn, nil
	}

	conn, err := m.coord.Get(ctx, m.identity)
	if err != nil {
		return nil, err
	}
	replaced := m.conn != nil && m.conn != conn
	m.conn = conn

	if replaced {
		for _, topic := range m.dispatcher.Topics() {
			if err := conn.Subscribe(topic); err != nil {
				m.logger.Warn("re-subscribe on replacement connection failed", map[string]interface{}{
					"topic": topic,
					"error": err.Error(),
				})
			}
		}
	}

	// A pump bound to a dead connection exits on its own when the old
	// stream closes; the replacement gets its own.
	if m.pumpConn != conn {
		m.pumpConn = conn
		m.wg.Add(1)
		go m.pump(conn)
	}
	return conn, nil
}

// pump feeds realtime deliveries into the dispatcher, skipping the
// messenger's own echoes.
func (m *Messenger) pump(conn *transport.Connection) {
	defer m.wg.Done()

	for {
		select {
		case <-m.closed:
			return
		case msg, ok := <-conn.Recv():
			if !ok {
				return
			}
			if msg.Sender == m.identity {
				continue
			}
			m.dispatcher.Dispatch(msg)
		}
	}
}

// filterSelf removes this identity's own messages from a batch.
func (m *Messenger) filterSelf(msgs []*message.Message) []*message.Message {
	out := msgs[:0]
	for _, msg := range msgs {
		if msg.Sender != m.identity {
			out = append(out, msg)
		}
	}
	return out
}
