package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentcomm/config"
	"github.com/vinayprograms/agentcomm/errors"
	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/message"
)

// WebSocketTransport implements the realtime push transport over a
// persistent connection to the broker.
type WebSocketTransport struct {
	cfg    config.Config
	logger *logging.Logger

	identity string
	conn     *websocket.Conn

	writeMu sync.Mutex // serializes frame writes

	pendingMu sync.Mutex
	pending   map[string]chan struct{} // frame ID -> ack signal

	recv chan *message.Message
	done chan struct{}

	closeOnce sync.Once
}

// pingInterval drives keepalive; the read deadline is a multiple of it
// so a missing heartbeat surfaces as a read error.
const pingInterval = 15 * time.Second

// NewWebSocketTransport creates an unconnected realtime transport.
func NewWebSocketTransport(cfg config.Config, logger *logging.Logger) *WebSocketTransport {
	if logger == nil {
		logger = logging.New()
	}
	return &WebSocketTransport{
		cfg:     cfg,
		logger:  logger.WithComponent("realtime"),
		pending: make(map[string]chan struct{}),
		recv:    make(chan *message.Message, cfg.BufferSize),
		done:    make(chan struct{}),
	}
}

// Connect dials the broker and performs the identity handshake. The
// identity travels in the upgrade request; the broker rejects the
// upgrade if it is missing.
func (t *WebSocketTransport) Connect(ctx context.Context, identity string) error {
	if err := message.ValidateIdentity(identity); err != nil {
		return errors.InvalidInput("connect: bad identity", errors.WithCause(err))
	}
	t.identity = identity

	u := url.URL{
		Scheme:   "ws",
		Host:     t.cfg.BrokerAddr,
		Path:     "/ws",
		RawQuery: url.Values{"agent": {identity}}.Encode(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return errors.Connection(
			fmt.Sprintf("dial broker %s", t.cfg.BrokerAddr),
			errors.WithIdentity(identity),
			errors.WithCause(err),
		)
	}

	t.conn = conn
	conn.SetReadDeadline(time.Now().Add(3 * pingInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(3 * pingInterval))
		return nil
	})

	go t.readLoop()
	go t.pingLoop()
	return nil
}

// Send writes a send frame and awaits the correlated ack.
func (t *WebSocketTransport) Send(ctx context.Context, msg *message.Message) error {
	select {
	case <-t.done:
		return errors.Closed("realtime transport closed", errors.WithIdentity(t.identity))
	default:
	}

	msg.DeliveryAttempts++

	ackCh := t.registerPending(msg.ID)
	defer t.removePending(msg.ID)

	env := message.ToEnvelope(message.FrameSend, msg)
	if err := t.writeEnvelope(env); err != nil {
		return err
	}

	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-ackCh:
		return nil
	case <-timer.C:
		return errors.DeliveryTimeout(
			fmt.Sprintf("no ack for message %s within %v", msg.ID, t.cfg.AckTimeout),
			errors.WithIdentity(t.identity),
			errors.WithMetadata("topic", msg.Topic),
		)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "send canceled")
	case <-t.done:
		return errors.Connection("connection lost awaiting ack", errors.WithIdentity(t.identity))
	}
}

// Subscribe sends a subscribe control frame and awaits the broker's ack.
func (t *WebSocketTransport) Subscribe(topic string) error {
	return t.controlFrame(message.FrameSubscribe, topic)
}

// Unsubscribe sends an unsubscribe control frame and awaits the ack.
func (t *WebSocketTransport) Unsubscribe(topic string) error {
	return t.controlFrame(message.FrameUnsubscribe, topic)
}

// controlFrame writes an acknowledged control frame for a topic.
func (t *WebSocketTransport) controlFrame(ft message.FrameType, topic string) error {
	if err := message.ValidateTopic(topic); err != nil {
		return errors.InvalidInput("bad topic", errors.WithCause(err))
	}
	select {
	case <-t.done:
		return errors.Closed("realtime transport closed", errors.WithIdentity(t.identity))
	default:
	}

	id := uuid.New().String()
	ackCh := t.registerPending(id)
	defer t.removePending(id)

	env := &message.Envelope{
		Type:      ft,
		Topic:     topic,
		From:      t.identity,
		ID:        id,
		Timestamp: time.Now().UTC(),
	}
	if err := t.writeEnvelope(env); err != nil {
		return err
	}

	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-ackCh:
		return nil
	case <-timer.C:
		return errors.DeliveryTimeout(
			fmt.Sprintf("no ack for %s %q", ft, topic),
			errors.WithIdentity(t.identity),
		)
	case <-t.done:
		return errors.Connection("connection lost awaiting ack", errors.WithIdentity(t.identity))
	}
}

// Poll always returns nothing; the realtime transport pushes.
func (t *WebSocketTransport) Poll(topic string, limit int) ([]*message.Message, error) {
	return nil, nil
}

// Recv returns the push stream of data frames.
func (t *WebSocketTransport) Recv() <-chan *message.Message {
	return t.recv
}

// Done is closed when the connection is lost or disconnected.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// Disconnect closes the connection. Idempotent.
func (t *WebSocketTransport) Disconnect() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			t.conn.Close()
		}
	})
	return nil
}

// Name identifies this transport.
func (t *WebSocketTransport) Name() string {
	return "realtime"
}

// registerPending creates an ack slot for a frame ID.
func (t *WebSocketTransport) registerPending(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	return ch
}

// removePending discards an ack slot.
func (t *WebSocketTransport) removePending(id string) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// signalAck resolves a pending ack, if still awaited.
func (t *WebSocketTransport) signalAck(id string) {
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	t.pendingMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// writeEnvelope serializes and writes a single frame.
func (t *WebSocketTransport) writeEnvelope(env *message.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return errors.Internal("marshal frame", errors.WithCause(err))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.AckTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Connection("write frame", errors.WithIdentity(t.identity), errors.WithCause(err))
	}
	return nil
}

// readLoop decodes incoming frames and routes them. A malformed frame is
// fatal to this connection and triggers the factory's reconnect cycle,
// never a process-level failure.
func (t *WebSocketTransport) readLoop() {
	defer t.Disconnect()
	defer close(t.recv)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Warn("connection lost", map[string]interface{}{
					"identity": t.identity,
					"error":    err.Error(),
				})
			}
			return
		}

		env, err := message.ParseEnvelope(data)
		if err != nil {
			t.logger.Error("protocol error, closing connection", map[string]interface{}{
				"identity": t.identity,
				"error":    err.Error(),
			})
			return
		}

		switch env.Type {
		case message.FrameAck:
			t.signalAck(env.ID)
		case message.FrameData:
			select {
			case t.recv <- env.ToMessage():
			case <-t.done:
				return
			}
		default:
			// Broker never initiates other frame types; ignore.
		}
	}
}

// pingLoop sends keepalive pings until the connection ends.
func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			t.writeMu.Unlock()
			if err != nil {
				t.Disconnect()
				return
			}
		}
	}
}
