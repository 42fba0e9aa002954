package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentcomm/config"
	"github.com/vinayprograms/agentcomm/errors"
	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/message"
)

// Connection is one agent identity's link to the transport layer. The
// factory creates it with whichever transport is reachable and keeps it
// usable across broker outages by swapping the active transport
// underneath callers.
type Connection struct {
	identity string
	cfg      config.Config
	logger   *logging.Logger

	dial DialFunc // re-dials the realtime transport during probes

	mu       sync.RWMutex
	active   Transport
	realtime Transport // non-nil only while the realtime path is healthy
	fallback *FallbackTransport
	subs     map[string]struct{}

	status     atomic.Int32
	degradedAt time.Time

	recv      chan *message.Message
	closed    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Identity returns the agent identity this connection belongs to.
func (c *Connection) Identity() string {
	return c.identity
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	return Status(c.status.Load())
}

func (c *Connection) setStatus(s Status) {
	c.status.Store(int32(s))
}

// ActiveTransport names the transport currently backing the connection.
func (c *Connection) ActiveTransport() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.Name()
}

// Recv returns the merged push stream. Only realtime deliveries appear
// here; degraded-mode consumption goes through Poll.
func (c *Connection) Recv() <-chan *message.Message {
	return c.recv
}

// Send delivers the message via the active transport. A realtime failure
// escalates to the durable fallback before reporting success, so an
// accepted message is never silently dropped. Only the exhaustion of
// every delivery path surfaces an error.
func (c *Connection) Send(ctx context.Context, msg *message.Message) error {
	select {
	case <-c.closed:
		return errors.Closed("connection closed", errors.WithIdentity(c.identity))
	default:
	}

	c.mu.RLock()
	active := c.active
	fallback := c.fallback
	c.mu.RUnlock()

	err := active.Send(ctx, msg)
	if err == nil {
		return nil
	}
	if active == Transport(fallback) {
		return err
	}

	c.logger.Debug("realtime send failed, writing to fallback", map[string]interface{}{
		"identity": c.identity,
		"topic":    msg.Topic,
		"msg_id":   msg.ID,
		"error":    err.Error(),
	})
	return fallback.Send(ctx, msg)
}

// Subscribe registers interest in a topic on the active transport. The
// fallback cursor is always marked as well, so messages that arrive
// during a later outage are pollable from the moment of subscription.
func (c *Connection) Subscribe(topic string) error {
	if err := message.ValidateTopic(topic); err != nil {
		return errors.InvalidInput("bad topic", errors.WithCause(err))
	}

	c.mu.Lock()
	c.subs[topic] = struct{}{}
	active := c.active
	fallback := c.fallback
	c.mu.Unlock()

	if err := fallback.Subscribe(topic); err != nil {
		return err
	}
	if active != Transport(fallback) {
		return active.Subscribe(topic)
	}
	return nil
}

// Unsubscribe withdraws interest in a topic everywhere.
func (c *Connection) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	active := c.active
	fallback := c.fallback
	c.mu.Unlock()

	fallback.Unsubscribe(topic)
	if active != Transport(fallback) {
		return active.Unsubscribe(topic)
	}
	return nil
}

// Poll reads undelivered fallback messages for a topic. Poll consumption
// is always served by the durable store regardless of the active
// transport, since realtime delivery leaves nothing to poll.
func (c *Connection) Poll(topic string, limit int) ([]*message.Message, error) {
	select {
	case <-c.closed:
		return nil, errors.Closed("connection closed", errors.WithIdentity(c.identity))
	default:
	}

	c.mu.RLock()
	fallback := c.fallback
	c.mu.RUnlock()
	return fallback.Poll(topic, limit)
}

// Topics returns the currently subscribed topics.
func (c *Connection) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	return topics
}

// Close cancels the receive loop, unregisters all subscriptions and
// releases both transports. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		rt := c.realtime
		fallback := c.fallback
		c.subs = make(map[string]struct{})
		c.mu.Unlock()

		if rt != nil {
			rt.Disconnect()
		}
		fallback.Disconnect()

		c.wg.Wait()
		close(c.recv)
		c.setStatus(StatusDisconnected)
	})
	return nil
}

// runRealtime forwards the realtime push stream into the merged stream
// and reacts to connection loss.
func (c *Connection) runRealtime(rt Transport) {
	defer c.wg.Done()

	for {
		select {
		case m, ok := <-rt.Recv():
			if !ok {
				c.onRealtimeLoss(rt)
				return
			}
			select {
			case c.recv <- m:
			case <-c.closed:
				return
			}
		case <-c.closed:
			return
		}
	}
}

// onRealtimeLoss swaps to the fallback transport and begins re-probing.
func (c *Connection) onRealtimeLoss(rt Transport) {
	select {
	case <-c.closed:
		return
	default:
	}

	c.mu.Lock()
	if c.active != rt {
		c.mu.Unlock()
		return
	}
	c.active = c.fallback
	c.realtime = nil
	c.degradedAt = time.Now()
	c.mu.Unlock()

	c.setStatus(StatusDegraded)
	rt.Disconnect()
	c.logger.Downgrade(c.identity, "realtime connection lost")

	c.wg.Add(1)
	go c.probeLoop()
}

// probeLoop periodically re-dials the realtime transport while degraded.
// On success it re-issues all active subscriptions against the new
// connection, then atomically swaps the active transport; in-flight
// fallback sends are never interrupted.
func (c *Connection) probeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.setStatus(StatusReconnecting)
			if c.tryRestoreRealtime() {
				return
			}
			c.setStatus(StatusDegraded)
		}
	}
}

// tryRestoreRealtime attempts a single realtime reconnect and swap.
func (c *Connection) tryRestoreRealtime() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	rt, err := c.dial(ctx, c.identity)
	if err != nil {
		return false
	}

	c.mu.RLock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	degradedAt := c.degradedAt
	c.mu.RUnlock()

	for _, topic := range topics {
		if err := rt.Subscribe(topic); err != nil {
			rt.Disconnect()
			return false
		}
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		// Close ran while the probe was mid-restore; it never saw this
		// transport, so release it here and stop probing.
		c.mu.Unlock()
		rt.Disconnect()
		return true
	default:
	}
	c.realtime = rt
	c.active = rt
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.logger.Reconnected(c.identity, time.Since(degradedAt))

	c.wg.Add(1)
	go c.runRealtime(rt)
	return true
}
