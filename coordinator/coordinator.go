// Package coordinator owns the process-wide mapping from agent identity
// to its single live transport connection.
//
// All connection acquisition goes through a Coordinator so that an
// identity never holds two broker connections, no matter how many
// goroutines ask at once. Establishment is serialized per identity;
// distinct identities connect in parallel.
package coordinator

import (
	"context"
	"sync"

	"github.com/vinayprograms/agentcomm/config"
	"github.com/vinayprograms/agentcomm/errors"
	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/store"
	"github.com/vinayprograms/agentcomm/transport"
)

// Coordinator hands out at most one Connection per identity.
type Coordinator struct {
	factory *transport.Factory
	logger  *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry guards one identity's connection. The per-entry lock serializes
// connection establishment for that identity without blocking others.
type entry struct {
	mu   sync.Mutex
	conn *transport.Connection
}

// New creates a coordinator backed by the given fallback store.
func New(cfg config.Config, st store.Store, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.New()
	}
	return &Coordinator{
		factory: transport.NewFactory(cfg, st, logger),
		logger:  logger.WithComponent("coordinator"),
		entries: make(map[string]*entry),
	}
}

// Factory exposes the underlying transport factory, mainly so tests can
// substitute the realtime dialer.
func (c *Coordinator) Factory() *transport.Factory {
	return c.factory
}

// Get returns the connection for an identity, establishing it on first
// use. Concurrent callers for the same identity all receive the same
// Connection; exactly one of them performs the dial.
func (c *Coordinator) Get(ctx context.Context, identity string) (*transport.Connection, error) {
	e, err := c.entryFor(identity)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil && e.conn.Status() != transport.StatusDisconnected {
		return e.conn, nil
	}

	conn, err := c.factory.Dial(ctx, identity)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

// Peek returns the existing connection for an identity without
// establishing one. Returns nil if the identity has no live connection.
func (c *Coordinator) Peek(identity string) *transport.Connection {
	c.mu.Lock()
	e, ok := c.entries[identity]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil && e.conn.Status() == transport.StatusDisconnected {
		return nil
	}
	return e.conn
}

// ForceReconnect tears down the identity's connection and dials a fresh
// one. Used when a caller has evidence the connection is wedged beyond
// what the probe loop repairs.
func (c *Coordinator) ForceReconnect(ctx context.Context, identity string) (*transport.Connection, error) {
	e, err := c.entryFor(identity)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}

	conn, err := c.factory.Dial(ctx, identity)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

// Teardown closes and forgets the identity's connection. A later Get
// re-establishes it.
func (c *Coordinator) Teardown(identity string) error {
	c.mu.Lock()
	e, ok := c.entries[identity]
	delete(c.entries, identity)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

// Identities lists identities with tracked connections.
func (c *Coordinator) Identities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every connection. The coordinator refuses new
// acquisitions afterwards.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			if err := e.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			e.conn = nil
		}
		e.mu.Unlock()
	}
	return firstErr
}

// entryFor returns the per-identity entry, creating it if needed.
func (c *Coordinator) entryFor(identity string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Closed("coordinator closed")
	}
	e, ok := c.entries[identity]
	if !ok {
		e = &entry{}
		c.entries[identity] = e
	}
	return e, nil
}
