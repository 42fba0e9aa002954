// Package dispatch delivers inbound messages to per-topic callbacks with
// at-most-once semantics.
//
// The dispatcher keeps a bounded, time-expiring set of seen message IDs;
// a message delivered by both transports is dispatched once and the
// duplicate is absorbed silently. Callbacks run on a bounded worker pool
// so a slow or failing subscriber never blocks message intake.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/agentcomm/errors"
	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/message"
)

// Handler consumes a dispatched message. Errors are logged, never
// propagated to the receive loop.
type Handler func(msg *message.Message) error

// Dispatcher routes inbound messages to registered topic callbacks.
type Dispatcher struct {
	logger *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler // topic -> callback (one per topic)

	seen *seenCache

	workers chan struct{} // bounded worker slots
	wg      sync.WaitGroup
}

// New creates a dispatcher. dedupSize bounds the remembered-ID set,
// dedupTTL expires remembered IDs, and workers caps concurrently
// running callbacks.
func New(dedupSize int, dedupTTL time.Duration, workers int, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.New()
	}
	if dedupSize <= 0 {
		dedupSize = 4096
	}
	if workers <= 0 {
		workers = 8
	}
	return &Dispatcher{
		logger:   logger.WithComponent("dispatch"),
		handlers: make(map[string]Handler),
		seen:     newSeenCache(dedupSize, dedupTTL),
		workers:  make(chan struct{}, workers),
	}
}

// Register sets the callback for a topic. A second registration for the
// same topic replaces the first.
func (d *Dispatcher) Register(topic string, h Handler) {
	d.mu.Lock()
	d.handlers[topic] = h
	d.mu.Unlock()
}

// Unregister removes the callback for a topic.
func (d *Dispatcher) Unregister(topic string) {
	d.mu.Lock()
	delete(d.handlers, topic)
	d.mu.Unlock()
}

// Topics returns the topics with registered callbacks.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	topics := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Dispatch delivers one message. Duplicates (by ID) are dropped
// silently; that is not an error. Returns true if the message was handed
// to a callback.
func (d *Dispatcher) Dispatch(msg *message.Message) bool {
	if !d.seen.add(msg.ID) {
		d.logger.DroppedDuplicate(msg.Topic, msg.ID)
		return false
	}

	d.mu.RLock()
	h, ok := d.handlers[msg.Topic]
	d.mu.RUnlock()
	if !ok {
		return false
	}

	d.workers <- struct{}{}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.workers }()
		defer func() {
			if r := recover(); r != nil {
				d.logger.CallbackError(msg.Topic, msg.ID, errors.RecoverPanic(r))
			}
		}()

		if err := h(msg); err != nil {
			d.logger.CallbackError(msg.Topic, msg.ID, err)
		}
	}()
	return true
}

// Run pumps a receive stream into Dispatch until the stream closes or
// the context is canceled.
func (d *Dispatcher) Run(ctx context.Context, in <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			d.Dispatch(msg)
		}
	}
}

// Wait blocks until all in-flight callbacks finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
