package broker

import "sync"

// registry tracks which clients are subscribed to which topics.
type registry struct {
	mu     sync.RWMutex
	topics map[string]map[*client]struct{}
}

func newRegistry() *registry {
	return &registry{topics: make(map[string]map[*client]struct{})}
}

func (r *registry) subscribe(topic string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[*client]struct{})
		r.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

func (r *registry) unsubscribe(topic string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
}

// drop removes a client from every topic.
func (r *registry) drop(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, subs := range r.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
}

// subscribers snapshots the clients subscribed to a topic.
func (r *registry) subscribers(topic string) []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.topics[topic]
	out := make([]*client, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}
