package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/agentcomm/message"
)

// MemoryStore implements Store in memory. Useful for testing and
// single-process scenarios.
type MemoryStore struct {
	mu     sync.RWMutex
	msgs   []*message.Message
	closed bool

	// failInsert forces Insert failures, for exercising the
	// fallback-unavailable path in tests.
	failInsert error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailInserts makes subsequent Insert calls return err. Pass nil to
// restore normal behavior.
func (s *MemoryStore) FailInserts(err error) {
	s.mu.Lock()
	s.failInsert = err
	s.mu.Unlock()
}

// Insert stores a message.
func (s *MemoryStore) Insert(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.failInsert != nil {
		return s.failInsert
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	copied := *msg
	s.msgs = append(s.msgs, &copied)
	return nil
}

// Query returns messages for an exact topic newer than the cursor,
// oldest first with priority as tiebreak, so cursor-driven consumers
// page through the whole backlog.
func (s *MemoryStore) Query(topic string, limit int, cursor time.Time) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 10
	}

	var matched []*message.Message
	for _, m := range s.msgs {
		if m.Topic != topic {
			continue
		}
		if !cursor.IsZero() && !m.CreatedAt.After(cursor) {
			continue
		}
		matched = append(matched, m)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].Priority.Rank() > matched[j].Priority.Rank()
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*message.Message, len(matched))
	for i, m := range matched {
		copied := *m
		out[i] = &copied
	}
	return out, nil
}

// Search returns messages whose content contains the query, newest first.
func (s *MemoryStore) Search(query string, limit int) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 10
	}

	queryLower := strings.ToLower(query)
	var matched []*message.Message
	for _, m := range s.msgs {
		if strings.Contains(strings.ToLower(m.Content), queryLower) {
			copied := *m
			matched = append(matched, &copied)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
