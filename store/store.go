// Package store provides the durable message store backing the fallback
// transport.
//
// The store serves two logically separate capabilities: exact-topic,
// recency-ordered polling (the reliability fallback) and content-similarity
// search (a recall convenience). Similarity-ranked retrieval is never a
// substitute for topic polling; the two use separate query paths.
package store

import (
	"errors"
	"time"

	"github.com/vinayprograms/agentcomm/message"
)

// Common errors.
var (
	ErrClosed = errors.New("store closed")
)

// Store persists messages for poll-based fallback consumption.
type Store interface {
	// Insert durably writes a message. Returns only after the record
	// is persisted.
	Insert(msg *message.Message) error

	// Query returns up to limit messages for an exact topic, created
	// after the cursor, oldest first with priority as tiebreak. The
	// ascending order lets a cursor-driven consumer page through a
	// backlog larger than limit without skipping records.
	Query(topic string, limit int, cursor time.Time) ([]*message.Message, error)

	// Search returns messages whose content is similar to the query,
	// most relevant first.
	Search(query string, limit int) ([]*message.Message, error)

	// Close releases resources.
	Close() error
}
