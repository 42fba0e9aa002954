// Package message defines the unit of agent-to-agent communication and the
// wire envelope exchanged with the broker.
package message

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the recipient identity addressing every subscriber of a
// topic.
const Broadcast = "*"

// Common errors.
var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrInvalidIdentity = errors.New("invalid agent identity")
	ErrEmptyContent    = errors.New("empty content")
)

// Priority orders messages in the fallback store. It does not affect
// realtime delivery order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// priorityRank maps priorities to a sortable weight.
var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank returns the numeric weight of the priority. Unknown priorities
// rank as normal.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// ParsePriority converts a string to a Priority, defaulting to normal
// for unknown values.
func ParsePriority(s string) Priority {
	p := Priority(s)
	if _, ok := priorityRank[p]; ok {
		return p
	}
	return PriorityNormal
}

// Message is the unit of communication between agents. The same schema is
// used by both the realtime and fallback transports, so consumers cannot
// distinguish origin transport from content.
type Message struct {
	// ID is a globally unique identifier, assigned at creation.
	ID string `json:"id"`

	// Topic is the logical channel this message is addressed to.
	Topic string `json:"topic"`

	// Sender is the identity of the originating agent.
	Sender string `json:"sender"`

	// Recipient optionally names a target agent on a shared topic.
	Recipient string `json:"recipient,omitempty"`

	// Content is the opaque text payload.
	Content string `json:"content"`

	// Priority affects fallback-store ordering.
	Priority Priority `json:"priority"`

	// CreatedAt is set once at creation.
	CreatedAt time.Time `json:"created_at"`

	// DeliveryAttempts counts delivery attempts made for this message.
	DeliveryAttempts int `json:"delivery_attempts,omitempty"`
}

// New creates a message with a fresh ID and timestamp.
func New(topic, sender, content string, priority Priority) *Message {
	if priority == "" {
		priority = PriorityNormal
	}
	return &Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Sender:    sender,
		Content:   content,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks required fields.
func (m *Message) Validate() error {
	if err := ValidateTopic(m.Topic); err != nil {
		return err
	}
	if err := ValidateIdentity(m.Sender); err != nil {
		return err
	}
	if m.Recipient != "" {
		if err := ValidateIdentity(m.Recipient); err != nil {
			return err
		}
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	return nil
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a message from JSON.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateTopic checks that a topic is usable as a routing key.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	return nil
}

// ValidateIdentity checks an agent identity. "*" is allowed for broadcast.
func ValidateIdentity(id string) error {
	if id == Broadcast {
		return nil
	}
	if id == "" {
		return ErrInvalidIdentity
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return ErrInvalidIdentity
		}
	}
	return nil
}
