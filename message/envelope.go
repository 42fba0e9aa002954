package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType identifies the kind of envelope on the broker connection.
type FrameType string

const (
	// FrameSubscribe registers interest in a topic.
	FrameSubscribe FrameType = "subscribe"

	// FrameUnsubscribe withdraws interest in a topic.
	FrameUnsubscribe FrameType = "unsubscribe"

	// FrameSend carries a message from a client to the broker.
	FrameSend FrameType = "send"

	// FrameData carries a broker-initiated push to a subscriber.
	FrameData FrameType = "data"

	// FrameAck acknowledges a send frame, correlated by message ID.
	FrameAck FrameType = "ack"
)

// Envelope is the wire record exchanged with the broker over the
// persistent connection.
type Envelope struct {
	Type      FrameType `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Priority  Priority  `json:"priority,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Marshal serializes the envelope to JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes and validates a wire frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch e.Type {
	case FrameSubscribe, FrameUnsubscribe:
		if e.Topic == "" {
			return nil, fmt.Errorf("malformed frame: %s without topic", e.Type)
		}
	case FrameSend, FrameData:
		if e.Topic == "" || e.ID == "" {
			return nil, fmt.Errorf("malformed frame: %s without topic or id", e.Type)
		}
	case FrameAck:
		if e.ID == "" {
			return nil, fmt.Errorf("malformed frame: ack without id")
		}
	default:
		return nil, fmt.Errorf("malformed frame: unknown type %q", e.Type)
	}
	return &e, nil
}

// ToEnvelope wraps a message in a frame of the given type.
func ToEnvelope(t FrameType, m *Message) *Envelope {
	return &Envelope{
		Type:      t,
		Topic:     m.Topic,
		From:      m.Sender,
		To:        m.Recipient,
		ID:        m.ID,
		Content:   m.Content,
		Priority:  m.Priority,
		Timestamp: m.CreatedAt,
	}
}

// ToMessage extracts the message carried by a send or data frame.
func (e *Envelope) ToMessage() *Message {
	return &Message{
		ID:        e.ID,
		Topic:     e.Topic,
		Sender:    e.From,
		Recipient: e.To,
		Content:   e.Content,
		Priority:  e.Priority,
		CreatedAt: e.Timestamp,
	}
}

// Ack builds the acknowledgment frame for a received send frame.
func (e *Envelope) Ack() *Envelope {
	return &Envelope{
		Type:      FrameAck,
		ID:        e.ID,
		Timestamp: time.Now().UTC(),
	}
}
