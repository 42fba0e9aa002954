package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vinayprograms/agentcomm/errors"
	"github.com/vinayprograms/agentcomm/message"
	"github.com/vinayprograms/agentcomm/store"
)

func newFallback(t *testing.T) (*FallbackTransport, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	ft := NewFallbackTransport(st)
	if err := ft.Connect(context.Background(), "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ft.Disconnect() })
	return ft, st
}

func TestFallbackSendPersists(t *testing.T) {
	ft, st := newFallback(t)

	msg := message.New("tasks", "alice", "durable", message.PriorityNormal)
	if err := ft.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.DeliveryAttempts != 1 {
		t.Errorf("DeliveryAttempts = %d, want 1", msg.DeliveryAttempts)
	}
	if st.Len() != 1 {
		t.Errorf("store has %d messages, want 1", st.Len())
	}
}

func TestFallbackSendStoreFailure(t *testing.T) {
	ft, st := newFallback(t)
	st.FailInserts(fmt.Errorf("disk full"))

	err := ft.Send(context.Background(), message.New("tasks", "alice", "lost", message.PriorityNormal))
	if !errors.Is(err, errors.ErrCodeFallbackUnavailable) {
		t.Errorf("got %v, want FALLBACK_UNAVAILABLE", err)
	}
}

func TestFallbackPollAdvancesCursor(t *testing.T) {
	ft, st := newFallback(t)
	if err := ft.Subscribe("tasks"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	st.Insert(message.New("tasks", "bob", "one", message.PriorityNormal))
	st.Insert(message.New("tasks", "bob", "two", message.PriorityNormal))

	first, err := ft.Poll("tasks", 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first poll returned %d messages, want 2", len(first))
	}

	second, err := ft.Poll("tasks", 10)
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second poll re-delivered %d messages, want 0", len(second))
	}
}

func TestFallbackPollDrainsBacklogLargerThanLimit(t *testing.T) {
	ft, st := newFallback(t)
	if err := ft.Subscribe("tasks"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	base := time.Now().UTC()
	pending := make(map[string]bool, 5)
	for i := 0; i < 5; i++ {
		m := message.New("tasks", "bob", "queued", message.PriorityNormal)
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		pending[m.ID] = true
		st.Insert(m)
	}

	// A limit smaller than the backlog must not strand older messages.
	for i := 0; i < 4; i++ {
		page, err := ft.Poll("tasks", 2)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		for _, m := range page {
			if !pending[m.ID] {
				t.Fatalf("message %s delivered twice", m.ID)
			}
			delete(pending, m.ID)
		}
	}
	if len(pending) != 0 {
		t.Errorf("%d of 5 pending messages never delivered via Poll", len(pending))
	}
}

func TestFallbackPollTopicIsolation(t *testing.T) {
	ft, st := newFallback(t)

	st.Insert(message.New("tasks", "bob", "in scope", message.PriorityNormal))
	st.Insert(message.New("alerts", "bob", "out of scope", message.PriorityNormal))

	msgs, err := ft.Poll("tasks", 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Topic != "tasks" {
		t.Errorf("poll leaked across topics: %+v", msgs)
	}
}

func TestFallbackRecvNeverYields(t *testing.T) {
	ft, st := newFallback(t)
	st.Insert(message.New("tasks", "bob", "stored", message.PriorityNormal))

	select {
	case m := <-ft.Recv():
		t.Fatalf("fallback Recv yielded %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFallbackDisconnectedOperations(t *testing.T) {
	ft, _ := newFallback(t)

	ft.Disconnect()
	ft.Disconnect() // idempotent

	if err := ft.Send(context.Background(), message.New("tasks", "alice", "late", message.PriorityNormal)); !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("Send after disconnect: got %v, want CLOSED", err)
	}
	if _, err := ft.Poll("tasks", 10); !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("Poll after disconnect: got %v, want CLOSED", err)
	}
}

func TestFallbackRejectsBadInput(t *testing.T) {
	ft, _ := newFallback(t)

	if err := ft.Subscribe(""); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Subscribe empty topic: got %v, want INVALID_INPUT", err)
	}

	bad := NewFallbackTransport(store.NewMemoryStore())
	if err := bad.Connect(context.Background(), "no spaces allowed"); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Connect bad identity: got %v, want INVALID_INPUT", err)
	}
}
