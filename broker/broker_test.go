package broker

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentcomm/config"
	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/message"
	"github.com/vinayprograms/agentcomm/transport"
)

func startBroker(t *testing.T) *Server {
	t.Helper()

	logger := logging.New()
	logger.SetOutput(io.Discard)

	srv := NewServer("127.0.0.1:0", logger)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func dialTransport(t *testing.T, srv *Server, identity string) *transport.WebSocketTransport {
	t.Helper()

	logger := logging.New()
	logger.SetOutput(io.Discard)

	cfg := config.Default()
	cfg.BrokerAddr = srv.Addr()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.AckTimeout = 2 * time.Second

	rt := transport.NewWebSocketTransport(cfg, logger)
	if err := rt.Connect(context.Background(), identity); err != nil {
		t.Fatalf("Connect %s: %v", identity, err)
	}
	t.Cleanup(func() { rt.Disconnect() })
	return rt
}

func TestSendReachesSubscriber(t *testing.T) {
	srv := startBroker(t)
	alice := dialTransport(t, srv, "alice")
	bob := dialTransport(t, srv, "bob")

	if err := bob.Subscribe("tasks"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sent := message.New("tasks", "alice", "hello bob", message.PriorityHigh)
	if err := alice.Send(context.Background(), sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-bob.Recv():
		if got.ID != sent.ID {
			t.Errorf("received message %s, want %s", got.ID, sent.ID)
		}
		if got.Sender != "alice" || got.Content != "hello bob" || got.Priority != message.PriorityHigh {
			t.Errorf("received message fields mangled: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the message")
	}
}

func TestSenderReceivesOwnEchoWhenSubscribed(t *testing.T) {
	srv := startBroker(t)
	alice := dialTransport(t, srv, "alice")

	if err := alice.Subscribe("tasks"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sent := message.New("tasks", "alice", "note to self", message.PriorityNormal)
	if err := alice.Send(context.Background(), sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The broker fans out to all subscribers including the sender; the
	// facade layer is responsible for filtering echoes.
	select {
	case got := <-alice.Recv():
		if got.ID != sent.ID || got.Sender != "alice" {
			t.Errorf("echo mismatch: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed sender never received its own message")
	}
}

func TestNonSubscriberReceivesNothing(t *testing.T) {
	srv := startBroker(t)
	alice := dialTransport(t, srv, "alice")
	bob := dialTransport(t, srv, "bob")

	if err := alice.Send(context.Background(), message.New("tasks", "alice", "into the void", message.PriorityNormal)); err != nil {
		t.Fatalf("Send with no subscribers: %v", err)
	}

	select {
	case got := <-bob.Recv():
		t.Fatalf("non-subscriber received %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := startBroker(t)
	alice := dialTransport(t, srv, "alice")
	bob := dialTransport(t, srv, "bob")

	if err := bob.Subscribe("tasks"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bob.Unsubscribe("tasks"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	if err := alice.Send(context.Background(), message.New("tasks", "alice", "after unsubscribe", message.PriorityNormal)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-bob.Recv():
		t.Fatalf("unsubscribed client received %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUpgradeRejectedWithoutIdentity(t *testing.T) {
	srv := startBroker(t)

	u := url.URL{Scheme: "ws", Host: srv.Addr(), Path: "/ws"}
	_, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err == nil {
		t.Fatal("upgrade succeeded without an identity")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 response, got %+v", resp)
	}
}

func TestMalformedFrameClosesThatClientOnly(t *testing.T) {
	srv := startBroker(t)

	u := url.URL{
		Scheme:   "ws",
		Host:     srv.Addr(),
		Path:     "/ws",
		RawQuery: "agent=mallory",
	}
	raw, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	bob := dialTransport(t, srv, "bob")
	if err := bob.Subscribe("tasks"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := raw.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The offending connection is closed by the broker.
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := raw.ReadMessage(); err == nil {
		t.Error("broker kept the connection open after a malformed frame")
	}

	// Other clients are unaffected.
	alice := dialTransport(t, srv, "alice")
	sent := message.New("tasks", "alice", "still works", message.PriorityNormal)
	if err := alice.Send(context.Background(), sent); err != nil {
		t.Fatalf("Send after protocol error elsewhere: %v", err)
	}
	select {
	case got := <-bob.Recv():
		if got.ID != sent.ID {
			t.Errorf("received %s, want %s", got.ID, sent.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy client stopped receiving")
	}
}

func TestNewConnectionReplacesOldForIdentity(t *testing.T) {
	srv := startBroker(t)

	first := dialTransport(t, srv, "alice")
	second := dialTransport(t, srv, "alice")

	// The first connection is closed by the broker.
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("old connection not closed when identity reconnected")
	}

	// The replacement connection works.
	if err := second.Subscribe("tasks"); err != nil {
		t.Fatalf("Subscribe on replacement connection: %v", err)
	}
}

func TestSendAckCorrelation(t *testing.T) {
	srv := startBroker(t)
	alice := dialTransport(t, srv, "alice")

	// Several sends in flight at once; each resolves via its own ack.
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			errs <- alice.Send(context.Background(), message.New("tasks", "alice", "payload", message.PriorityNormal))
		}()
	}
	for i := 0; i < 5; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("Send: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("send never resolved")
		}
	}
}
