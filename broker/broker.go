// Package broker implements the message broker side of the wire
// protocol: a WebSocket endpoint that accepts agent connections,
// tracks topic subscriptions and fans sent messages out to
// subscribers, acknowledging every client-initiated frame.
package broker

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/message"
)

// Server is the broker process. One instance serves many agents.
type Server struct {
	addr   string
	logger *logging.Logger

	upgrader websocket.Upgrader
	registry *registry

	mu      sync.Mutex
	clients map[string]*client // identity -> live connection
	httpSrv *http.Server
	ln      net.Listener
}

// NewServer creates a broker listening on addr once started.
func NewServer(addr string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New()
	}
	s := &Server{
		addr:   addr,
		logger: logger.WithComponent("broker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from arbitrary hosts.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: newRegistry(),
		clients:  make(map[string]*client),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins accepting connections. It returns once the listener is
// bound, so callers can connect immediately after.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("broker listening", map[string]interface{}{"addr": ln.Addr().String()})
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("broker serve failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and closes live clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleWS upgrades an agent connection. The agent's identity arrives
// as a query parameter on the upgrade request; an upgrade without one
// is rejected before any frame is exchanged.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("agent")
	if err := message.ValidateIdentity(identity); err != nil || identity == message.Broadcast {
		http.Error(w, "missing or invalid agent identity", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := newClient(s, conn, identity)
	s.addClient(c)

	s.logger.Info("agent connected", map[string]interface{}{"identity": identity})
	go c.writePump()
	go c.readPump()
}

// addClient registers a client. A new connection for an identity
// replaces and closes the previous one; an identity holds at most one.
func (s *Server) addClient(c *client) {
	s.mu.Lock()
	prev := s.clients[c.identity]
	s.clients[c.identity] = c
	s.mu.Unlock()

	if prev != nil {
		s.logger.Warn("replacing existing connection", map[string]interface{}{
			"identity": c.identity,
		})
		prev.close()
	}
}

// removeClient forgets a client and its subscriptions.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if s.clients[c.identity] == c {
		delete(s.clients, c.identity)
	}
	s.mu.Unlock()

	s.registry.drop(c)
	s.logger.Info("agent disconnected", map[string]interface{}{"identity": c.identity})
}

// handleFrame routes one parsed client frame.
func (s *Server) handleFrame(c *client, env *message.Envelope) {
	switch env.Type {
	case message.FrameSubscribe:
		s.registry.subscribe(env.Topic, c)
		s.ack(c, env)

	case message.FrameUnsubscribe:
		s.registry.unsubscribe(env.Topic, c)
		s.ack(c, env)

	case message.FrameSend:
		s.fanOut(c, env)
		s.ack(c, env)

	default:
		// Clients never initiate data or ack frames.
		s.logger.Warn("unexpected frame from client", map[string]interface{}{
			"identity": c.identity,
			"type":     string(env.Type),
		})
	}
}

// ack confirms a client frame by ID.
func (s *Server) ack(c *client, env *message.Envelope) {
	data, err := env.Ack().Marshal()
	if err != nil {
		return
	}
	c.enqueue(data)
}

// fanOut pushes a sent message to every subscriber of its topic as a
// data frame. The sender receives its own message too if subscribed;
// clients filter their own echoes.
func (s *Server) fanOut(sender *client, env *message.Envelope) {
	out := *env
	out.Type = message.FrameData
	out.From = sender.identity
	data, err := out.Marshal()
	if err != nil {
		s.logger.Error("marshal data frame", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, sub := range s.registry.subscribers(env.Topic) {
		sub.enqueue(data)
	}
}
