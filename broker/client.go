package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentcomm/message"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 5 * time.Second

	// pongWait is how long a client may stay silent before its
	// connection is presumed dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings arrive in time.
	pingPeriod = (pongWait * 9) / 10

	// sendQueueSize buffers outbound frames per client.
	sendQueueSize = 64
)

// client is one connected agent on the broker side.
type client struct {
	srv      *Server
	conn     *websocket.Conn
	identity string

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(srv *Server, conn *websocket.Conn, identity string) *client {
	return &client{
		srv:      srv,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. A client whose queue is full is
// too slow to keep; it is closed rather than allowed to stall the fan-out.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.srv.logger.Warn("client send queue full, dropping connection", map[string]interface{}{
			"identity": c.identity,
		})
		c.close()
	}
}

// close tears the connection down once.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.srv.removeClient(c)
	})
}

// readPump consumes frames until the connection drops or misbehaves. A
// malformed frame is a protocol error: this connection is closed, other
// clients are unaffected.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := message.ParseEnvelope(data)
		if err != nil {
			c.srv.logger.Warn("protocol error, closing client", map[string]interface{}{
				"identity": c.identity,
				"error":    err.Error(),
			})
			return
		}
		c.srv.handleFrame(c, env)
	}
}

// writePump drains the send queue and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
