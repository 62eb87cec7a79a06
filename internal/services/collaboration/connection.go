package collaboration

import (
	"log"
	"sync/atomic"
	"time"

	"sketchroom/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Connection is one websocket participant in a room
type Connection struct {
	*models.Session
	conn  *websocket.Conn
	send  chan []byte
	relay *Relay

	lastActive atomic.Int64 // unix nanos
}

func newConnection(r *Relay, session *models.Session, conn *websocket.Conn) *Connection {
	c := &Connection{
		Session: session,
		conn:    conn,
		send:    make(chan []byte, r.sendBuffer),
		relay:   r,
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// hangUp closes the underlying socket; the read pump then unregisters
func (c *Connection) hangUp() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// LastActive is when the peer last sent a message or pong
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// ReadPump reads messages from the WebSocket connection
// Learning: Each connection has its own goroutine reading from the WebSocket,
// so one sender's messages reach the event loop in the order they were sent
func (c *Connection) ReadPump() {
	defer func() {
		c.relay.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.relay.receive(c, message) {
			return
		}
	}
}

// WritePump writes messages to the WebSocket connection
// Learning: Every message is its own text frame; receivers decode one
// message per frame
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
