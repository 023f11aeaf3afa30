package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noteloop/relay/internal/security"
)

const writeWait = 10 * time.Second

// Connection represents a single client stream. It carries at most one
// joined document at a time; the hub tracks that state.
type Connection struct {
	ID string

	ws   *websocket.Conn // nil when the connection is not backed by a socket
	send chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps a WebSocket connection.
func NewConnection(id string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:     id,
		ws:     ws,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// enqueue queues a frame for delivery without blocking. A slow or closed
// peer drops frames rather than stalling the room.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Terminate signals the connection to close. Safe to call more than once
// and from any goroutine. The write pump drains queued frames and then
// closes the socket, which also unblocks a pending read.
func (c *Connection) Terminate() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Ping sends a transport-level ping. Pongs refresh the presence heartbeat
// via the pong handler installed by ReadPump.
func (c *Connection) Ping() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadPump pumps frames from the socket into the hub. It runs cleanup when
// the socket closes for any reason, including mid-await cancellation.
func (c *Connection) ReadPump(h *Hub) {
	defer func() {
		h.Disconnect(c)
	}()

	c.ws.SetReadLimit(security.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		h.Touch(c)
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		h.HandleFrame(c, message)
	}
}

// WritePump pumps queued frames to the socket. On Terminate it drains the
// queue so a final error frame still reaches the client, then closes.
func (c *Connection) WritePump() {
	defer c.ws.Close()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.closed:
			for {
				select {
				case message := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}
