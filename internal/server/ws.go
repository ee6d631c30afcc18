// internal/server/ws.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rewind/internal/scrub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local-only engine, origin checks belong to the proxy
	},
}

// clientMessage is what scrub clients send.
type clientMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// serverEvent wraps broadcast events pushed outside a scrub session.
type serverEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ErrClientBufferFull means the client's send buffer is saturated; the
// message is dropped rather than blocking the engine.
var ErrClientBufferFull = errors.New("client send buffer full")

// Client is one websocket connection. Writes flow through a buffered send
// channel drained by WritePump, so emitters never block on a slow socket.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

func (c *Client) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrClientBufferFull
	}
}

// SendEvent pushes a broadcast event to this client.
func (c *Client) SendEvent(eventType string, payload interface{}) error {
	return c.sendJSON(serverEvent{Type: eventType, Payload: payload})
}

// WritePump drains the send channel onto the socket.
func (c *Client) WritePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// Close releases the send channel; WritePump then closes the socket.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// clientEmitter adapts a Client to scrub.Emitter.
type clientEmitter struct {
	client *Client
}

func (e clientEmitter) EmitStateUpdate(u scrub.StateUpdate) error {
	return e.client.sendJSON(u)
}

func (e clientEmitter) EmitPreloadHint(h scrub.PreloadHint) error {
	return e.client.sendJSON(h)
}

// handleScrub upgrades the connection, opens a scrub session bound to it,
// and pumps cursor positions until the client goes away. Dropping the
// connection is the cancellation path; it never touches other sessions or
// the shared cache.
func (s *Server) handleScrub(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.New().String(), conn)

	s.clientsMu.Lock()
	s.clients[client.ID] = client
	s.clientsMu.Unlock()

	go client.WritePump()

	session := s.sessions.Create(clientEmitter{client})

	defer func() {
		s.sessions.Release(session)
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		client.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Str("client", client.ID).Msg("websocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Debug().Err(err).Msg("invalid scrub message")
			continue
		}
		if msg.Type != "scrub_position" {
			continue
		}
		if err := session.Position(time.UnixMilli(msg.Timestamp)); err != nil {
			return
		}
	}
}
