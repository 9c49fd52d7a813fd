package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
)

// Client represents one authenticated websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	ID          string // connection id, distinguishes reconnects
	UserID      string
	DisplayName string
	AvatarURL   string

	rooms map[string]bool

	sendMu sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, displayName, avatarURL string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		ID:          uuid.New().String(),
		UserID:      userID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		rooms:       make(map[string]bool),
	}
}

// Register registers the client with the hub.
func (c *Client) Register() {
	c.hub.register <- c
}

func (c *Client) roomList() []string {
	ids := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		ids = append(ids, roomID)
	}
	return ids
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Send queues an outbound frame, dropping the connection if its buffer is
// full. A frame for an already-dropped client is discarded; the guard keeps
// the queue write and the channel close from racing.
func (c *Client) Send(msg models.ServerMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Hub] Error marshaling message for %s: %v", c.UserID, err)
		return
	}

	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- raw:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		log.Printf("[Hub] Send buffer full for %s, dropping connection", c.UserID)
		c.conn.Close()
	}
}

// Ack replies to an inbound frame identified by seq.
func (c *Client) Ack(seq int64, ack models.Ack) {
	c.Send(models.ServerMessage{
		Type:      models.EventAck,
		Seq:       seq,
		Payload:   ack,
		Timestamp: time.Now(),
	})
}

// ReadPump pumps messages from the websocket connection to the dispatcher.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] WebSocket error for %s: %v", c.UserID, err)
			}
			break
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("[Hub] Error parsing message from %s: %v", c.UserID, err)
			continue
		}

		if msg.Type == models.EventPing {
			c.Send(models.ServerMessage{Type: models.EventPong, Timestamp: time.Now()})
			continue
		}

		if c.hub.onMessage != nil {
			c.hub.onMessage(c, msg)
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
