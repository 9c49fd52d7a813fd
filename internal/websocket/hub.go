package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// MessageHandler receives every inbound client frame.
type MessageHandler func(client *Client, msg models.ClientMessage)

// DisconnectHandler receives the rooms a client belonged to when its
// connection dropped.
type DisconnectHandler func(client *Client, roomIDs []string)

// Hub maintains active websocket connections, room membership, and broadcasts.
// A connection carries one authenticated user and may be in many rooms over
// its life.
type Hub struct {
	clients    map[*Client]bool
	byUser     map[string]*Client
	rooms      map[string]map[*Client]bool
	broadcast  chan *BroadcastMessage
	direct     chan *DirectMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	onMessage    MessageHandler
	onDisconnect DisconnectHandler
}

// BroadcastMessage represents a message to be broadcast to a room.
type BroadcastMessage struct {
	RoomID  string
	Message models.ServerMessage
	Exclude string // optional uid to skip
}

// DirectMessage represents a message addressed to a single user.
type DirectMessage struct {
	UID     string
	Message models.ServerMessage
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]*Client),
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan *BroadcastMessage, 256),
		direct:     make(chan *DirectMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetHandlers wires the dispatcher callbacks. Must be called before Run.
func (h *Hub) SetHandlers(onMessage MessageHandler, onDisconnect DisconnectHandler) {
	h.onMessage = onMessage
	h.onDisconnect = onDisconnect
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("[Hub] Shutting down")
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case message := <-h.broadcast:
			h.broadcastToRoom(message)
		case message := <-h.direct:
			h.sendDirect(message)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	// A reconnect replaces any previous connection for the same user.
	if prev, ok := h.byUser[client.UserID]; ok && prev != client {
		h.dropClientLocked(prev)
	}
	h.clients[client] = true
	h.byUser[client.UserID] = client
	h.mu.Unlock()
	log.Printf("[Hub] Client %s connected (conn %s)", client.UserID, client.ID)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	roomIDs := client.roomList()
	h.dropClientLocked(client)
	h.mu.Unlock()

	log.Printf("[Hub] Client %s disconnected (was in %d rooms)", client.UserID, len(roomIDs))
	if h.onDisconnect != nil {
		h.onDisconnect(client, roomIDs)
	}
}

func (h *Hub) dropClientLocked(client *Client) {
	delete(h.clients, client)
	if h.byUser[client.UserID] == client {
		delete(h.byUser, client.UserID)
	}
	for roomID := range client.rooms {
		if members, ok := h.rooms[roomID]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	client.closeSend()
}

// JoinRoom adds the client to a room's broadcast group.
func (h *Hub) JoinRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
	client.rooms[roomID] = true
}

// LeaveRoom removes the client from a room's broadcast group.
func (h *Hub) LeaveRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// IsInRoom reports whether the client currently belongs to the room.
func (h *Hub) IsInRoom(client *Client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.rooms[roomID]
}

// broadcastToRoom runs on the hub loop. The write lock covers the whole fan
// out because a full send buffer drops the client, which mutates the maps.
func (h *Hub) broadcastToRoom(message *BroadcastMessage) {
	raw, err := json.Marshal(message.Message)
	if err != nil {
		log.Printf("[Hub] Error marshaling message: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[message.RoomID]
	if !ok {
		return
	}

	for client := range members {
		if message.Exclude != "" && client.UserID == message.Exclude {
			continue
		}
		select {
		case client.send <- raw:
		default:
			// Client send buffer is full, disconnect
			h.dropClientLocked(client)
		}
	}
}

// sendDirect runs on the hub loop, serialized with register/unregister so the
// target cannot be dropped mid-delivery.
func (h *Hub) sendDirect(message *DirectMessage) {
	h.mu.RLock()
	client, ok := h.byUser[message.UID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	client.Send(message.Message)
}

// BroadcastToRoom sends an event to every client in a room.
func (h *Hub) BroadcastToRoom(roomID string, event models.EventType, payload any) {
	h.broadcast <- &BroadcastMessage{
		RoomID: roomID,
		Message: models.ServerMessage{
			Type:      event,
			Payload:   payload,
			Timestamp: time.Now(),
		},
	}
}

// BroadcastToRoomExcept sends an event to every client in a room but one uid.
func (h *Hub) BroadcastToRoomExcept(roomID, excludeUID string, event models.EventType, payload any) {
	h.broadcast <- &BroadcastMessage{
		RoomID:  roomID,
		Exclude: excludeUID,
		Message: models.ServerMessage{
			Type:      event,
			Payload:   payload,
			Timestamp: time.Now(),
		},
	}
}

// SendToUser delivers an event to one user's connection, if connected. The
// delivery goes through the hub loop like broadcasts do.
func (h *Hub) SendToUser(uid string, event models.EventType, payload any) {
	h.direct <- &DirectMessage{
		UID: uid,
		Message: models.ServerMessage{
			Type:      event,
			Payload:   payload,
			Timestamp: time.Now(),
		},
	}
}

// RoomClientCount returns the number of connected clients in a room.
func (h *Hub) RoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// RoomUserIDs returns the uids currently connected in a room.
func (h *Hub) RoomUserIDs(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var uids []string
	for client := range h.rooms[roomID] {
		uids = append(uids, client.UserID)
	}
	return uids
}
