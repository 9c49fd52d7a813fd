package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/game"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/registry"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/room"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/trivia"
	ws "github.com/dev-simeon/multiplayer-quiz-game-server/internal/websocket"
)

// newDispatchServer wires the full stack behind a bare upgrade handler that
// takes the uid from a query param, so dispatcher behavior can be exercised
// over a real websocket without the auth endpoints.
func newDispatchServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.NewMemory()
	hub := ws.NewHub()

	items := make([]trivia.Item, 40)
	for i := range items {
		items[i] = trivia.Item{Text: "q", CorrectAnswer: "right", IncorrectAnswers: []string{"a", "b", "c"}}
	}
	engine := game.NewEngine(st, hub, &trivia.StaticSource{Items: items})
	t.Cleanup(engine.Scheduler().Stop)
	quorum := game.NewPlayAgainQuorum(st, hub, engine)
	reg := registry.New(st, nil)
	manager := room.NewManager(st, reg, hub, engine)
	tracker := room.NewTracker(st, nil, hub, manager, engine, quorum)
	dispatcher := NewDispatcher(reg, manager, tracker, engine, quorum, hub, "test")
	hub.SetHandlers(dispatcher.HandleMessage, dispatcher.HandleDisconnect)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		uid := r.URL.Query().Get("uid")
		client := ws.NewClient(hub, conn, uid, uid, "")
		tracker.Connect(r.Context(), uid, client.ID, uid, "")
		client.Register()
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(srv.Close)
	return srv
}

type wsBot struct {
	t       *testing.T
	conn    *gws.Conn
	seq     int64
	pending []models.ServerMessage
}

func dialBot(t *testing.T, srv *httptest.Server, uid string) *wsBot {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?uid=" + uid
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsBot{t: t, conn: conn}
}

func (b *wsBot) send(event models.EventType, payload any) int64 {
	b.seq++
	raw, err := json.Marshal(payload)
	require.NoError(b.t, err)
	require.NoError(b.t, b.conn.WriteJSON(models.ClientMessage{Type: event, Seq: b.seq, Payload: raw}))
	return b.seq
}

// next returns the oldest undelivered frame, reading from the connection when
// the queue is empty. Frames inside one websocket message are newline
// separated.
func (b *wsBot) next() models.ServerMessage {
	for len(b.pending) == 0 {
		b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := b.conn.ReadMessage()
		require.NoError(b.t, err)
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			var m models.ServerMessage
			require.NoError(b.t, json.Unmarshal(part, &m))
			b.pending = append(b.pending, m)
		}
	}
	m := b.pending[0]
	b.pending = b.pending[1:]
	return m
}

func (b *wsBot) ack(seq int64) models.Ack {
	for i := 0; i < 50; i++ {
		m := b.next()
		if m.Type != models.EventAck || m.Seq != seq {
			continue
		}
		raw, err := json.Marshal(m.Payload)
		require.NoError(b.t, err)
		var ack models.Ack
		require.NoError(b.t, json.Unmarshal(raw, &ack))
		return ack
	}
	b.t.Fatalf("no ack for seq %d", seq)
	return models.Ack{}
}

func (b *wsBot) call(event models.EventType, payload any) models.Ack {
	return b.ack(b.send(event, payload))
}

func (b *wsBot) event(event models.EventType) models.ServerMessage {
	for i := range b.pending {
		if b.pending[i].Type == event {
			m := b.pending[i]
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return m
		}
	}
	for i := 0; i < 50; i++ {
		if m := b.next(); m.Type == event {
			return m
		}
	}
	b.t.Fatalf("no %s frame received", event)
	return models.ServerMessage{}
}

// Chat relays go out under their own event types, not as generic server
// notices, so clients can tell room chat, DMs, and notices apart.
func TestDispatcher_ChatFramesKeepTheirEventTypes(t *testing.T) {
	srv := newDispatchServer(t)
	alice := dialBot(t, srv, "alice")
	bob := dialBot(t, srv, "bob")

	created := alice.call(models.EventCreateRoom, models.CreateRoomPayload{PlayerName: "Alice"})
	require.Equal(t, "ok", created.Status)
	data := created.Data.(map[string]any)
	roomID := data["roomId"].(string)
	code := data["roomCode"].(string)

	joined := bob.call(models.EventJoinRoom, models.JoinRoomPayload{RoomCode: code, PlayerName: "Bob"})
	require.Equal(t, "ok", joined.Status)

	ack := alice.call(models.EventLobbyMessage, models.LobbyMessagePayload{RoomID: roomID, Message: "salut à tous"})
	require.Equal(t, "ok", ack.Status)

	frame := bob.event(models.EventLobbyMessage)
	chat := frame.Payload.(map[string]any)
	assert.Equal(t, "alice", chat["fromUid"])
	assert.Equal(t, "salut à tous", chat["message"])

	ack = alice.call(models.EventPrivateMessage, models.PrivateMessagePayload{ToUID: "bob", Message: "entre nous"})
	require.Equal(t, "ok", ack.Status)

	frame = bob.event(models.EventPrivateMessage)
	assert.Equal(t, "entre nous", frame.Payload.(map[string]any)["message"])
}

func TestDispatcher_ChatLimitCountsRunes(t *testing.T) {
	srv := newDispatchServer(t)
	alice := dialBot(t, srv, "alice")

	created := alice.call(models.EventCreateRoom, models.CreateRoomPayload{PlayerName: "Alice"})
	require.Equal(t, "ok", created.Status)
	roomID := created.Data.(map[string]any)["roomId"].(string)

	// 500 two-byte runes are within the limit even though len() sees 1000.
	ack := alice.call(models.EventLobbyMessage, models.LobbyMessagePayload{
		RoomID:  roomID,
		Message: strings.Repeat("é", maxChatLength),
	})
	assert.Equal(t, "ok", ack.Status)

	ack = alice.call(models.EventLobbyMessage, models.LobbyMessagePayload{
		RoomID:  roomID,
		Message: strings.Repeat("é", maxChatLength+1),
	})
	assert.Equal(t, "error", ack.Status)
	assert.Equal(t, "invalid-message", ack.Code)
}
