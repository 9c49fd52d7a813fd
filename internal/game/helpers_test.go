package game

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/trivia"
)

// recorder captures everything the engine broadcasts.
type recorder struct {
	mu     sync.Mutex
	frames []recordedFrame
}

type recordedFrame struct {
	RoomID  string
	UID     string
	Event   models.EventType
	Payload any
}

func (r *recorder) BroadcastToRoom(roomID string, event models.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recordedFrame{RoomID: roomID, Event: event, Payload: payload})
}

func (r *recorder) SendToUser(uid string, event models.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recordedFrame{UID: uid, Event: event, Payload: payload})
}

func (r *recorder) count(event models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event models.EventType) (recordedFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Event == event {
			return r.frames[i], true
		}
	}
	return recordedFrame{}, false
}

func makeItems(n int) []trivia.Item {
	items := make([]trivia.Item, n)
	for i := range items {
		items[i] = trivia.Item{
			Text:             fmt.Sprintf("Question %d?", i),
			CorrectAnswer:    fmt.Sprintf("right-%d", i),
			IncorrectAnswers: []string{"wrong-a", "wrong-b", "wrong-c"},
			Category:         "General Knowledge",
			Difficulty:       "easy",
		}
	}
	return items
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *recorder) {
	t.Helper()
	st := store.NewMemory()
	rec := &recorder{}
	engine := NewEngine(st, rec, &trivia.StaticSource{Items: makeItems(40)})
	t.Cleanup(engine.Scheduler().Stop)
	return engine, st, rec
}

// seedRoom creates a waiting room hosted by the first uid, with every uid as
// an online player.
func seedRoom(t *testing.T, st store.Store, roomID string, uids []string) {
	t.Helper()
	ctx := context.Background()

	room := models.Room{
		ID:                        roomID,
		Code:                      "ABCD23",
		HostUID:                   uids[0],
		State:                     models.RoomStateWaiting,
		CreatedAt:                 time.Now(),
		CurrentPlayerIndexInOrder: -1,
		GameSettings:              models.DefaultGameSettings(),
	}
	require.NoError(t, st.Set(ctx, store.RoomPath(roomID), room))

	for i, uid := range uids {
		player := models.Player{
			UID:       uid,
			Name:      uid,
			JoinOrder: i + 1,
			Online:    true,
			Role:      models.RolePlayer,
			JoinedAt:  time.Now(),
		}
		require.NoError(t, st.Set(ctx, store.PlayerPath(roomID, uid), player))
	}
}

func loadRoomDoc(t *testing.T, st store.Store, roomID string) models.Room {
	t.Helper()
	var room models.Room
	require.NoError(t, st.Get(context.Background(), store.RoomPath(roomID), &room))
	return room
}

func loadPlayerDoc(t *testing.T, st store.Store, roomID, uid string) models.Player {
	t.Helper()
	var p models.Player
	require.NoError(t, st.Get(context.Background(), store.PlayerPath(roomID, uid), &p))
	return p
}

func loadQuestionDoc(t *testing.T, st store.Store, roomID string, index int) models.Question {
	t.Helper()
	var q models.Question
	require.NoError(t, st.Get(context.Background(), store.QuestionPath(roomID, index), &q))
	return q
}

// startTestGame runs StartGame with one question per player and steals on.
func startTestGame(t *testing.T, engine *Engine, roomID, hostUID string) *models.GameSnapshot {
	t.Helper()
	snapshot, err := engine.StartGame(context.Background(), roomID, hostUID, map[string]any{
		"questionsPerPlayer": 1,
	})
	require.NoError(t, err)
	return snapshot
}
