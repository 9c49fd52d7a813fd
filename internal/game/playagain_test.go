package game

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
)

// endedRoom seeds a room that just finished a game.
func endedRoom(t *testing.T, st store.Store, engine *Engine, roomID string, uids []string) {
	t.Helper()
	seedRoom(t, st, roomID, uids)
	ctx := context.Background()
	startTestGame(t, engine, roomID, uids[0])

	// Drive the game to its end: every turn answered correctly in order.
	for {
		room := loadRoomDoc(t, st, roomID)
		if room.State != models.RoomStateActive {
			return
		}
		q := loadQuestionDoc(t, st, roomID, room.CurrentQuestionDbIndex)
		_, err := engine.SubmitAnswer(ctx, roomID, room.CurrentTurnUID, q.ID, q.CorrectIndex, false)
		require.NoError(t, err)
	}
}

func TestPlayAgain_QuorumRestartsGame(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	quorum := NewPlayAgainQuorum(st, rec, engine)
	endedRoom(t, st, engine, "r1", []string{"alice", "bob", "carol"})
	ctx := context.Background()

	require.NoError(t, quorum.Vote(ctx, "r1", "alice"))
	status, ok := rec.last(models.EventPlayAgainStatus)
	require.True(t, ok)
	payload := status.Payload.(models.PlayAgainStatusPayload)
	assert.Equal(t, 1, payload.Votes)
	assert.Equal(t, 3, payload.TotalOnline)
	assert.Equal(t, 2, payload.Required)

	// Second distinct vote reaches the quorum and restarts.
	require.NoError(t, quorum.Vote(ctx, "r1", "bob"))

	room := loadRoomDoc(t, st, "r1")
	assert.Equal(t, models.RoomStateActive, room.State)
	assert.Equal(t, 2, rec.count(models.EventGameStarted), "one per game start")
	assert.Equal(t, 0, loadPlayerDoc(t, st, "r1", "alice").Score, "scores reset on restart")
}

func TestPlayAgain_DuplicateVoteIsIdempotent(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	quorum := NewPlayAgainQuorum(st, rec, engine)
	endedRoom(t, st, engine, "r1", []string{"alice", "bob"})
	ctx := context.Background()

	require.NoError(t, quorum.Vote(ctx, "r1", "alice"))
	require.NoError(t, quorum.Vote(ctx, "r1", "alice"))

	assert.Equal(t, models.RoomStateEnded, loadRoomDoc(t, st, "r1").State, "one voter cannot restart alone")
	status, _ := rec.last(models.EventPlayAgainStatus)
	assert.Equal(t, 1, status.Payload.(models.PlayAgainStatusPayload).Votes)
}

func TestPlayAgain_WindowLapse(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	quorum := NewPlayAgainQuorum(st, rec, engine)
	quorum.SetWindow(50 * time.Millisecond)
	endedRoom(t, st, engine, "r1", []string{"alice", "bob"})
	ctx := context.Background()

	require.NoError(t, quorum.Vote(ctx, "r1", "alice"))

	require.Eventually(t, func() bool {
		return rec.count(models.EventPlayAgainFailed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.RoomStateEnded, loadRoomDoc(t, st, "r1").State)

	// Votes are wiped; a fresh vote starts a new window from one.
	require.NoError(t, quorum.Vote(ctx, "r1", "bob"))
	status, _ := rec.last(models.EventPlayAgainStatus)
	assert.Equal(t, 1, status.Payload.(models.PlayAgainStatusPayload).Votes)
	quorum.Clear("r1")
}

// A lone online player's vote must not start the lapse countdown.
func TestPlayAgain_NoWindowBelowOnlineQuorum(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	quorum := NewPlayAgainQuorum(st, rec, engine)
	quorum.SetWindow(50 * time.Millisecond)
	endedRoom(t, st, engine, "r1", []string{"alice", "bob"})
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, store.PlayerPath("r1", "bob"), map[string]any{"online": false}))
	require.NoError(t, quorum.Vote(ctx, "r1", "alice"))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, rec.count(models.EventPlayAgainFailed),
		"no window runs while the room cannot reach quorum")
	quorum.Clear("r1")
}

func TestPlayAgain_NoRestartBelowOnlineQuorum(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	quorum := NewPlayAgainQuorum(st, rec, engine)
	endedRoom(t, st, engine, "r1", []string{"alice", "bob"})
	ctx := context.Background()

	require.NoError(t, quorum.Vote(ctx, "r1", "alice"))
	require.NoError(t, st.Update(ctx, store.PlayerPath("r1", "bob"), map[string]any{"online": false}))
	require.NoError(t, quorum.Vote(ctx, "r1", "bob"))

	assert.Equal(t, models.RoomStateEnded, loadRoomDoc(t, st, "r1").State,
		"two votes with one player online must not restart")
	quorum.Clear("r1")
}

// Withdrawing the last pending vote tears the window down, so a lapse is
// never announced for a room with nothing pending.
func TestPlayAgain_RemoveLastVoteClearsWindow(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	quorum := NewPlayAgainQuorum(st, rec, engine)
	quorum.SetWindow(50 * time.Millisecond)
	endedRoom(t, st, engine, "r1", []string{"alice", "bob"})
	ctx := context.Background()

	require.NoError(t, quorum.Vote(ctx, "r1", "alice"))
	quorum.RemoveVote(ctx, "r1", "alice")

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, rec.count(models.EventPlayAgainFailed))

	// A later vote starts over from one.
	require.NoError(t, quorum.Vote(ctx, "r1", "bob"))
	status, _ := rec.last(models.EventPlayAgainStatus)
	assert.Equal(t, 1, status.Payload.(models.PlayAgainStatusPayload).Votes)
	quorum.Clear("r1")
}

func TestPlayAgain_Guards(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	quorum := NewPlayAgainQuorum(st, rec, engine)
	seedRoom(t, st, "r1", []string{"alice", "bob"})
	ctx := context.Background()

	// Waiting room: nothing to replay.
	assert.ErrorIs(t, quorum.Vote(ctx, "r1", "alice"), ErrNoPlayAgain)

	startTestGame(t, engine, "r1", "alice")
	assert.ErrorIs(t, quorum.Vote(ctx, "r1", "alice"), ErrNoPlayAgain)

	assert.ErrorIs(t, quorum.Vote(ctx, "missing", "alice"), ErrRoomNotFound)
}

func TestPlayAgain_RemoveVote(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	quorum := NewPlayAgainQuorum(st, rec, engine)
	endedRoom(t, st, engine, "r1", []string{"alice", "bob", "carol"})
	ctx := context.Background()

	require.NoError(t, quorum.Vote(ctx, "r1", "alice"))
	quorum.RemoveVote(ctx, "r1", "alice")

	require.NoError(t, quorum.Vote(ctx, "r1", "bob"))
	assert.Equal(t, models.RoomStateEnded, loadRoomDoc(t, st, "r1").State, "removed vote must not count toward quorum")
	quorum.Clear("r1")
}
