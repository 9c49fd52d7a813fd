package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
)

func TestConnect_UpsertsProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tracker.Connect(ctx, "alice", "conn-1", "Alice", "https://cdn.example/alice.png")

	var user models.User
	require.NoError(t, f.store.Get(ctx, store.UserPath("alice"), &user))
	assert.Equal(t, "Alice", user.DisplayName)
	assert.Equal(t, "https://cdn.example/alice.png", user.AvatarURL)
	require.NotNil(t, user.LastLogin)

	// Reconnecting with empty profile fields keeps the stored ones.
	f.tracker.Connect(ctx, "alice", "conn-2", "", "")
	require.NoError(t, f.store.Get(ctx, store.UserPath("alice"), &user))
	assert.Equal(t, "Alice", user.DisplayName)
}

func TestDisconnect_StaleConnectionIsIgnored(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	f.join(t, created.ID, "bob")
	ctx := context.Background()

	f.tracker.Connect(ctx, "bob", "conn-1", "bob", "")
	f.tracker.Connect(ctx, "bob", "conn-2", "bob", "") // reconnect replaces conn-1

	f.tracker.Disconnect(ctx, "bob", "conn-1", []string{created.ID})

	p := f.player(t, created.ID, "bob")
	assert.True(t, p.Online, "drop of a replaced connection must not touch room state")
}

func TestDisconnect_WaitingRoomIsFullLeave(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	f.join(t, created.ID, "bob")
	ctx := context.Background()

	f.tracker.Connect(ctx, "bob", "conn-1", "bob", "")
	f.tracker.Disconnect(ctx, "bob", "conn-1", []string{created.ID})

	var p models.Player
	assert.ErrorIs(t, f.store.Get(ctx, store.PlayerPath(created.ID, "bob"), &p), store.ErrNotFound)

	room := f.room(t, created.ID)
	assert.Equal(t, "alice", room.HostUID)
}

// A turn-taker dropping mid-game is marked offline and their turn times out,
// handing a steal to the next online player.
func TestDisconnect_TurnTakerOpensSteal(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	f.join(t, created.ID, "bob")
	f.join(t, created.ID, "carol")
	ctx := context.Background()
	_, err := f.engine.StartGame(ctx, created.ID, "alice", map[string]any{"questionsPerPlayer": 2})
	require.NoError(t, err)

	f.tracker.Connect(ctx, "alice", "conn-1", "alice", "")
	f.tracker.Disconnect(ctx, "alice", "conn-1", []string{created.ID})

	assert.False(t, f.player(t, created.ID, "alice").Online)
	assert.Equal(t, 1, f.hub.count(models.EventPlayerOffline))

	room := f.room(t, created.ID)
	require.NotNil(t, room.CurrentStealAttempt)
	assert.Equal(t, "bob", room.CurrentStealAttempt.StealerUID)
	assert.Equal(t, []string{"alice", "bob", "carol"}, room.ActiveTurnOrderUIDs,
		"disconnect must not trim the rotation")
}

func TestDisconnect_StealerForfeitsWindow(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	f.join(t, created.ID, "bob")
	f.join(t, created.ID, "carol")
	ctx := context.Background()
	_, err := f.engine.StartGame(ctx, created.ID, "alice", map[string]any{"questionsPerPlayer": 2})
	require.NoError(t, err)

	// Alice times out, putting bob in the steal window.
	_, err = f.engine.SubmitAnswer(ctx, created.ID, "alice", "0", -1, true)
	require.NoError(t, err)
	require.NotNil(t, f.room(t, created.ID).CurrentStealAttempt)

	f.tracker.Connect(ctx, "bob", "conn-1", "bob", "")
	f.tracker.Disconnect(ctx, "bob", "conn-1", []string{created.ID})

	room := f.room(t, created.ID)
	assert.Nil(t, room.CurrentStealAttempt, "steal window closes when the stealer drops")
	assert.Equal(t, models.RoomStateActive, room.State)
}

// ============================================================================
// REJOIN
// ============================================================================

func TestRejoin_WaitingRoomReinstatesPlayer(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	f.join(t, created.ID, "bob")
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, store.PlayerPath(created.ID, "bob"), map[string]any{
		"online": false,
	}))

	result, err := f.tracker.Rejoin(ctx, created.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RolePlayer, result.Role)
	assert.Equal(t, models.RoomStateWaiting, result.State)
	assert.Nil(t, result.Snapshot)
	assert.True(t, f.player(t, created.ID, "bob").Online)
}

func TestRejoin_ActiveGameBeforeSlotKeepsPlayerRole(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	f.join(t, created.ID, "bob")
	f.join(t, created.ID, "carol")
	ctx := context.Background()
	_, err := f.engine.StartGame(ctx, created.ID, "alice", map[string]any{"questionsPerPlayer": 2})
	require.NoError(t, err)

	// Carol drops while alice still holds the turn; her slot has not passed.
	f.tracker.Connect(ctx, "carol", "conn-1", "carol", "")
	f.tracker.Disconnect(ctx, "carol", "conn-1", []string{created.ID})

	result, err := f.tracker.Rejoin(ctx, created.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.RolePlayer, result.Role)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, "alice", result.Snapshot.TurnUID)
}

func TestRejoin_SlotPassedBecomesSpectator(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	f.join(t, created.ID, "bob")
	f.join(t, created.ID, "carol")
	ctx := context.Background()
	_, err := f.engine.StartGame(ctx, created.ID, "alice", map[string]any{
		"questionsPerPlayer": 2,
		"allowSteal":         false,
	})
	require.NoError(t, err)

	// Alice drops; without steals her timeout moves the turn straight to bob.
	f.tracker.Connect(ctx, "alice", "conn-1", "alice", "")
	f.tracker.Disconnect(ctx, "alice", "conn-1", []string{created.ID})
	require.Equal(t, "bob", f.room(t, created.ID).CurrentTurnUID)

	result, err := f.tracker.Rejoin(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RoleSpectator, result.Role, "a passed rotation slot is gone for this game")
	assert.Equal(t, models.RoleSpectator, f.player(t, created.ID, "alice").Role)
	assert.Equal(t, 1, f.hub.count(models.EventSpectating), "spectators get the live snapshot")
}

func TestRejoin_UnknownRoomAndStranger(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	ctx := context.Background()

	_, err := f.tracker.Rejoin(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = f.tracker.Rejoin(ctx, created.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestSnapshot_ReflectsLiveGame(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice")
	f.join(t, created.ID, "bob")
	ctx := context.Background()
	_, err := f.engine.StartGame(ctx, created.ID, "alice", map[string]any{"questionsPerPlayer": 2})
	require.NoError(t, err)

	snapshot, err := f.tracker.Snapshot(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", snapshot.TurnUID)
	assert.Equal(t, 1, snapshot.CurrentQuestionNum)
	assert.Equal(t, 4, snapshot.TotalQuestions)
	assert.Len(t, snapshot.Question.Options, 4)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 0}, snapshot.Scores)
	assert.Greater(t, snapshot.RemainingSec, 0, "an armed turn timer must surface its countdown")
}
