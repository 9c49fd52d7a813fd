package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Memory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewMemory()
	return New(st, client), st, mr
}

func TestCreateRoom_CommitsRoomCodeAndHost(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()

	room, err := reg.CreateRoom(ctx, "alice", "Alice", "https://cdn.example/alice.png")
	require.NoError(t, err)

	assert.Len(t, room.Code, codeLength)
	for _, c := range room.Code {
		assert.True(t, strings.ContainsRune(codeCharset, c), "code %q uses char outside charset", room.Code)
	}
	assert.Equal(t, models.RoomStateWaiting, room.State)
	assert.Equal(t, "alice", room.HostUID)
	assert.Equal(t, -1, room.CurrentPlayerIndexInOrder)
	assert.Equal(t, models.DefaultGameSettings(), room.GameSettings)

	var stored models.Room
	require.NoError(t, st.Get(ctx, store.RoomPath(room.ID), &stored))
	assert.Equal(t, room.Code, stored.Code)

	var host models.Player
	require.NoError(t, st.Get(ctx, store.PlayerPath(room.ID, "alice"), &host))
	assert.Equal(t, models.RolePlayer, host.Role)
	assert.Equal(t, 1, host.JoinOrder)
	assert.True(t, host.Online)

	var idx codeIndex
	require.NoError(t, st.Get(ctx, store.RoomCodePath(room.Code), &idx))
	assert.Equal(t, room.ID, idx.RoomID)
}

func TestLookupByCode(t *testing.T) {
	reg, _, mr := newTestRegistry(t)
	ctx := context.Background()

	room, err := reg.CreateRoom(ctx, "alice", "Alice", "")
	require.NoError(t, err)

	roomID, err := reg.LookupByCode(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, roomID)

	cached, err := mr.Get(codeCacheKey(room.Code))
	require.NoError(t, err)
	assert.Equal(t, room.ID, cached, "creation primes the code cache")

	_, err = reg.LookupByCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLookupByCode_ServedFromCacheAfterStoreLoss(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()

	room, err := reg.CreateRoom(ctx, "alice", "Alice", "")
	require.NoError(t, err)

	// The cached entry answers even when the index document is gone.
	require.NoError(t, st.Delete(ctx, store.RoomCodePath(room.Code)))
	roomID, err := reg.LookupByCode(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, roomID)
}

func TestReleaseCode(t *testing.T) {
	reg, st, mr := newTestRegistry(t)
	ctx := context.Background()

	room, err := reg.CreateRoom(ctx, "alice", "Alice", "")
	require.NoError(t, err)

	require.NoError(t, reg.ReleaseCode(ctx, room.Code))

	assert.False(t, mr.Exists(codeCacheKey(room.Code)), "cache entry must be evicted")
	var idx codeIndex
	assert.ErrorIs(t, st.Get(ctx, store.RoomCodePath(room.Code), &idx), store.ErrNotFound)

	_, err = reg.LookupByCode(ctx, room.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

// A code claimed by a concurrent creation loses the transaction; none of the
// loser's writes land.
func TestCreateRoom_CodeClaimIsTransactional(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, store.RoomCodePath("ABCDEF"), codeIndex{RoomID: "someone-else"}))

	claim := &models.Room{ID: "new-room", HostUID: "alice", State: models.RoomStateWaiting}
	host := models.Player{UID: "alice", Role: models.RolePlayer, JoinOrder: 1}
	err := reg.commitWithCode(ctx, claim, host, "ABCDEF")
	assert.ErrorIs(t, err, errCodeTaken)

	var idx codeIndex
	require.NoError(t, st.Get(ctx, store.RoomCodePath("ABCDEF"), &idx))
	assert.Equal(t, "someone-else", idx.RoomID, "the first claimant keeps the code")

	var stored models.Room
	assert.ErrorIs(t, st.Get(ctx, store.RoomPath("new-room"), &stored), store.ErrNotFound)
}

func TestCreateRoom_CodesAreUnique(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		room, err := reg.CreateRoom(ctx, "host", "Host", "")
		require.NoError(t, err)
		assert.False(t, seen[room.Code], "code %s issued twice", room.Code)
		seen[room.Code] = true
	}
}

func TestRegistryWorksWithoutRedis(t *testing.T) {
	reg := New(store.NewMemory(), nil)
	ctx := context.Background()

	room, err := reg.CreateRoom(ctx, "alice", "Alice", "")
	require.NoError(t, err)

	roomID, err := reg.LookupByCode(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, roomID)
	require.NoError(t, reg.ReleaseCode(ctx, room.Code))
}
