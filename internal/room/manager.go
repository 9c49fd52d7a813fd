// Package room manages room membership, host migration, settings, and player
// connectivity.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/game"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/registry"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomEnded      = errors.New("room has ended")
	ErrRoomFull       = errors.New("room is full")
	ErrSpectatorsFull = errors.New("spectator slots are full")
	ErrNotInRoom      = errors.New("you are not in this room")
	ErrNotHost        = errors.New("only the host can do that")
	ErrGameInProgress = errors.New("cannot change settings while a game is in progress")
)

// Manager owns membership mutations. Capacity checks and host migration run
// inside store transactions so concurrent joins and leaves stay consistent.
type Manager struct {
	store    store.Store
	registry *registry.Registry
	hub      game.Broadcaster
	engine   *game.Engine
}

func NewManager(st store.Store, reg *registry.Registry, hub game.Broadcaster, engine *game.Engine) *Manager {
	return &Manager{store: st, registry: reg, hub: hub, engine: engine}
}

// JoinResult reports how a join landed.
type JoinResult struct {
	Room      models.Room
	Player    models.Player
	Rejoined  bool
	Spectator bool
}

// LeaveResult tells the caller what follow-up the departure needs. When the
// leaver held the turn or an open steal, the caller synthesizes the matching
// timeout so the game advances.
type LeaveResult struct {
	RoomDeleted    bool
	RoomCode       string
	HostChanged    bool
	NewHostUID     string
	WasCurrentTurn bool
	WasStealer     bool
	QuestionID     string
}

// Join adds a user to a room, or marks an existing member online again. New
// joiners become players while the room is out of game and player slots
// remain, spectators otherwise.
func (m *Manager) Join(ctx context.Context, roomID, uid, name, avatarURL string) (*JoinResult, error) {
	var result JoinResult

	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		var room models.Room
		err := tx.Get(store.RoomPath(roomID), &room)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		result.Room = room
		if room.State == models.RoomStateEnded {
			return ErrRoomEnded
		}

		var existing models.Player
		err = tx.Get(store.PlayerPath(roomID, uid), &existing)
		if err == nil {
			existing.Online = true
			tx.Set(store.PlayerPath(roomID, uid), existing)
			result.Player = existing
			result.Rejoined = true
			result.Spectator = existing.Role == models.RoleSpectator
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		snaps, err := tx.List(store.PlayersCollection(roomID))
		if err != nil {
			return err
		}
		playerCount, spectatorCount := 0, 0
		for _, snap := range snaps {
			var p models.Player
			if err := snap.Decode(&p); err != nil {
				return err
			}
			if p.Role == models.RoleSpectator {
				spectatorCount++
			} else {
				playerCount++
			}
		}

		role := models.RolePlayer
		if room.State == models.RoomStateActive || playerCount >= models.MaxPlayers {
			role = models.RoleSpectator
		}
		if role == models.RoleSpectator && spectatorCount >= models.MaxSpectators {
			if room.State != models.RoomStateActive && playerCount >= models.MaxPlayers {
				return ErrRoomFull
			}
			return ErrSpectatorsFull
		}

		player := models.Player{
			UID:       uid,
			Name:      name,
			AvatarURL: avatarURL,
			JoinOrder: playerCount + spectatorCount + 1,
			Score:     0,
			Online:    true,
			Role:      role,
			JoinedAt:  time.Now(),
		}
		tx.Set(store.PlayerPath(roomID, uid), player)
		result.Player = player
		result.Spectator = role == models.RoleSpectator
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.hub.BroadcastToRoom(roomID, models.EventPlayerJoined, result.Player)
	m.BroadcastPlayerList(ctx, roomID)
	log.Printf("[Room] %s joined room %s as %s", uid, roomID, result.Player.Role)
	return &result, nil
}

// Leave removes a user from a room. The last member out deletes the room.
// voluntary distinguishes an explicit leave from a connection drop; only a
// voluntary leave trims the active turn order.
func (m *Manager) Leave(ctx context.Context, roomID, uid string, voluntary bool) (*LeaveResult, error) {
	var result LeaveResult

	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		result = LeaveResult{}

		var room models.Room
		err := tx.Get(store.RoomPath(roomID), &room)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}

		var leaver models.Player
		err = tx.Get(store.PlayerPath(roomID, uid), &leaver)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotInRoom
		}
		if err != nil {
			return err
		}

		if room.State == models.RoomStateActive {
			result.WasCurrentTurn = room.CurrentTurnUID == uid
			result.WasStealer = room.CurrentStealAttempt != nil && room.CurrentStealAttempt.StealerUID == uid
			result.QuestionID = strconv.Itoa(room.CurrentQuestionDbIndex)
		}

		tx.Delete(store.PlayerPath(roomID, uid))

		snaps, err := tx.List(store.PlayersCollection(roomID))
		if err != nil {
			return err
		}
		var remaining []models.Player
		for _, snap := range snaps {
			if snap.ID == uid {
				continue
			}
			var p models.Player
			if err := snap.Decode(&p); err != nil {
				return err
			}
			remaining = append(remaining, p)
		}

		if len(remaining) == 0 {
			tx.Delete(store.RoomPath(roomID))
			result.RoomDeleted = true
			result.RoomCode = room.Code
			return nil
		}

		updates := map[string]any{}

		if room.HostUID == uid {
			newHost, promote := pickNewHost(remaining)
			updates["hostUid"] = newHost.UID
			result.HostChanged = true
			result.NewHostUID = newHost.UID
			if promote {
				tx.Update(store.PlayerPath(roomID, newHost.UID), map[string]any{
					"role": models.RolePlayer,
				})
			}
		}

		if voluntary && room.State == models.RoomStateActive {
			if idx := indexOf(room.ActiveTurnOrderUIDs, uid); idx >= 0 {
				order := append([]string{}, room.ActiveTurnOrderUIDs[:idx]...)
				order = append(order, room.ActiveTurnOrderUIDs[idx+1:]...)
				updates["activeTurnOrderUids"] = order
				current := room.CurrentPlayerIndexInOrder
				if idx <= current {
					current--
				}
				if current < -1 {
					current = -1
				}
				updates["currentPlayerIndexInOrder"] = current
			}
		}

		if len(updates) > 0 {
			tx.Update(store.RoomPath(roomID), updates)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.RoomDeleted {
		if err := m.store.DeleteCollection(ctx, store.PlayersCollection(roomID)); err != nil {
			log.Printf("[Room] Failed to clean players of deleted room %s: %v", roomID, err)
		}
		if err := m.store.DeleteCollection(ctx, store.QuestionsCollection(roomID)); err != nil {
			log.Printf("[Room] Failed to clean questions of deleted room %s: %v", roomID, err)
		}
		if err := m.registry.ReleaseCode(ctx, result.RoomCode); err != nil {
			log.Printf("[Room] Failed to release code %s: %v", result.RoomCode, err)
		}
		m.engine.ForgetRoom(roomID)
		log.Printf("[Room] Room %s deleted (last member %s left)", roomID, uid)
		return &result, nil
	}

	m.hub.BroadcastToRoom(roomID, models.EventPlayerLeft, map[string]any{
		"uid":         uid,
		"newHostUid":  result.NewHostUID,
		"hostChanged": result.HostChanged,
	})
	m.BroadcastPlayerList(ctx, roomID)
	log.Printf("[Room] %s left room %s (hostChanged=%v)", uid, roomID, result.HostChanged)
	return &result, nil
}

// UpdateSettings merges a settings patch on a waiting room. Host only.
func (m *Manager) UpdateSettings(ctx context.Context, roomID, uid string, patch map[string]any) (models.GameSettings, error) {
	var merged models.GameSettings

	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		var room models.Room
		err := tx.Get(store.RoomPath(roomID), &room)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if room.HostUID != uid {
			return ErrNotHost
		}
		if room.State == models.RoomStateActive {
			return ErrGameInProgress
		}

		merged, err = game.ValidateSettings(room.GameSettings, patch)
		if err != nil {
			return err
		}
		tx.Update(store.RoomPath(roomID), map[string]any{"gameSettings": merged})
		return nil
	})
	if err != nil {
		return models.GameSettings{}, err
	}

	m.BroadcastPlayerList(ctx, roomID)
	return merged, nil
}

// ListPlayersSorted returns the room's members ordered by join order.
func (m *Manager) ListPlayersSorted(ctx context.Context, roomID string) ([]models.Player, error) {
	snaps, err := m.store.List(ctx, store.PlayersCollection(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	players := make([]models.Player, 0, len(snaps))
	for _, snap := range snaps {
		var p models.Player
		if err := snap.Decode(&p); err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].JoinOrder < players[j].JoinOrder })
	return players, nil
}

// BroadcastPlayerList pushes the authoritative roster to everyone in the room.
func (m *Manager) BroadcastPlayerList(ctx context.Context, roomID string) {
	var room models.Room
	if err := m.store.Get(ctx, store.RoomPath(roomID), &room); err != nil {
		return
	}
	players, err := m.ListPlayersSorted(ctx, roomID)
	if err != nil {
		return
	}
	settings := room.GameSettings
	m.hub.BroadcastToRoom(roomID, models.EventUpdatePlayerList, models.PlayerListPayload{
		Players:      players,
		HostUID:      room.HostUID,
		RoomState:    room.State,
		GameSettings: &settings,
	})
}

// pickNewHost chooses the migration target: first online player, then any
// player, then the first online spectator, then whoever is left. The second
// return reports whether the pick needs promoting to player.
func pickNewHost(remaining []models.Player) (models.Player, bool) {
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].JoinOrder < remaining[j].JoinOrder })

	for _, p := range remaining {
		if p.Role == models.RolePlayer && p.Online {
			return p, false
		}
	}
	for _, p := range remaining {
		if p.Role == models.RolePlayer {
			return p, false
		}
	}
	for _, p := range remaining {
		if p.Online {
			return p, true
		}
	}
	return remaining[0], true
}

func indexOf(order []string, uid string) int {
	for i, u := range order {
		if u == uid {
			return i
		}
	}
	return -1
}
