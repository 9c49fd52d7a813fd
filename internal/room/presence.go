package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/game"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
)

const presenceTTL = 7 * 24 * time.Hour

// Tracker reconciles connection lifecycle with room state. It maps each uid
// to its live connection id so that a stale disconnect (from a connection the
// user already replaced) is ignored.
type Tracker struct {
	store   store.Store
	redis   *redis.Client
	hub     game.Broadcaster
	manager *Manager
	engine  *game.Engine
	quorum  *game.PlayAgainQuorum

	mu    sync.Mutex
	conns map[string]string // uid -> connection id
}

func NewTracker(st store.Store, redisClient *redis.Client, hub game.Broadcaster, manager *Manager, engine *game.Engine, quorum *game.PlayAgainQuorum) *Tracker {
	return &Tracker{
		store:   st,
		redis:   redisClient,
		hub:     hub,
		manager: manager,
		engine:  engine,
		quorum:  quorum,
		conns:   make(map[string]string),
	}
}

// Connect records the user's live connection and upserts their profile.
func (t *Tracker) Connect(ctx context.Context, uid, connID, displayName, avatarURL string) {
	t.mu.Lock()
	t.conns[uid] = connID
	t.mu.Unlock()

	now := time.Now()
	var user models.User
	err := t.store.Get(ctx, store.UserPath(uid), &user)
	if errors.Is(err, store.ErrNotFound) {
		user = models.User{UID: uid, CreatedAt: now}
	} else if err != nil {
		log.Printf("[Tracker] Failed to load profile for %s: %v", uid, err)
		return
	}
	if displayName != "" {
		user.DisplayName = displayName
	}
	if avatarURL != "" {
		user.AvatarURL = avatarURL
	}
	user.LastLogin = &now
	if err := t.store.Set(ctx, store.UserPath(uid), user); err != nil {
		log.Printf("[Tracker] Failed to upsert profile for %s: %v", uid, err)
	}

	if t.redis != nil {
		key := "presence:lastLogin:" + uid
		if err := t.redis.Set(ctx, key, now.Format(time.RFC3339), presenceTTL).Err(); err != nil {
			log.Printf("[Tracker] Failed to mirror presence for %s: %v", uid, err)
		}
	}
}

// Disconnect reconciles a dropped connection against every room the user was
// in. A connection id that no longer matches the tracked one means the user
// already reconnected, and the drop is ignored.
func (t *Tracker) Disconnect(ctx context.Context, uid, connID string, roomIDs []string) {
	t.mu.Lock()
	current, ok := t.conns[uid]
	if ok && current != connID {
		t.mu.Unlock()
		log.Printf("[Tracker] Ignoring stale disconnect for %s (conn %s)", uid, connID)
		return
	}
	delete(t.conns, uid)
	t.mu.Unlock()

	for _, roomID := range roomIDs {
		t.reconcileDisconnect(ctx, roomID, uid)
	}
}

func (t *Tracker) reconcileDisconnect(ctx context.Context, roomID, uid string) {
	var room models.Room
	err := t.store.Get(ctx, store.RoomPath(roomID), &room)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("[Tracker] Failed to load room %s on disconnect: %v", roomID, err)
		return
	}

	if room.State != models.RoomStateActive {
		t.quorum.RemoveVote(ctx, roomID, uid)
		if _, err := t.manager.Leave(ctx, roomID, uid, false); err != nil && !errors.Is(err, ErrNotInRoom) {
			log.Printf("[Tracker] Leave on disconnect failed for %s in %s: %v", uid, roomID, err)
		}
		return
	}

	err = t.store.Update(ctx, store.PlayerPath(roomID, uid), map[string]any{"online": false})
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("[Tracker] Failed to mark %s offline in %s: %v", uid, roomID, err)
		return
	}

	t.hub.BroadcastToRoom(roomID, models.EventPlayerOffline, map[string]any{"uid": uid})
	t.manager.BroadcastPlayerList(ctx, roomID)
	log.Printf("[Tracker] %s went offline in active room %s", uid, roomID)

	questionID := strconv.Itoa(room.CurrentQuestionDbIndex)
	switch {
	case room.CurrentStealAttempt != nil && room.CurrentStealAttempt.StealerUID == uid:
		if _, err := t.engine.SubmitSteal(ctx, roomID, uid, questionID, -1, true); err != nil {
			log.Printf("[Tracker] Synthesized steal timeout failed for %s in %s: %v", uid, roomID, err)
		}
	case room.CurrentStealAttempt == nil && room.CurrentTurnUID == uid:
		if _, err := t.engine.SubmitAnswer(ctx, roomID, uid, questionID, -1, true); err != nil {
			log.Printf("[Tracker] Synthesized turn timeout failed for %s in %s: %v", uid, roomID, err)
		}
	}
}

// RejoinResult carries what the dispatcher replies to a game:rejoin.
type RejoinResult struct {
	Role     models.Role
	State    models.RoomState
	Snapshot *models.GameSnapshot
}

// Rejoin re-attaches a returning user to a room. While a game is active, a
// player whose rotation slot has already passed comes back as a spectator
// for the rest of the instance.
func (t *Tracker) Rejoin(ctx context.Context, roomID, uid string) (*RejoinResult, error) {
	var room models.Room
	err := t.store.Get(ctx, store.RoomPath(roomID), &room)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}

	var player models.Player
	err = t.store.Get(ctx, store.PlayerPath(roomID, uid), &player)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInRoom
	}
	if err != nil {
		return nil, err
	}

	role := player.Role
	if room.State == models.RoomStateActive {
		role = t.rejoinRole(&room, uid)
	} else {
		role = models.RolePlayer
	}

	updates := map[string]any{"online": true}
	if role != player.Role {
		updates["role"] = role
	}
	if err := t.store.Update(ctx, store.PlayerPath(roomID, uid), updates); err != nil {
		return nil, fmt.Errorf("failed to reinstate %s: %w", uid, err)
	}

	t.hub.BroadcastToRoom(roomID, models.EventPlayerRejoined, map[string]any{"uid": uid, "role": role})
	t.manager.BroadcastPlayerList(ctx, roomID)

	result := &RejoinResult{Role: role, State: room.State}
	if room.State == models.RoomStateActive {
		snapshot, err := t.snapshot(ctx, &room)
		if err != nil {
			return nil, err
		}
		result.Snapshot = snapshot
		if role == models.RoleSpectator {
			t.hub.SendToUser(uid, models.EventSpectating, snapshot)
		}
	}
	log.Printf("[Tracker] %s rejoined room %s as %s", uid, roomID, role)
	return result, nil
}

// rejoinRole decides whether a returning uid is still a player this game. Not
// in the turn order means late entrant; a slot at or before the current index
// (without holding the turn) means the rotation moved past them.
func (t *Tracker) rejoinRole(room *models.Room, uid string) models.Role {
	idx := -1
	for i, u := range room.ActiveTurnOrderUIDs {
		if u == uid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.RoleSpectator
	}
	if idx < room.CurrentPlayerIndexInOrder {
		return models.RoleSpectator
	}
	if idx == room.CurrentPlayerIndexInOrder && room.CurrentTurnUID != uid {
		return models.RoleSpectator
	}
	return models.RolePlayer
}

// Snapshot builds the current game picture for a room, for spectators
// attaching mid-game.
func (t *Tracker) Snapshot(ctx context.Context, roomID string) (*models.GameSnapshot, error) {
	var room models.Room
	err := t.store.Get(ctx, store.RoomPath(roomID), &room)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return t.snapshot(ctx, &room)
}

func (t *Tracker) snapshot(ctx context.Context, room *models.Room) (*models.GameSnapshot, error) {
	var q models.Question
	err := t.store.Get(ctx, store.QuestionPath(room.ID, room.CurrentQuestionDbIndex), &q)
	if err != nil {
		return nil, fmt.Errorf("failed to load current question: %w", err)
	}

	players, err := t.manager.ListPlayersSorted(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]int, len(players))
	for _, p := range players {
		if p.Role == models.RolePlayer {
			scores[p.UID] = p.Score
		}
	}

	snapshot := &models.GameSnapshot{
		RoomID:             room.ID,
		HostUID:            room.HostUID,
		Question:           q.View(),
		TurnUID:            room.CurrentTurnUID,
		TurnTimeoutSec:     room.GameSettings.TurnTimeoutSec,
		CurrentQuestionNum: room.CurrentQuestionDbIndex + 1,
		TotalQuestions:     room.QuestionCount,
		Scores:             scores,
		Players:            players,
		GameSettings:       room.GameSettings,
		StealAttempt:       room.CurrentStealAttempt,
	}
	if room.CurrentStealAttempt != nil {
		snapshot.StealTimeoutSec = room.GameSettings.StealTimeoutSec
	}
	if _, remaining, ok := t.engine.Scheduler().Remaining(room.ID); ok {
		snapshot.RemainingSec = remaining
	}
	return snapshot, nil
}
