package game

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
)

const (
	playAgainRequired       = 2
	defaultPlayAgainTimeout = 30 * time.Second
)

var ErrNoPlayAgain = errors.New("play again is only available after a game ends")

// PlayAgainQuorum collects restart votes on an ended room. Once enough
// distinct online players vote inside the window, the game restarts with the
// room's current settings; otherwise the window lapses and votes reset.
type PlayAgainQuorum struct {
	store  store.Store
	hub    Broadcaster
	engine *Engine
	window time.Duration

	mu     sync.Mutex
	votes  map[string]map[string]bool
	timers map[string]*time.Timer
}

func NewPlayAgainQuorum(st store.Store, hub Broadcaster, engine *Engine) *PlayAgainQuorum {
	return &PlayAgainQuorum{
		store:  st,
		hub:    hub,
		engine: engine,
		window: defaultPlayAgainTimeout,
		votes:  make(map[string]map[string]bool),
		timers: make(map[string]*time.Timer),
	}
}

// SetWindow overrides the voting window. Used by tests.
func (p *PlayAgainQuorum) SetWindow(d time.Duration) {
	p.window = d
}

// Vote registers a restart vote. Voting again is idempotent. When the quorum
// is reached the game restarts immediately.
func (p *PlayAgainQuorum) Vote(ctx context.Context, roomID, uid string) error {
	var room models.Room
	err := p.store.Get(ctx, store.RoomPath(roomID), &room)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	if room.State != models.RoomStateEnded {
		return ErrNoPlayAgain
	}

	var player models.Player
	err = p.store.Get(ctx, store.PlayerPath(roomID, uid), &player)
	if errors.Is(err, store.ErrNotFound) {
		return errors.New("you are not in this room")
	}
	if err != nil {
		return err
	}
	if player.Role != models.RolePlayer {
		return errors.New("spectators cannot vote to play again")
	}

	online := p.countOnline(ctx, roomID)

	p.mu.Lock()
	if p.votes[roomID] == nil {
		p.votes[roomID] = make(map[string]bool)
	}
	// The window only runs while enough players are online to ever reach the
	// quorum; a solo voter's request just waits for company.
	if _, armed := p.timers[roomID]; !armed && online >= playAgainRequired {
		p.timers[roomID] = time.AfterFunc(p.window, func() { p.expire(roomID) })
	}
	p.votes[roomID][uid] = true
	count := len(p.votes[roomID])
	p.mu.Unlock()

	p.hub.BroadcastToRoom(roomID, models.EventPlayAgainStatus, models.PlayAgainStatusPayload{
		Votes:       count,
		TotalOnline: online,
		Required:    playAgainRequired,
	})

	if count < playAgainRequired || online < playAgainRequired {
		return nil
	}

	p.Clear(roomID)
	log.Printf("[PlayAgain] Quorum reached in room %s, restarting", roomID)
	if _, err := p.engine.StartGame(ctx, roomID, "", nil); err != nil {
		log.Printf("[PlayAgain] Restart failed in room %s: %v", roomID, err)
		p.hub.BroadcastToRoom(roomID, models.EventPlayAgainFailed, map[string]any{
			"reason": "could not restart the game",
		})
		return err
	}
	return nil
}

// RemoveVote drops a user's pending vote, typically on disconnect or leave.
func (p *PlayAgainQuorum) RemoveVote(ctx context.Context, roomID, uid string) {
	p.mu.Lock()
	room, ok := p.votes[roomID]
	if !ok || !room[uid] {
		p.mu.Unlock()
		return
	}
	delete(room, uid)
	count := len(room)
	p.mu.Unlock()

	if count == 0 {
		p.Clear(roomID)
	}

	p.hub.BroadcastToRoom(roomID, models.EventPlayAgainStatus, models.PlayAgainStatusPayload{
		Votes:       count,
		TotalOnline: p.countOnline(ctx, roomID),
		Required:    playAgainRequired,
	})
}

// Clear wipes all votes and the window timer for a room.
func (p *PlayAgainQuorum) Clear(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[roomID]; ok {
		t.Stop()
		delete(p.timers, roomID)
	}
	delete(p.votes, roomID)
}

func (p *PlayAgainQuorum) expire(roomID string) {
	p.mu.Lock()
	if _, ok := p.votes[roomID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.votes, roomID)
	delete(p.timers, roomID)
	p.mu.Unlock()

	log.Printf("[PlayAgain] Vote window lapsed in room %s", roomID)
	p.hub.BroadcastToRoom(roomID, models.EventPlayAgainFailed, map[string]any{
		"reason": "not enough players voted in time",
	})
}

func (p *PlayAgainQuorum) countOnline(ctx context.Context, roomID string) int {
	snaps, err := p.store.List(ctx, store.PlayersCollection(roomID))
	if err != nil {
		return 0
	}
	online := 0
	for _, snap := range snaps {
		var pl models.Player
		if snap.Decode(&pl) == nil && pl.Online && pl.Role == models.RolePlayer {
			online++
		}
	}
	return online
}
