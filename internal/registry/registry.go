// Package registry maps human room codes to room ids and owns room creation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
)

// Excludes I, O, 0 and 1 to keep codes unambiguous when read aloud.
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength      = 6
	maxCodeAttempts = 8
	codeCacheTTL    = 24 * time.Hour
)

var (
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique room code")
	ErrRoomNotFound       = errors.New("room not found")

	errCodeTaken = errors.New("room code already claimed")
)

// Registry creates rooms and resolves room codes. Redis caches code lookups;
// the document store is the source of truth.
type Registry struct {
	store store.Store
	redis *redis.Client

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(st store.Store, redisClient *redis.Client) *Registry {
	return &Registry{
		store: st,
		redis: redisClient,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type codeIndex struct {
	RoomID string `json:"roomId"`
}

// CreateRoom allocates a room with a unique code and commits the room
// document, the code index, and the host's player record in one transaction.
func (r *Registry) CreateRoom(ctx context.Context, hostUID, displayName, avatarURL string) (*models.Room, error) {
	now := time.Now()
	room := &models.Room{
		ID:                        uuid.New().String(),
		HostUID:                   hostUID,
		State:                     models.RoomStateWaiting,
		CreatedAt:                 now,
		CurrentPlayerIndexInOrder: -1,
		GameSettings:              models.DefaultGameSettings(),
	}
	host := models.Player{
		UID:       hostUID,
		Name:      displayName,
		AvatarURL: avatarURL,
		JoinOrder: 1,
		Score:     0,
		Online:    true,
		Role:      models.RolePlayer,
		JoinedAt:  now,
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := r.generateCode()
		err := r.commitWithCode(ctx, room, host, code)
		if errors.Is(err, errCodeTaken) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create room: %w", err)
		}
		r.cacheCode(ctx, code, room.ID)
		log.Printf("[Registry] Created room %s (code %s) hosted by %s", room.ID, code, hostUID)
		return room, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// commitWithCode claims the code index and writes the room and host records in
// the same transaction, so two concurrent creations can never share a code.
func (r *Registry) commitWithCode(ctx context.Context, room *models.Room, host models.Player, code string) error {
	room.Code = code
	return r.store.RunTransaction(ctx, func(tx store.Tx) error {
		var idx codeIndex
		err := tx.Get(store.RoomCodePath(code), &idx)
		if err == nil {
			return errCodeTaken
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		tx.Set(store.RoomPath(room.ID), room)
		tx.Set(store.RoomCodePath(code), codeIndex{RoomID: room.ID})
		tx.Set(store.PlayerPath(room.ID, host.UID), host)
		return nil
	})
}

// LookupByCode resolves a room code to a room id.
func (r *Registry) LookupByCode(ctx context.Context, code string) (string, error) {
	if r.redis != nil {
		if roomID, err := r.redis.Get(ctx, codeCacheKey(code)).Result(); err == nil && roomID != "" {
			return roomID, nil
		}
	}

	var idx codeIndex
	err := r.store.Get(ctx, store.RoomCodePath(code), &idx)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrRoomNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up code %s: %w", code, err)
	}

	r.cacheCode(ctx, code, idx.RoomID)
	return idx.RoomID, nil
}

// ReleaseCode removes the code index once a room is destroyed.
func (r *Registry) ReleaseCode(ctx context.Context, code string) error {
	if r.redis != nil {
		if err := r.redis.Del(ctx, codeCacheKey(code)).Err(); err != nil {
			log.Printf("[Registry] Failed to evict cached code %s: %v", code, err)
		}
	}
	return r.store.Delete(ctx, store.RoomCodePath(code))
}

func (r *Registry) generateCode() string {
	code := make([]byte, codeLength)
	r.rngMu.Lock()
	for i := range code {
		code[i] = codeCharset[r.rng.Intn(len(codeCharset))]
	}
	r.rngMu.Unlock()
	return string(code)
}

func (r *Registry) cacheCode(ctx context.Context, code, roomID string) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Set(ctx, codeCacheKey(code), roomID, codeCacheTTL).Err(); err != nil {
		log.Printf("[Registry] Failed to cache code %s: %v", code, err)
	}
}

func codeCacheKey(code string) string {
	return "roomcode:" + code
}
