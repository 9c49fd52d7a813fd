package game

import "sync"

// roomLocks hands out one mutex per room so every state transition for a room
// runs serialized, whether it came from a client frame, a timer, or a
// disconnect.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*sync.Mutex)}
}

func (r *roomLocks) get(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[roomID] = lock
	}
	return lock
}

func (r *roomLocks) forget(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, roomID)
}
