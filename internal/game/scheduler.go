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

// Phase identifies which countdown a timer backs.
type Phase string

const (
	PhaseTurn  Phase = "turn"
	PhaseSteal Phase = "steal"
)

type timerKey struct {
	roomID string
	phase  Phase
}

type timerEntry struct {
	timer      *time.Timer
	deadline   time.Time
	questionID string
	uid        string
}

// Scheduler owns the per-room phase timers. At most one timer exists per
// (room, phase); arming replaces any previous one. Each timer captures the
// question id and expected actor at arm time, and when it fires it re-reads
// the room and drops itself silently if the game has moved on.
type Scheduler struct {
	store  store.Store
	engine *Engine

	mu     sync.Mutex
	timers map[timerKey]*timerEntry

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(st store.Store, engine *Engine) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  st,
		engine: engine,
		timers: make(map[timerKey]*timerEntry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Arm schedules a timeout for the given phase, replacing any existing timer
// for the same (room, phase).
func (s *Scheduler) Arm(roomID string, phase Phase, questionID, uid string, d time.Duration) {
	key := timerKey{roomID: roomID, phase: phase}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
		delete(s.timers, key)
	}

	entry := &timerEntry{
		deadline:   time.Now().Add(d),
		questionID: questionID,
		uid:        uid,
	}
	entry.timer = time.AfterFunc(d, func() {
		s.fire(key, entry)
	})
	s.timers[key] = entry

	log.Printf("[Scheduler] Armed %s timer for room %s (question %s, uid %s, %s)",
		phase, roomID, questionID, uid, d)
}

// Cancel stops the timer for (room, phase) if one exists.
func (s *Scheduler) Cancel(roomID string, phase Phase) {
	key := timerKey{roomID: roomID, phase: phase}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.timers[key]; ok {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

// CancelAll stops every timer for a room.
func (s *Scheduler) CancelAll(roomID string) {
	s.Cancel(roomID, PhaseTurn)
	s.Cancel(roomID, PhaseSteal)
}

// Remaining reports the active phase timer for a room and its remaining
// seconds, rounded up. Used to rebuild the countdown on rejoin.
func (s *Scheduler) Remaining(roomID string) (Phase, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, phase := range []Phase{PhaseSteal, PhaseTurn} {
		if entry, ok := s.timers[timerKey{roomID: roomID, phase: phase}]; ok {
			left := time.Until(entry.deadline)
			if left < 0 {
				left = 0
			}
			return phase, int((left + time.Second - 1) / time.Second), true
		}
	}
	return "", 0, false
}

// ActiveTimers returns the total number of armed timers.
func (s *Scheduler) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and prevents callbacks from taking action. Called
// on shutdown before the rest of the server winds down.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

// fire runs when a timer elapses. It validates that the room is still in the
// state the timer was armed for before synthesizing a timeout submission; a
// stale timer is dropped without side effects.
func (s *Scheduler) fire(key timerKey, armed *timerEntry) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	s.mu.Lock()
	if current, ok := s.timers[key]; ok && current == armed {
		delete(s.timers, key)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	var room models.Room
	if err := s.store.Get(ctx, store.RoomPath(key.roomID), &room); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[Scheduler] Failed to load room %s on %s timeout: %v", key.roomID, key.phase, err)
		}
		return
	}
	if room.State != models.RoomStateActive {
		return
	}

	var q models.Question
	if err := s.store.Get(ctx, store.QuestionPath(key.roomID, room.CurrentQuestionDbIndex), &q); err != nil {
		log.Printf("[Scheduler] Failed to load current question for room %s: %v", key.roomID, err)
		return
	}
	if q.ID != armed.questionID {
		return
	}

	switch key.phase {
	case PhaseTurn:
		if room.CurrentTurnUID != armed.uid || room.CurrentStealAttempt != nil {
			return
		}
		log.Printf("[Scheduler] Turn timeout in room %s for %s", key.roomID, armed.uid)
		if _, err := s.engine.SubmitAnswer(ctx, key.roomID, armed.uid, armed.questionID, -1, true); err != nil {
			log.Printf("[Scheduler] Turn timeout handling failed for room %s: %v", key.roomID, err)
		}
	case PhaseSteal:
		if room.CurrentStealAttempt == nil || room.CurrentStealAttempt.StealerUID != armed.uid {
			return
		}
		log.Printf("[Scheduler] Steal timeout in room %s for %s", key.roomID, armed.uid)
		if _, err := s.engine.SubmitSteal(ctx, key.roomID, armed.uid, armed.questionID, -1, true); err != nil {
			log.Printf("[Scheduler] Steal timeout handling failed for room %s: %v", key.roomID, err)
		}
	}
}
