package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
)

func TestScheduler_ArmAndCancel(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	s := engine.Scheduler()

	s.Arm("r1", PhaseTurn, "0", "alice", 5*time.Second)
	assert.Equal(t, 1, s.ActiveTimers())

	s.Cancel("r1", PhaseTurn)
	assert.Equal(t, 0, s.ActiveTimers())
}

func TestScheduler_ArmReplacesExistingTimer(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	s := engine.Scheduler()

	s.Arm("r1", PhaseTurn, "0", "alice", 10*time.Second)
	s.Arm("r1", PhaseTurn, "1", "bob", 10*time.Second)
	assert.Equal(t, 1, s.ActiveTimers(), "same (room, phase) must hold at most one timer")

	s.Arm("r1", PhaseSteal, "1", "carol", 10*time.Second)
	assert.Equal(t, 2, s.ActiveTimers(), "different phases are independent")

	s.CancelAll("r1")
	assert.Equal(t, 0, s.ActiveTimers())
}

func TestScheduler_Remaining(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	s := engine.Scheduler()

	_, _, ok := s.Remaining("r1")
	assert.False(t, ok)

	s.Arm("r1", PhaseTurn, "0", "alice", 10*time.Second)
	phase, left, ok := s.Remaining("r1")
	require.True(t, ok)
	assert.Equal(t, PhaseTurn, phase)
	assert.InDelta(t, 10, left, 1)

	// A steal window shadows the turn countdown.
	s.Arm("r1", PhaseSteal, "0", "bob", 3*time.Second)
	phase, left, ok = s.Remaining("r1")
	require.True(t, ok)
	assert.Equal(t, PhaseSteal, phase)
	assert.InDelta(t, 3, left, 1)
}

// A fired turn timer synthesizes a timeout submission, opening a steal.
func TestScheduler_FireDrivesEngine(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	seedRoom(t, st, "r1", []string{"alice", "bob"})
	startTestGame(t, engine, "r1", "alice")

	s := engine.Scheduler()
	q0 := loadQuestionDoc(t, st, "r1", 0)

	// Replace the real turn timer with a short one for the same state.
	s.Arm("r1", PhaseTurn, q0.ID, "alice", 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return loadRoomDoc(t, st, "r1").CurrentStealAttempt != nil
	}, 2*time.Second, 20*time.Millisecond, "turn timeout should open a steal window")

	room := loadRoomDoc(t, st, "r1")
	assert.Equal(t, "bob", room.CurrentStealAttempt.StealerUID)
	assert.Equal(t, 1, rec.count(models.EventStealOpportunity))
}

// A timer armed for an older question is dropped without touching state.
func TestScheduler_StaleTimerIsFenced(t *testing.T) {
	engine, st, rec := newTestEngine(t)
	seedRoom(t, st, "r1", []string{"alice", "bob", "carol"})
	startTestGame(t, engine, "r1", "alice")

	s := engine.Scheduler()
	s.CancelAll("r1")

	// Question id "99" never matches the current question.
	s.Arm("r1", PhaseTurn, "99", "alice", 30*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	room := loadRoomDoc(t, st, "r1")
	assert.Equal(t, "alice", room.CurrentTurnUID)
	assert.Equal(t, 0, room.CurrentQuestionDbIndex)
	assert.Nil(t, room.CurrentStealAttempt)
	assert.Equal(t, 0, rec.count(models.EventStealOpportunity))

	// Same for a timer naming a uid that no longer holds the turn.
	q0 := loadQuestionDoc(t, st, "r1", 0)
	s.Arm("r1", PhaseTurn, q0.ID, "bob", 30*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Nil(t, loadRoomDoc(t, st, "r1").CurrentStealAttempt)
}

func TestScheduler_StopPreventsCallbacks(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	seedRoom(t, st, "r1", []string{"alice", "bob"})
	startTestGame(t, engine, "r1", "alice")

	s := engine.Scheduler()
	q0 := loadQuestionDoc(t, st, "r1", 0)
	s.Arm("r1", PhaseTurn, q0.ID, "alice", 30*time.Millisecond)
	s.Stop()

	time.Sleep(200 * time.Millisecond)
	assert.Nil(t, loadRoomDoc(t, st, "r1").CurrentStealAttempt, "no callback may run after Stop")
	assert.Equal(t, 0, s.ActiveTimers())
}
