package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/trivia"
)

// Broadcaster is the slice of the websocket hub the engine needs. The hub
// satisfies it; tests substitute a recorder.
type Broadcaster interface {
	BroadcastToRoom(roomID string, event models.EventType, payload any)
	SendToUser(uid string, event models.EventType, payload any)
}

// Engine drives the turn/steal state machine. All entry points serialize per
// room, so client frames, timer callbacks, and disconnect handling never
// interleave for the same room.
type Engine struct {
	store     store.Store
	hub       Broadcaster
	source    trivia.Source
	scheduler *Scheduler
	locks     *roomLocks

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewEngine(st store.Store, hub Broadcaster, source trivia.Source) *Engine {
	e := &Engine{
		store:  st,
		hub:    hub,
		source: source,
		locks:  newRoomLocks(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.scheduler = NewScheduler(st, e)
	return e
}

// Scheduler exposes the engine's timer scheduler for shutdown and rejoin.
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// ForgetRoom releases the room's lock entry after the room is destroyed.
func (e *Engine) ForgetRoom(roomID string) {
	e.scheduler.CancelAll(roomID)
	e.locks.forget(roomID)
}

// ============================================================================
// GAME START
// ============================================================================

// StartGame validates, fetches and shuffles questions, seeds the turn order,
// and arms the first turn timer. Works from both waiting and ended rooms;
// only an active room refuses.
func (e *Engine) StartGame(ctx context.Context, roomID, callerUID string, settingsPatch map[string]any) (*models.GameSnapshot, error) {
	lock := e.locks.get(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := e.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.State == models.RoomStateActive {
		return nil, ErrGameInProgress
	}
	if callerUID != "" && callerUID != room.HostUID {
		return nil, errors.New("only the host can start the game")
	}

	settings := room.GameSettings
	if len(settingsPatch) > 0 {
		settings, err = ValidateSettings(settings, settingsPatch)
		if err != nil {
			return nil, err
		}
	}

	players, byUID, err := e.loadPlayers(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var participants []models.Player
	for _, p := range players {
		if p.Online && p.Role == models.RolePlayer {
			participants = append(participants, p)
		}
	}
	if len(participants) < 2 {
		return nil, ErrNotEnoughPlayers
	}

	questionCount := len(participants) * settings.QuestionsPerPlayer
	items, err := e.source.Fetch(ctx, questionCount)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch questions: %w", err)
	}
	if len(items) < questionCount {
		return nil, ErrNotEnoughQuestions
	}

	questions := make([]models.Question, questionCount)
	for i := 0; i < questionCount; i++ {
		questions[i] = e.buildQuestion(i, items[i])
	}

	order := make([]string, len(participants))
	for i, p := range participants {
		order[i] = p.UID
	}
	firstUID := order[0]
	now := time.Now()

	// Stale questions from a previous round must not leak into this one.
	if err := e.store.DeleteCollection(ctx, store.QuestionsCollection(roomID)); err != nil {
		return nil, fmt.Errorf("failed to clear previous questions: %w", err)
	}

	err = e.store.RunBatch(ctx, func(b store.Writer) error {
		for i, q := range questions {
			b.Set(store.QuestionPath(roomID, i), q)
		}
		for _, p := range participants {
			b.Update(store.PlayerPath(roomID, p.UID), map[string]any{"score": 0})
		}
		b.Update(store.RoomPath(roomID), map[string]any{
			"state":                     models.RoomStateActive,
			"startedAt":                 now,
			"questionCount":             questionCount,
			"currentQuestionDbIndex":    0,
			"currentTurnUid":            firstUID,
			"activeTurnOrderUids":       order,
			"currentPlayerIndexInOrder": 0,
			"currentStealAttempt":       nil,
			"gameSettings":              settings,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start game: %w", err)
	}

	scores := make(map[string]int, len(participants))
	for _, p := range participants {
		scores[p.UID] = 0
		if cached, ok := byUID[p.UID]; ok {
			cached.Score = 0
		}
	}

	e.scheduler.Arm(roomID, PhaseTurn, questions[0].ID, firstUID,
		time.Duration(settings.TurnTimeoutSec)*time.Second)

	views := make([]models.QuestionView, questionCount)
	for i, q := range questions {
		views[i] = q.View()
	}

	snapshot := &models.GameSnapshot{
		RoomID:             roomID,
		HostUID:            room.HostUID,
		Question:           questions[0].View(),
		TurnUID:            firstUID,
		TurnTimeoutSec:     settings.TurnTimeoutSec,
		CurrentQuestionNum: 1,
		TotalQuestions:     questionCount,
		Scores:             scores,
		Players:            players,
		GameSettings:       settings,
		Questions:          views,
	}

	e.hub.BroadcastToRoom(roomID, models.EventGameStarted, snapshot)
	log.Printf("[Engine] Game started in room %s: %d players, %d questions, first turn %s",
		roomID, len(participants), questionCount, firstUID)
	return snapshot, nil
}

func (e *Engine) buildQuestion(index int, item trivia.Item) models.Question {
	options := make([]string, 0, len(item.IncorrectAnswers)+1)
	options = append(options, item.CorrectAnswer)
	options = append(options, item.IncorrectAnswers...)

	correctIndex := 0
	e.rngMu.Lock()
	e.rng.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
		switch correctIndex {
		case i:
			correctIndex = j
		case j:
			correctIndex = i
		}
	})
	e.rngMu.Unlock()

	return models.Question{
		ID:           strconv.Itoa(index),
		Text:         item.Text,
		Options:      options,
		CorrectIndex: correctIndex,
		Category:     item.Category,
		Difficulty:   item.Difficulty,
	}
}

// ============================================================================
// ANSWER SUBMISSION
// ============================================================================

// SubmitAnswer resolves the current turn-taker's answer. isTimeout marks a
// timer-synthesized submission; stale timer submissions resolve to a
// NoActionTaken outcome, while out-of-turn client submissions are errors.
func (e *Engine) SubmitAnswer(ctx context.Context, roomID, uid, questionID string, answerIndex int, isTimeout bool) (*models.AnswerOutcome, error) {
	lock := e.locks.get(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := e.loadRoom(ctx, roomID)
	if err != nil {
		if isTimeout && errors.Is(err, ErrRoomNotFound) {
			return noAction(), nil
		}
		return nil, err
	}
	if room.State != models.RoomStateActive {
		if isTimeout {
			return noAction(), nil
		}
		return nil, ErrGameNotActive
	}
	if room.CurrentStealAttempt != nil {
		// Turn already resolved into a steal window.
		if isTimeout {
			return noAction(), nil
		}
		return nil, ErrNotYourTurn
	}
	if room.CurrentTurnUID != uid {
		if isTimeout {
			return noAction(), nil
		}
		return nil, ErrNotYourTurn
	}

	q, err := e.loadQuestion(ctx, room, room.CurrentQuestionDbIndex)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return noAction(), nil
	}
	if q.ID != questionID {
		// A past question's id means the submission raced the advance.
		return noAction(), nil
	}

	e.scheduler.Cancel(roomID, PhaseTurn)

	players, byUID, err := e.loadPlayers(ctx, roomID)
	if err != nil {
		return nil, err
	}

	correct := !isTimeout && answerIndex == q.CorrectIndex
	if correct {
		newScore, err := e.bumpScore(ctx, room, byUID, uid, 1)
		if err != nil {
			return nil, err
		}
		e.hub.BroadcastToRoom(roomID, models.EventAnswerResult, map[string]any{
			"uid":          uid,
			"questionId":   q.ID,
			"correct":      true,
			"correctIndex": q.CorrectIndex,
		})
		e.hub.BroadcastToRoom(roomID, models.EventScoreUpdate, map[string]any{
			"uid":   uid,
			"score": newScore,
		})

		nextUID, nextIdx, ok := e.findNextOnlinePlayer(room, byUID, uid)
		if !ok {
			if err := e.endGame(ctx, room, players, ""); err != nil {
				return nil, err
			}
			return &models.AnswerOutcome{Correct: true, CorrectIndex: q.CorrectIndex, Phase: "ended", Scores: scoreMap(players, byUID)}, nil
		}
		phase, err := e.advanceOrEnd(ctx, room, players, byUID, nextUID, nextIdx, room.CurrentQuestionDbIndex+1)
		if err != nil {
			return nil, err
		}
		return &models.AnswerOutcome{
			Correct:      true,
			CorrectIndex: q.CorrectIndex,
			Phase:        phase,
			NextTurnUID:  nextUID,
			Scores:       scoreMap(players, byUID),
		}, nil
	}

	// Wrong answer or timeout: offer a steal if allowed and a distinct online
	// player exists. The correct index stays hidden until the steal resolves.
	stealerUID, _, stealOK := e.findNextOnlinePlayer(room, byUID, uid)
	if room.GameSettings.AllowSteal && stealOK && stealerUID != uid {
		steal := &models.StealAttempt{StealerUID: stealerUID, QuestionDbIndex: room.CurrentQuestionDbIndex}
		err := e.store.Update(ctx, store.RoomPath(roomID), map[string]any{
			"currentStealAttempt": steal,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open steal window: %w", err)
		}

		e.hub.BroadcastToRoom(roomID, models.EventAnswerResult, map[string]any{
			"uid":        uid,
			"questionId": q.ID,
			"correct":    false,
			"timedOut":   isTimeout,
		})
		e.scheduler.Arm(roomID, PhaseSteal, q.ID, stealerUID,
			time.Duration(room.GameSettings.StealTimeoutSec)*time.Second)
		e.hub.BroadcastToRoom(roomID, models.EventStealOpportunity, models.StealOpportunityPayload{
			QuestionID:      q.ID,
			NextUID:         stealerUID,
			StealTimeoutSec: room.GameSettings.StealTimeoutSec,
		})

		return &models.AnswerOutcome{
			Correct:      false,
			CorrectIndex: -1,
			Phase:        "steal",
			StealerUID:   stealerUID,
		}, nil
	}

	// No steal possible: reveal and move on.
	e.hub.BroadcastToRoom(roomID, models.EventAnswerResult, map[string]any{
		"uid":          uid,
		"questionId":   q.ID,
		"correct":      false,
		"correctIndex": q.CorrectIndex,
		"timedOut":     isTimeout,
	})

	nextUID, nextIdx, ok := e.findNextOnlinePlayer(room, byUID, uid)
	if !ok {
		if err := e.endGame(ctx, room, players, ""); err != nil {
			return nil, err
		}
		return &models.AnswerOutcome{Correct: false, CorrectIndex: q.CorrectIndex, Phase: "ended"}, nil
	}
	phase, err := e.advanceOrEnd(ctx, room, players, byUID, nextUID, nextIdx, room.CurrentQuestionDbIndex+1)
	if err != nil {
		return nil, err
	}
	return &models.AnswerOutcome{
		Correct:      false,
		CorrectIndex: q.CorrectIndex,
		Phase:        phase,
		NextTurnUID:  nextUID,
	}, nil
}

// ============================================================================
// STEAL SUBMISSION
// ============================================================================

// SubmitSteal resolves the designated stealer's answer on the open steal
// window, then advances. The stealer takes the next natural turn either way.
func (e *Engine) SubmitSteal(ctx context.Context, roomID, uid, questionID string, answerIndex int, isTimeout bool) (*models.AnswerOutcome, error) {
	lock := e.locks.get(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := e.loadRoom(ctx, roomID)
	if err != nil {
		if isTimeout && errors.Is(err, ErrRoomNotFound) {
			return noAction(), nil
		}
		return nil, err
	}
	if room.State != models.RoomStateActive {
		if isTimeout {
			return noAction(), nil
		}
		return nil, ErrGameNotActive
	}
	steal := room.CurrentStealAttempt
	if steal == nil || steal.StealerUID != uid || steal.QuestionDbIndex != room.CurrentQuestionDbIndex {
		if isTimeout {
			return noAction(), nil
		}
		return nil, ErrNotYourSteal
	}

	q, err := e.loadQuestion(ctx, room, room.CurrentQuestionDbIndex)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return noAction(), nil
	}
	if q.ID != questionID {
		if isTimeout {
			return noAction(), nil
		}
		return nil, ErrNotYourSteal
	}

	e.scheduler.Cancel(roomID, PhaseSteal)

	players, byUID, err := e.loadPlayers(ctx, roomID)
	if err != nil {
		return nil, err
	}

	correct := !isTimeout && answerIndex == q.CorrectIndex
	if correct {
		newScore, err := e.bumpScore(ctx, room, byUID, uid, 1+room.GameSettings.BonusForSteal)
		if err != nil {
			return nil, err
		}
		e.hub.BroadcastToRoom(roomID, models.EventScoreUpdate, map[string]any{
			"uid":   uid,
			"score": newScore,
		})
	}
	e.hub.BroadcastToRoom(roomID, models.EventStealResult, map[string]any{
		"uid":          uid,
		"questionId":   q.ID,
		"correct":      correct,
		"correctIndex": q.CorrectIndex,
		"timedOut":     isTimeout,
	})

	stealerIdx := indexOf(room.ActiveTurnOrderUIDs, uid)
	if stealerIdx < 0 {
		// Integrity fault: the stealer is not in the turn order.
		if err := e.endGame(ctx, room, players, "turn order is inconsistent, ending game"); err != nil {
			return nil, err
		}
		return &models.AnswerOutcome{Correct: correct, CorrectIndex: q.CorrectIndex, Phase: "ended"}, nil
	}

	phase, err := e.advanceOrEnd(ctx, room, players, byUID, uid, stealerIdx, room.CurrentQuestionDbIndex+1)
	if err != nil {
		return nil, err
	}
	return &models.AnswerOutcome{
		Correct:      correct,
		CorrectIndex: q.CorrectIndex,
		Phase:        phase,
		NextTurnUID:  uid,
		Scores:       scoreMap(players, byUID),
	}, nil
}

// ============================================================================
// ADVANCE / END
// ============================================================================

// advanceOrEnd moves the room to the next question with the proposed turn
// taker, or ends the game when any end condition holds. Returns the phase the
// room landed in ("turn" or "ended").
func (e *Engine) advanceOrEnd(ctx context.Context, room *models.Room, players []models.Player, byUID map[string]*models.Player, newTurnUID string, newIndex, newQuestionIndex int) (string, error) {
	if newQuestionIndex >= room.QuestionCount {
		if err := e.endGame(ctx, room, players, ""); err != nil {
			return "", err
		}
		return "ended", nil
	}

	online := 0
	for _, uid := range room.ActiveTurnOrderUIDs {
		if p, ok := byUID[uid]; ok && p.Online && p.Role == models.RolePlayer {
			online++
		}
	}
	if online < 2 {
		if err := e.endGame(ctx, room, players, ""); err != nil {
			return "", err
		}
		return "ended", nil
	}

	var q models.Question
	err := e.store.Get(ctx, store.QuestionPath(room.ID, newQuestionIndex), &q)
	if errors.Is(err, store.ErrNotFound) {
		if err := e.endGame(ctx, room, players, "question could not be loaded, ending game"); err != nil {
			return "", err
		}
		return "ended", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load question %d: %w", newQuestionIndex, err)
	}

	// The proposed turn taker may have dropped between resolution and now.
	if p, ok := byUID[newTurnUID]; !ok || !p.Online || p.Role != models.RolePlayer {
		fallbackUID, fallbackIdx, ok := e.findNextOnlinePlayer(room, byUID, newTurnUID)
		if !ok {
			if err := e.endGame(ctx, room, players, ""); err != nil {
				return "", err
			}
			return "ended", nil
		}
		newTurnUID, newIndex = fallbackUID, fallbackIdx
	}

	err = e.store.Update(ctx, store.RoomPath(room.ID), map[string]any{
		"currentQuestionDbIndex":    newQuestionIndex,
		"currentTurnUid":            newTurnUID,
		"currentPlayerIndexInOrder": newIndex,
		"currentStealAttempt":       nil,
	})
	if err != nil {
		return "", fmt.Errorf("failed to advance turn: %w", err)
	}

	room.CurrentQuestionDbIndex = newQuestionIndex
	room.CurrentTurnUID = newTurnUID
	room.CurrentPlayerIndexInOrder = newIndex
	room.CurrentStealAttempt = nil

	e.scheduler.Arm(room.ID, PhaseTurn, q.ID, newTurnUID,
		time.Duration(room.GameSettings.TurnTimeoutSec)*time.Second)
	e.hub.BroadcastToRoom(room.ID, models.EventNextTurn, models.NextTurnPayload{
		Question:           q.View(),
		TurnUID:            newTurnUID,
		TimeoutSec:         room.GameSettings.TurnTimeoutSec,
		CurrentQuestionNum: newQuestionIndex + 1,
		TotalQuestions:     room.QuestionCount,
	})
	return "turn", nil
}

// endGame transitions the room to ended, cancels timers, and broadcasts the
// final scores. faultMsg, when non-empty, goes out as a gameError first.
func (e *Engine) endGame(ctx context.Context, room *models.Room, players []models.Player, faultMsg string) error {
	e.scheduler.CancelAll(room.ID)

	err := e.store.Update(ctx, store.RoomPath(room.ID), map[string]any{
		"state":                     models.RoomStateEnded,
		"currentTurnUid":            "",
		"currentPlayerIndexInOrder": -1,
		"currentStealAttempt":       nil,
	})
	if err != nil {
		return fmt.Errorf("failed to end game: %w", err)
	}
	room.State = models.RoomStateEnded
	room.CurrentTurnUID = ""
	room.CurrentPlayerIndexInOrder = -1
	room.CurrentStealAttempt = nil

	if faultMsg != "" {
		e.hub.BroadcastToRoom(room.ID, models.EventGameError, map[string]any{"message": faultMsg})
	}

	finalScores := make(map[string]int, len(players))
	for _, p := range players {
		if p.Role == models.RolePlayer {
			finalScores[p.UID] = p.Score
		}
	}
	e.hub.BroadcastToRoom(room.ID, models.EventGameEnded, models.GameEndedPayload{FinalScores: finalScores})
	log.Printf("[Engine] Game ended in room %s", room.ID)
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

// findNextOnlinePlayer scans the fixed turn order starting after the given
// uid and returns the first online player. The order itself never changes on
// disconnect; offline entries are skipped.
func (e *Engine) findNextOnlinePlayer(room *models.Room, byUID map[string]*models.Player, afterUID string) (string, int, bool) {
	n := len(room.ActiveTurnOrderUIDs)
	if n == 0 {
		return "", -1, false
	}
	start := indexOf(room.ActiveTurnOrderUIDs, afterUID)
	if start < 0 {
		start = room.CurrentPlayerIndexInOrder
	}
	for k := 1; k <= n; k++ {
		j := ((start+k)%n + n) % n
		cand := room.ActiveTurnOrderUIDs[j]
		if cand == afterUID {
			continue
		}
		if p, ok := byUID[cand]; ok && p.Online && p.Role == models.RolePlayer {
			return cand, j, true
		}
	}
	return "", -1, false
}

func (e *Engine) loadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := e.store.Get(ctx, store.RoomPath(roomID), &room)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}
	return &room, nil
}

// loadQuestion returns nil with no error when the document is missing, so
// callers can treat it as a stale submission.
func (e *Engine) loadQuestion(ctx context.Context, room *models.Room, index int) (*models.Question, error) {
	var q models.Question
	err := e.store.Get(ctx, store.QuestionPath(room.ID, index), &q)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load question %d: %w", index, err)
	}
	return &q, nil
}

func (e *Engine) loadPlayers(ctx context.Context, roomID string) ([]models.Player, map[string]*models.Player, error) {
	snaps, err := e.store.List(ctx, store.PlayersCollection(roomID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list players: %w", err)
	}
	players := make([]models.Player, 0, len(snaps))
	for _, snap := range snaps {
		var p models.Player
		if err := snap.Decode(&p); err != nil {
			return nil, nil, err
		}
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].JoinOrder < players[j].JoinOrder })

	byUID := make(map[string]*models.Player, len(players))
	for i := range players {
		byUID[players[i].UID] = &players[i]
	}
	return players, byUID, nil
}

func (e *Engine) bumpScore(ctx context.Context, room *models.Room, byUID map[string]*models.Player, uid string, delta int) (int, error) {
	err := e.store.Update(ctx, store.PlayerPath(room.ID, uid), map[string]any{
		"score": store.Inc(delta),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update score for %s: %w", uid, err)
	}
	newScore := delta
	if p, ok := byUID[uid]; ok {
		p.Score += delta
		newScore = p.Score
	}
	return newScore, nil
}

func scoreMap(players []models.Player, byUID map[string]*models.Player) map[string]int {
	scores := make(map[string]int, len(players))
	for _, p := range players {
		if p.Role != models.RolePlayer {
			continue
		}
		if cached, ok := byUID[p.UID]; ok {
			scores[p.UID] = cached.Score
		} else {
			scores[p.UID] = p.Score
		}
	}
	return scores
}

func indexOf(order []string, uid string) int {
	for i, u := range order {
		if u == uid {
			return i
		}
	}
	return -1
}

func noAction() *models.AnswerOutcome {
	return &models.AnswerOutcome{NoActionTaken: true, CorrectIndex: -1}
}
