package models

import (
	"encoding/json"
	"time"
)

// ============================================================================
// USER MODELS
// ============================================================================

type User struct {
	UID          string     `json:"uid"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	DisplayName  string     `json:"displayName"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
}

// ============================================================================
// ROOM MODELS
// ============================================================================

type RoomState string

const (
	RoomStateWaiting RoomState = "waiting"
	RoomStateActive  RoomState = "active"
	RoomStateEnded   RoomState = "ended"
)

// StealAttempt records an in-flight steal. Non-nil only while the room is
// active and the prior answer on the same question was incorrect.
type StealAttempt struct {
	StealerUID      string `json:"stealerUid"`
	QuestionDbIndex int    `json:"questionDbIndex"`
}

type Room struct {
	ID                        string        `json:"id"`
	Code                      string        `json:"code"`
	HostUID                   string        `json:"hostUid"`
	State                     RoomState     `json:"state"`
	CreatedAt                 time.Time     `json:"createdAt"`
	StartedAt                 *time.Time    `json:"startedAt,omitempty"`
	QuestionCount             int           `json:"questionCount"`
	CurrentQuestionDbIndex    int           `json:"currentQuestionDbIndex"`
	CurrentTurnUID            string        `json:"currentTurnUid,omitempty"`
	ActiveTurnOrderUIDs       []string      `json:"activeTurnOrderUids"`
	CurrentPlayerIndexInOrder int           `json:"currentPlayerIndexInOrder"`
	CurrentStealAttempt       *StealAttempt `json:"currentStealAttempt,omitempty"`
	GameSettings              GameSettings  `json:"gameSettings"`
}

type GameSettings struct {
	QuestionsPerPlayer int  `json:"questionsPerPlayer"`
	TurnTimeoutSec     int  `json:"turnTimeoutSec"`
	StealTimeoutSec    int  `json:"stealTimeoutSec"`
	AllowSteal         bool `json:"allowSteal"`
	BonusForSteal      int  `json:"bonusForSteal"`
}

func DefaultGameSettings() GameSettings {
	return GameSettings{
		QuestionsPerPlayer: 5,
		TurnTimeoutSec:     30,
		StealTimeoutSec:    15,
		AllowSteal:         true,
		BonusForSteal:      1,
	}
}

// Capacity limits per room.
const (
	MaxPlayers    = 8
	MaxSpectators = 5
)

// ============================================================================
// PLAYER MODELS
// ============================================================================

type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

type Player struct {
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	JoinOrder int       `json:"joinOrder"`
	Score     int       `json:"score"`
	Online    bool      `json:"online"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// ============================================================================
// QUESTION MODELS
// ============================================================================

type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Category     string   `json:"category"`
	Difficulty   string   `json:"difficulty"`
}

// QuestionView is the client-facing shape of a question. The correct index is
// never sent before the answer is resolved.
type QuestionView struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Options    []string `json:"options"`
	Category   string   `json:"category"`
	Difficulty string   `json:"difficulty"`
}

func (q Question) View() QuestionView {
	return QuestionView{
		ID:         q.ID,
		Text:       q.Text,
		Options:    q.Options,
		Category:   q.Category,
		Difficulty: q.Difficulty,
	}
}

// ============================================================================
// GAME SNAPSHOT MODELS
// ============================================================================

// GameSnapshot is the full picture a client needs to render the game. Sent on
// gameStarted and on rejoin.
type GameSnapshot struct {
	RoomID             string         `json:"roomId"`
	HostUID            string         `json:"hostId"`
	Question           QuestionView   `json:"question"`
	TurnUID            string         `json:"turnUid"`
	TurnTimeoutSec     int            `json:"timeout"`
	CurrentQuestionNum int            `json:"currentQuestionNum"`
	TotalQuestions     int            `json:"totalQuestions"`
	Scores             map[string]int `json:"scores"`
	Players            []Player       `json:"players"`
	GameSettings       GameSettings   `json:"gameSettings"`
	Questions          []QuestionView `json:"questions,omitempty"`
	StealAttempt       *StealAttempt  `json:"currentStealAttempt,omitempty"`
	StealTimeoutSec    int            `json:"stealTimeout,omitempty"`
	RemainingSec       int            `json:"remainingSec,omitempty"`
}

// AnswerOutcome is what the engine hands back for a submission, natural or
// timer-synthesized.
type AnswerOutcome struct {
	NoActionTaken bool           `json:"noActionTaken,omitempty"`
	Correct       bool           `json:"correct"`
	CorrectIndex  int            `json:"correctIndex"`
	Phase         string         `json:"phase"` // "turn", "steal", "ended"
	StealerUID    string         `json:"stealerUid,omitempty"`
	NextTurnUID   string         `json:"nextTurnUid,omitempty"`
	Scores        map[string]int `json:"scores,omitempty"`
}

// ============================================================================
// WEBSOCKET EVENTS
// ============================================================================

type EventType string

// Inbound (client -> server).
const (
	EventCreateRoom     EventType = "createRoom"
	EventJoinRoom       EventType = "joinRoom"
	EventLeaveRoom      EventType = "leaveRoom"
	EventUpdateSettings EventType = "room:updateSettings"
	EventStartGame      EventType = "game:start"
	EventSubmitAnswer   EventType = "submitAnswer"
	EventSubmitSteal    EventType = "submitSteal"
	EventPlayAgain      EventType = "playAgainRequest"
	EventRejoin         EventType = "game:rejoin"
	EventLobbyMessage   EventType = "lobbyMessage"   // also outbound: the relayed chat frame
	EventPrivateMessage EventType = "privateMessage" // also outbound: the delivered DM
	EventPing           EventType = "ping"
)

// Outbound (server -> client).
const (
	EventAck              EventType = "ack"
	EventPong             EventType = "pong"
	EventPlayerJoined     EventType = "playerJoined"
	EventPlayerLeft       EventType = "playerLeft"
	EventPlayerOffline    EventType = "playerOffline"
	EventPlayerRejoined   EventType = "playerRejoined"
	EventUpdatePlayerList EventType = "updatePlayerList"
	EventGameStarted      EventType = "gameStarted"
	EventNextTurn         EventType = "nextTurn"
	EventAnswerResult     EventType = "answerResult"
	EventStealOpportunity EventType = "stealOpportunity"
	EventStealResult      EventType = "stealResult"
	EventScoreUpdate      EventType = "scoreUpdate"
	EventGameEnded        EventType = "gameEnded"
	EventGameError        EventType = "gameError"
	EventPlayAgainStatus  EventType = "playAgainStatus"
	EventPlayAgainFailed  EventType = "playAgainFailed"
	EventSpectating       EventType = "spectatingActiveGame"
	EventServerMessage    EventType = "message"
	EventRejoinError      EventType = "rejoinError"
)

// ClientMessage is an inbound frame. Seq correlates the ack reply.
type ClientMessage struct {
	Type    EventType       `json:"type"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is any outbound frame.
type ServerMessage struct {
	Type      EventType `json:"type"`
	Seq       int64     `json:"seq,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// EVENT PAYLOADS (inbound)
// ============================================================================

type CreateRoomPayload struct {
	PlayerName string `json:"playerName"`
}

type JoinRoomPayload struct {
	RoomCode   string `json:"roomCode"`
	PlayerName string `json:"playerName"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

type UpdateSettingsPayload struct {
	RoomID           string         `json:"roomId"`
	SettingsToUpdate map[string]any `json:"settingsToUpdate"`
}

type StartGamePayload struct {
	RoomID   string         `json:"roomId"`
	Settings map[string]any `json:"settings"`
}

type SubmitPayload struct {
	RoomID      string `json:"roomId"`
	QuestionID  string `json:"questionId"`
	AnswerIndex int    `json:"answerIndex"`
}

type PlayAgainPayload struct {
	RoomID string `json:"roomId"`
}

type RejoinPayload struct {
	RoomID string `json:"roomId"`
}

type LobbyMessagePayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

type PrivateMessagePayload struct {
	RoomID  string `json:"roomId,omitempty"`
	ToUID   string `json:"toUid"`
	Message string `json:"message"`
}

// ============================================================================
// EVENT PAYLOADS (outbound / acks)
// ============================================================================

type Ack struct {
	Status  string `json:"status"` // "ok" or "error"
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func AckOK(data any) Ack {
	return Ack{Status: "ok", Data: data}
}

func AckError(code, message string) Ack {
	return Ack{Status: "error", Code: code, Message: message}
}

type CreateRoomReply struct {
	RoomID   string `json:"roomId"`
	RoomCode string `json:"roomCode"`
}

type JoinRoomReply struct {
	RoomID    string    `json:"roomId"`
	RoomCode  string    `json:"roomCode"`
	Role      Role      `json:"role"`
	RoomState RoomState `json:"roomState"`
}

type LeaveRoomReply struct {
	HostChanged bool   `json:"hostChanged"`
	NewHostUID  string `json:"newHostUid,omitempty"`
	RoomDeleted bool   `json:"roomDeleted"`
}

type PlayerListPayload struct {
	Players      []Player      `json:"players"`
	HostUID      string        `json:"hostId"`
	RoomState    RoomState     `json:"roomState"`
	GameSettings *GameSettings `json:"gameSettings,omitempty"`
}

type NextTurnPayload struct {
	Question           QuestionView `json:"question"`
	TurnUID            string       `json:"turnUid"`
	TimeoutSec         int          `json:"timeout"`
	CurrentQuestionNum int          `json:"currentQuestionNum"`
	TotalQuestions     int          `json:"totalQuestions"`
}

type StealOpportunityPayload struct {
	QuestionID      string `json:"questionId"`
	NextUID         string `json:"nextUid"`
	StealTimeoutSec int    `json:"stealTimeout"`
}

type PlayAgainStatusPayload struct {
	Votes       int `json:"votes"`
	TotalOnline int `json:"totalOnline"`
	Required    int `json:"required"`
}

type GameEndedPayload struct {
	FinalScores map[string]int `json:"finalScores"`
}

type ChatPayload struct {
	FromUID string `json:"fromUid"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// ============================================================================
// AUTH REQUEST/RESPONSE MODELS
// ============================================================================

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=30"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token        string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}
