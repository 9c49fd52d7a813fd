package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"
	"unicode/utf8"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/game"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/registry"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/room"
	ws "github.com/dev-simeon/multiplayer-quiz-game-server/internal/websocket"
)

const (
	maxChatLength   = 500
	dispatchTimeout = 15 * time.Second
)

// Dispatcher routes inbound websocket frames to the domain components and
// acks every frame back on the same seq.
type Dispatcher struct {
	registry    *registry.Registry
	manager     *room.Manager
	tracker     *room.Tracker
	engine      *game.Engine
	quorum      *game.PlayAgainQuorum
	hub         *ws.Hub
	environment string
}

func NewDispatcher(reg *registry.Registry, manager *room.Manager, tracker *room.Tracker, engine *game.Engine, quorum *game.PlayAgainQuorum, hub *ws.Hub, environment string) *Dispatcher {
	return &Dispatcher{
		registry:    reg,
		manager:     manager,
		tracker:     tracker,
		engine:      engine,
		quorum:      quorum,
		hub:         hub,
		environment: environment,
	}
}

// HandleMessage is the hub's inbound callback. A panic in any handler is
// contained to the frame that caused it.
func (d *Dispatcher) HandleMessage(client *ws.Client, msg models.ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Dispatcher] Panic handling %s from %s: %v", msg.Type, client.UserID, r)
			client.Ack(msg.Seq, models.AckError("internal", d.publicError(errors.New("internal server error"))))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch msg.Type {
	case models.EventCreateRoom:
		d.handleCreateRoom(ctx, client, msg)
	case models.EventJoinRoom:
		d.handleJoinRoom(ctx, client, msg)
	case models.EventLeaveRoom:
		d.handleLeaveRoom(ctx, client, msg)
	case models.EventUpdateSettings:
		d.handleUpdateSettings(ctx, client, msg)
	case models.EventStartGame:
		d.handleStartGame(ctx, client, msg)
	case models.EventSubmitAnswer:
		d.handleSubmitAnswer(ctx, client, msg)
	case models.EventSubmitSteal:
		d.handleSubmitSteal(ctx, client, msg)
	case models.EventPlayAgain:
		d.handlePlayAgain(ctx, client, msg)
	case models.EventRejoin:
		d.handleRejoin(ctx, client, msg)
	case models.EventLobbyMessage:
		d.handleLobbyMessage(ctx, client, msg)
	case models.EventPrivateMessage:
		d.handlePrivateMessage(client, msg)
	default:
		client.Ack(msg.Seq, models.AckError("unknown-event", "unknown event type"))
	}
}

// HandleDisconnect is the hub's disconnect callback.
func (d *Dispatcher) HandleDisconnect(client *ws.Client, roomIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	d.tracker.Disconnect(ctx, client.UserID, client.ID, roomIDs)
}

// ============================================================================
// ROOM EVENTS
// ============================================================================

func (d *Dispatcher) handleCreateRoom(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.CreateRoomPayload
	if !d.decode(client, msg, &payload) {
		return
	}

	name := payload.PlayerName
	if name == "" {
		name = client.DisplayName
	}

	created, err := d.registry.CreateRoom(ctx, client.UserID, name, client.AvatarURL)
	if err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}

	d.hub.JoinRoom(client, created.ID)
	client.Ack(msg.Seq, models.AckOK(models.CreateRoomReply{
		RoomID:   created.ID,
		RoomCode: created.Code,
	}))
	d.manager.BroadcastPlayerList(ctx, created.ID)
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.JoinRoomPayload
	if !d.decode(client, msg, &payload) {
		return
	}

	roomID, err := d.registry.LookupByCode(ctx, payload.RoomCode)
	if err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}

	name := payload.PlayerName
	if name == "" {
		name = client.DisplayName
	}

	result, err := d.manager.Join(ctx, roomID, client.UserID, name, client.AvatarURL)
	if err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}

	d.hub.JoinRoom(client, roomID)
	client.Ack(msg.Seq, models.AckOK(models.JoinRoomReply{
		RoomID:    roomID,
		RoomCode:  result.Room.Code,
		Role:      result.Player.Role,
		RoomState: result.Room.State,
	}))

	// A spectator attaching to a live game needs the current picture.
	if result.Room.State == models.RoomStateActive && result.Player.Role == models.RoleSpectator {
		if snapshot, err := d.tracker.Snapshot(ctx, roomID); err == nil {
			d.hub.SendToUser(client.UserID, models.EventSpectating, snapshot)
		}
	}
}

func (d *Dispatcher) handleLeaveRoom(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.LeaveRoomPayload
	if !d.decode(client, msg, &payload) {
		return
	}
	if !d.requireInRoom(client, msg, payload.RoomID) {
		return
	}

	d.quorum.RemoveVote(ctx, payload.RoomID, client.UserID)
	result, err := d.manager.Leave(ctx, payload.RoomID, client.UserID, true)
	if err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}
	d.hub.LeaveRoom(client, payload.RoomID)

	client.Ack(msg.Seq, models.AckOK(models.LeaveRoomReply{
		HostChanged: result.HostChanged,
		NewHostUID:  result.NewHostUID,
		RoomDeleted: result.RoomDeleted,
	}))

	// A departed turn-taker or stealer must not stall the game.
	if !result.RoomDeleted {
		if result.WasStealer {
			if _, err := d.engine.SubmitSteal(ctx, payload.RoomID, client.UserID, result.QuestionID, -1, true); err != nil {
				log.Printf("[Dispatcher] Steal timeout after leave failed in %s: %v", payload.RoomID, err)
			}
		} else if result.WasCurrentTurn {
			if _, err := d.engine.SubmitAnswer(ctx, payload.RoomID, client.UserID, result.QuestionID, -1, true); err != nil {
				log.Printf("[Dispatcher] Turn timeout after leave failed in %s: %v", payload.RoomID, err)
			}
		}
	}
}

func (d *Dispatcher) handleUpdateSettings(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.UpdateSettingsPayload
	if !d.decode(client, msg, &payload) {
		return
	}
	if !d.requireInRoom(client, msg, payload.RoomID) {
		return
	}

	merged, err := d.manager.UpdateSettings(ctx, payload.RoomID, client.UserID, payload.SettingsToUpdate)
	if err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}
	client.Ack(msg.Seq, models.AckOK(merged))
}

// ============================================================================
// GAME EVENTS
// ============================================================================

func (d *Dispatcher) handleStartGame(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.StartGamePayload
	if !d.decode(client, msg, &payload) {
		return
	}
	if !d.requireInRoom(client, msg, payload.RoomID) {
		return
	}

	snapshot, err := d.engine.StartGame(ctx, payload.RoomID, client.UserID, payload.Settings)
	if err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}
	client.Ack(msg.Seq, models.AckOK(map[string]any{"roomId": snapshot.RoomID, "totalQuestions": snapshot.TotalQuestions}))
}

func (d *Dispatcher) handleSubmitAnswer(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.SubmitPayload
	if !d.decode(client, msg, &payload) {
		return
	}
	if !d.requireInRoom(client, msg, payload.RoomID) {
		return
	}

	outcome, err := d.engine.SubmitAnswer(ctx, payload.RoomID, client.UserID, payload.QuestionID, payload.AnswerIndex, false)
	if err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}
	client.Ack(msg.Seq, models.AckOK(outcome))
}

func (d *Dispatcher) handleSubmitSteal(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.SubmitPayload
	if !d.decode(client, msg, &payload) {
		return
	}
	if !d.requireInRoom(client, msg, payload.RoomID) {
		return
	}

	outcome, err := d.engine.SubmitSteal(ctx, payload.RoomID, client.UserID, payload.QuestionID, payload.AnswerIndex, false)
	if err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}
	client.Ack(msg.Seq, models.AckOK(outcome))
}

func (d *Dispatcher) handlePlayAgain(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.PlayAgainPayload
	if !d.decode(client, msg, &payload) {
		return
	}
	if !d.requireInRoom(client, msg, payload.RoomID) {
		return
	}

	if err := d.quorum.Vote(ctx, payload.RoomID, client.UserID); err != nil {
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}
	client.Ack(msg.Seq, models.AckOK(nil))
}

func (d *Dispatcher) handleRejoin(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.RejoinPayload
	if !d.decode(client, msg, &payload) {
		return
	}

	result, err := d.tracker.Rejoin(ctx, payload.RoomID, client.UserID)
	if err != nil {
		d.hub.SendToUser(client.UserID, models.EventRejoinError, map[string]any{"message": d.publicError(err)})
		client.Ack(msg.Seq, models.AckError(errorCode(err), d.publicError(err)))
		return
	}

	d.hub.JoinRoom(client, payload.RoomID)
	client.Ack(msg.Seq, models.AckOK(map[string]any{
		"role":      result.Role,
		"roomState": result.State,
		"snapshot":  result.Snapshot,
	}))
}

// ============================================================================
// CHAT EVENTS
// ============================================================================

func (d *Dispatcher) handleLobbyMessage(ctx context.Context, client *ws.Client, msg models.ClientMessage) {
	var payload models.LobbyMessagePayload
	if !d.decode(client, msg, &payload) {
		return
	}
	if !d.requireInRoom(client, msg, payload.RoomID) {
		return
	}
	if payload.Message == "" || utf8.RuneCountInString(payload.Message) > maxChatLength {
		client.Ack(msg.Seq, models.AckError("invalid-message", "message must be 1-500 characters"))
		return
	}

	d.hub.BroadcastToRoom(payload.RoomID, models.EventLobbyMessage, models.ChatPayload{
		FromUID: client.UserID,
		Name:    client.DisplayName,
		Message: payload.Message,
	})
	client.Ack(msg.Seq, models.AckOK(nil))
}

func (d *Dispatcher) handlePrivateMessage(client *ws.Client, msg models.ClientMessage) {
	var payload models.PrivateMessagePayload
	if !d.decode(client, msg, &payload) {
		return
	}
	if payload.ToUID == "" || payload.Message == "" || utf8.RuneCountInString(payload.Message) > maxChatLength {
		client.Ack(msg.Seq, models.AckError("invalid-message", "recipient and a 1-500 character message are required"))
		return
	}

	d.hub.SendToUser(payload.ToUID, models.EventPrivateMessage, models.ChatPayload{
		FromUID: client.UserID,
		Name:    client.DisplayName,
		Message: payload.Message,
	})
	client.Ack(msg.Seq, models.AckOK(nil))
}

// ============================================================================
// HELPERS
// ============================================================================


func (d *Dispatcher) decode(client *ws.Client, msg models.ClientMessage, dest any) bool {
	if err := json.Unmarshal(msg.Payload, dest); err != nil {
		client.Ack(msg.Seq, models.AckError("bad-payload", "malformed payload"))
		return false
	}
	return true
}

func (d *Dispatcher) requireInRoom(client *ws.Client, msg models.ClientMessage, roomID string) bool {
	if roomID == "" {
		client.Ack(msg.Seq, models.AckError("bad-payload", "roomId is required"))
		return false
	}
	if !d.hub.IsInRoom(client, roomID) {
		client.Ack(msg.Seq, models.AckError("not-in-room", "you are not attached to this room"))
		return false
	}
	return true
}

// publicError hides internals in production; known domain errors pass through.
func (d *Dispatcher) publicError(err error) string {
	if errorCode(err) != "internal" {
		return err.Error()
	}
	if d.environment == "production" {
		return "something went wrong"
	}
	return err.Error()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound),
		errors.Is(err, registry.ErrRoomNotFound),
		errors.Is(err, game.ErrRoomNotFound):
		return "not-found"
	case errors.Is(err, room.ErrRoomEnded):
		return "ended"
	case errors.Is(err, room.ErrRoomFull):
		return "room-full"
	case errors.Is(err, room.ErrSpectatorsFull):
		return "spectators-full"
	case errors.Is(err, room.ErrNotInRoom):
		return "not-in-room"
	case errors.Is(err, room.ErrNotHost):
		return "not-host"
	case errors.Is(err, room.ErrGameInProgress),
		errors.Is(err, game.ErrGameInProgress):
		return "game-in-progress"
	case errors.Is(err, game.ErrGameNotActive):
		return "game-not-active"
	case errors.Is(err, game.ErrInvalidSettings):
		return "invalid-settings"
	case errors.Is(err, game.ErrNotEnoughPlayers):
		return "not-enough-players"
	case errors.Is(err, game.ErrNotEnoughQuestions):
		return "not-enough-questions"
	case errors.Is(err, game.ErrNotYourTurn):
		return "not-your-turn"
	case errors.Is(err, game.ErrNotYourSteal):
		return "not-your-steal"
	case errors.Is(err, game.ErrNoPlayAgain):
		return "no-play-again"
	default:
		return "internal"
	}
}
