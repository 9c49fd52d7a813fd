package game

import "errors"

// Client-facing game errors. The dispatcher maps these onto ack replies.
var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrGameInProgress     = errors.New("game already in progress")
	ErrGameNotActive      = errors.New("game is not active")
	ErrNotEnoughPlayers   = errors.New("need at least 2 online players to start")
	ErrNotEnoughQuestions = errors.New("not enough questions available")
	ErrNotYourTurn        = errors.New("not your turn")
	ErrNotYourSteal       = errors.New("no steal available for you")
	ErrInvalidSettings    = errors.New("invalid settings")
)
