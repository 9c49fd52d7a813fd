// Scripted end-to-end client: registers three bots, runs a full trivia game
// over the websocket protocol, and prints the final scores. Expects a server
// on localhost:8080.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	baseURL = "http://localhost:8080/api"
	wsURL   = "ws://localhost:8080/ws"
)

type bot struct {
	Username string
	Password string
	Token    string
	UserID   string

	conn *websocket.Conn
	mu   sync.Mutex
	seq  int64

	acks   sync.Map // seq -> chan json.RawMessage
	events chan serverFrame
}

type serverFrame struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	log.Println("Starting trivia game test client")

	suffix := time.Now().Unix()
	bots := make([]*bot, 3)
	for i := range bots {
		bots[i] = &bot{
			Username: fmt.Sprintf("bot%d_%d", i+1, suffix),
			Password: "password123",
			events:   make(chan serverFrame, 256),
		}
		if err := bots[i].register(); err != nil {
			log.Fatalf("register %s: %v", bots[i].Username, err)
		}
		if err := bots[i].connect(); err != nil {
			log.Fatalf("connect %s: %v", bots[i].Username, err)
		}
	}
	log.Println("Step 1 done: 3 bots registered and connected")

	// Host creates a room, others join by code.
	host := bots[0]
	reply, err := host.call("createRoom", map[string]any{"playerName": host.Username})
	if err != nil {
		log.Fatalf("createRoom: %v", err)
	}
	var created struct {
		RoomID   string `json:"roomId"`
		RoomCode string `json:"roomCode"`
	}
	json.Unmarshal(reply, &created)
	log.Printf("Step 2 done: room %s (code %s)", created.RoomID, created.RoomCode)

	for _, b := range bots[1:] {
		if _, err := b.call("joinRoom", map[string]any{
			"roomCode":   created.RoomCode,
			"playerName": b.Username,
		}); err != nil {
			log.Fatalf("joinRoom %s: %v", b.Username, err)
		}
	}
	log.Println("Step 3 done: all bots joined")

	if _, err := host.call("game:start", map[string]any{
		"roomId":   created.RoomID,
		"settings": map[string]any{"questionsPerPlayer": 1, "turnTimeoutSec": 10, "stealTimeoutSec": 5},
	}); err != nil {
		log.Fatalf("game:start: %v", err)
	}
	log.Println("Step 4 done: game started, bots answering...")

	// Every bot reacts to its own turn and steal opportunities with a random
	// answer; the first gameEnded frame wins.
	done := make(chan map[string]int, 1)
	for _, b := range bots {
		go b.play(created.RoomID, done)
	}

	select {
	case scores := <-done:
		log.Printf("Game ended. Final scores: %v", scores)
	case <-time.After(2 * time.Minute):
		log.Fatal("timed out waiting for the game to end")
	}
}

// ============================================================================
// HTTP AUTH
// ============================================================================

func (b *bot) register() error {
	body, _ := json.Marshal(map[string]string{
		"username": b.Username,
		"email":    b.Username + "@test.com",
		"password": b.Password,
	})
	resp, err := http.Post(baseURL+"/auth/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}

	var auth struct {
		Token string `json:"access_token"`
		User  struct {
			UID string `json:"uid"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return err
	}
	b.Token = auth.Token
	b.UserID = auth.User.UID
	return nil
}

// ============================================================================
// WEBSOCKET PLUMBING
// ============================================================================

func (b *bot) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+b.Token, nil)
	if err != nil {
		return err
	}
	b.conn = conn
	go b.readLoop()
	return nil
}

func (b *bot) readLoop() {
	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		// The server batches frames newline-separated.
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var frame serverFrame
			if err := json.Unmarshal(line, &frame); err != nil {
				continue
			}
			if frame.Type == "ack" {
				if ch, ok := b.acks.LoadAndDelete(frame.Seq); ok {
					ch.(chan json.RawMessage) <- frame.Payload
				}
				continue
			}
			b.events <- frame
		}
	}
}

// call sends a frame and waits for its ack, failing on error acks.
func (b *bot) call(eventType string, payload any) (json.RawMessage, error) {
	seq := atomic.AddInt64(&b.seq, 1)
	ch := make(chan json.RawMessage, 1)
	b.acks.Store(seq, ch)

	raw, _ := json.Marshal(payload)
	b.mu.Lock()
	err := b.conn.WriteJSON(map[string]any{"type": eventType, "seq": seq, "payload": json.RawMessage(raw)})
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case ackRaw := <-ch:
		var ack struct {
			Status  string          `json:"status"`
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(ackRaw, &ack); err != nil {
			return nil, err
		}
		if ack.Status != "ok" {
			return nil, fmt.Errorf("%s failed: %s", eventType, ack.Message)
		}
		return ack.Data, nil
	case <-time.After(15 * time.Second):
		return nil, fmt.Errorf("timed out waiting for %s ack", eventType)
	}
}

// ============================================================================
// GAME LOOP
// ============================================================================

func (b *bot) play(roomID string, done chan<- map[string]int) {
	for frame := range b.events {
		switch frame.Type {
		case "gameStarted", "nextTurn":
			var turn struct {
				TurnUID  string `json:"turnUid"`
				Question struct {
					ID      string   `json:"id"`
					Options []string `json:"options"`
				} `json:"question"`
			}
			json.Unmarshal(frame.Payload, &turn)
			if turn.TurnUID != b.UserID {
				continue
			}
			b.answer(roomID, "submitAnswer", turn.Question.ID, len(turn.Question.Options))
		case "stealOpportunity":
			var steal struct {
				QuestionID string `json:"questionId"`
				NextUID    string `json:"nextUid"`
			}
			json.Unmarshal(frame.Payload, &steal)
			if steal.NextUID != b.UserID {
				continue
			}
			b.answer(roomID, "submitSteal", steal.QuestionID, 4)
		case "gameEnded":
			var ended struct {
				FinalScores map[string]int `json:"finalScores"`
			}
			json.Unmarshal(frame.Payload, &ended)
			select {
			case done <- ended.FinalScores:
			default:
			}
			return
		}
	}
}

func (b *bot) answer(roomID, eventType, questionID string, optionCount int) {
	// Think a little, then guess.
	time.Sleep(time.Duration(200+rand.Intn(500)) * time.Millisecond)
	if _, err := b.call(eventType, map[string]any{
		"roomId":      roomID,
		"questionId":  questionID,
		"answerIndex": rand.Intn(optionCount),
	}); err != nil {
		log.Printf("%s: %s failed: %v", b.Username, eventType, err)
	}
}
