package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/api"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/config"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/database"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/game"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/registry"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/room"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/trivia"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/websocket"
)

func main() {
	// Load .env file (ignore error in production where env vars are set directly)
	_ = godotenv.Load("../../.env")
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("[Server] Connected to PostgreSQL and Redis")

	docs := store.NewPostgres(db.PG)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := docs.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure document schema: %v", err)
		}
	}

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	log.Println("[Server] WebSocket hub started")

	questionSource := trivia.NewClient(&cfg.Trivia)
	engine := game.NewEngine(docs, hub, questionSource)
	scheduler := engine.Scheduler()
	quorum := game.NewPlayAgainQuorum(docs, hub, engine)

	reg := registry.New(docs, db.Redis)
	manager := room.NewManager(docs, reg, hub, engine)
	tracker := room.NewTracker(docs, db.Redis, hub, manager, engine, quorum)

	dispatcher := api.NewDispatcher(reg, manager, tracker, engine, quorum, hub, cfg.Server.Environment)
	hub.SetHandlers(dispatcher.HandleMessage, dispatcher.HandleDisconnect)

	handler := api.NewHandler(cfg, db, docs, hub, tracker)
	router := handler.SetupRouter()

	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] Listening on %s", cfg.Server.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down...")

	// Timers first, so no callback races the teardown.
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("[Server] Exited gracefully")
}
