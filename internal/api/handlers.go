package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/config"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/database"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/middleware"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/room"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
	ws "github.com/dev-simeon/multiplayer-quiz-game-server/internal/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by the CORS layer
	},
}

type Handler struct {
	cfg     *config.Config
	db      *database.Database
	store   store.Store
	hub     *ws.Hub
	tracker *room.Tracker
}

func NewHandler(cfg *config.Config, db *database.Database, st store.Store, hub *ws.Hub, tracker *room.Tracker) *Handler {
	return &Handler{
		cfg:     cfg,
		db:      db,
		store:   st,
		hub:     hub,
		tracker: tracker,
	}
}

// HealthCheck reports process liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "UP",
		"timestamp": time.Now().Format(time.RFC3339),
		"message":   "trivia game server is running",
	})
}

// HandleWebSocket authenticates and upgrades the connection. Browsers cannot
// set headers on websocket dials, so the token rides a query parameter.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := middleware.ValidateToken(tokenString, h.cfg.JWT.Secret)
	if err != nil {
		log.Printf("[API] WebSocket - invalid token: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	displayName := claims.Username
	avatarURL := ""
	if user, _, err := h.loadUser(c.Request.Context(), claims.UserID); err == nil {
		if user.DisplayName != "" {
			displayName = user.DisplayName
		}
		avatarURL = user.AvatarURL
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] WebSocket - upgrade failed: %v", err)
		return
	}

	client := ws.NewClient(h.hub, conn, claims.UserID, displayName, avatarURL)
	h.tracker.Connect(c.Request.Context(), claims.UserID, client.ID, displayName, avatarURL)
	client.Register()

	go client.WritePump()
	go client.ReadPump()
}

// SetupRouter wires the HTTP surface.
func (h *Handler) SetupRouter() *gin.Engine {
	if h.cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     h.cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Deep health check for orchestrators; pings both backing stores.
	router.GET("/health", func(c *gin.Context) {
		if err := h.db.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := router.Group("/api")
	{
		api.GET("/health", h.HealthCheck)

		auth := api.Group("/auth")
		{
			auth.POST("/register", h.Register)
			auth.POST("/login", h.Login)
			auth.POST("/refresh", h.RefreshToken)
		}

		users := api.Group("/users")
		users.Use(middleware.AuthMiddleware(h.cfg.JWT.Secret))
		{
			users.GET("/me", h.GetCurrentUser)
			users.PUT("/me", h.UpdateUser)
		}
	}

	router.GET("/ws", h.HandleWebSocket)
	return router
}
