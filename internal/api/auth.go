package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/middleware"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/store"
)

type uidIndex struct {
	UID string `json:"uid"`
}

// Register handles user registration
func (h *Handler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Printf("[API] Register - bind error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
		return
	}

	now := time.Now()
	user := models.User{
		UID:          uuid.New().String(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hashedPassword),
		DisplayName:  req.Username,
		CreatedAt:    now,
	}

	ctx := c.Request.Context()

	// The username and email index docs are claimed in the same transaction
	// that creates the user, so concurrent registrations cannot collide.
	err = h.store.RunTransaction(ctx, func(tx store.Tx) error {
		var existing uidIndex
		if err := tx.Get(store.UsernamePath(req.Username), &existing); err == nil {
			return errUserExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.Get(store.EmailPath(req.Email), &existing); err == nil {
			return errUserExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		tx.Set(store.UserPath(user.UID), userDoc(user))
		tx.Set(store.UsernamePath(req.Username), uidIndex{UID: user.UID})
		tx.Set(store.EmailPath(req.Email), uidIndex{UID: user.UID})
		return nil
	})
	if errors.Is(err, errUserExists) {
		log.Printf("[API] Register - user already exists: %s / %s", req.Username, req.Email)
		c.JSON(http.StatusConflict, gin.H{"error": "username or email already exists"})
		return
	}
	if err != nil {
		log.Printf("[API] Register - failed to create user: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	token, refreshToken, err := h.issueTokens(user.UID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	log.Printf("[API] Registered user %s (%s)", user.Username, user.UID)
	c.JSON(http.StatusCreated, models.AuthResponse{
		Token:        token,
		RefreshToken: refreshToken,
		User:         user,
	})
}

var errUserExists = errors.New("user already exists")

// Login handles user authentication
func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Username == "" && req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username or email is required"})
		return
	}

	ctx := c.Request.Context()

	indexPath := store.UsernamePath(req.Username)
	if req.Username == "" {
		indexPath = store.EmailPath(req.Email)
	}

	var idx uidIndex
	err := h.store.Get(ctx, indexPath, &idx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	user, passwordHash, err := h.loadUser(ctx, idx.UID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	now := time.Now()
	if err := h.store.Update(ctx, store.UserPath(user.UID), map[string]any{"lastLogin": now}); err != nil {
		log.Printf("[API] Login - failed to record last login for %s: %v", user.UID, err)
	}
	user.LastLogin = &now

	token, refreshToken, err := h.issueTokens(user.UID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.AuthResponse{
		Token:        token,
		RefreshToken: refreshToken,
		User:         user,
	})
}

// RefreshToken handles token refresh
func (h *Handler) RefreshToken(c *gin.Context) {
	var req models.RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := middleware.ValidateRefreshToken(req.RefreshToken, h.cfg.JWT.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	// Make sure the user still exists.
	if _, _, err := h.loadUser(c.Request.Context(), claims.UserID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}

	token, refreshToken, err := h.issueTokens(claims.UserID, claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  token,
		"refresh_token": refreshToken,
	})
}

// GetCurrentUser returns the current authenticated user
func (h *Handler) GetCurrentUser(c *gin.Context) {
	uid := c.GetString("user_id")
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, _, err := h.loadUser(c.Request.Context(), uid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateUser updates the authenticated user's profile
func (h *Handler) UpdateUser(c *gin.Context) {
	uid := c.GetString("user_id")

	var req struct {
		DisplayName *string `json:"displayName"`
		AvatarURL   *string `json:"avatarUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]any{}
	if req.DisplayName != nil {
		updates["displayName"] = *req.DisplayName
	}
	if req.AvatarURL != nil {
		updates["avatarUrl"] = *req.AvatarURL
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "nothing to update"})
		return
	}

	if err := h.store.Update(c.Request.Context(), store.UserPath(uid), updates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user updated"})
}

func (h *Handler) issueTokens(uid, username string) (string, string, error) {
	token, err := middleware.GenerateToken(uid, username, h.cfg.JWT.Secret, h.cfg.JWT.ExpiryHours)
	if err != nil {
		return "", "", err
	}
	refreshToken, err := middleware.GenerateRefreshToken(uid, username, h.cfg.JWT.Secret, h.cfg.JWT.RefreshExpiryDays)
	if err != nil {
		return "", "", err
	}
	return token, refreshToken, nil
}

// userDoc is the stored shape of a user, with the password hash included. The
// hash is json:"-" on models.User so it must travel separately.
func userDoc(user models.User) map[string]any {
	doc := map[string]any{
		"uid":          user.UID,
		"username":     user.Username,
		"email":        user.Email,
		"passwordHash": user.PasswordHash,
		"displayName":  user.DisplayName,
		"createdAt":    user.CreatedAt,
	}
	if user.AvatarURL != "" {
		doc["avatarUrl"] = user.AvatarURL
	}
	if user.LastLogin != nil {
		doc["lastLogin"] = user.LastLogin
	}
	return doc
}

func (h *Handler) loadUser(ctx context.Context, uid string) (models.User, string, error) {
	var doc struct {
		models.User
		PasswordHash string `json:"passwordHash"`
	}
	if err := h.store.Get(ctx, store.UserPath(uid), &doc); err != nil {
		return models.User{}, "", err
	}
	return doc.User, doc.PasswordHash, nil
}
