package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thehive/hive/internal/user"
)

// Handler provides HTTP endpoints for account and session management.
type Handler struct {
	users   *user.Service
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a new auth handler.
func NewHandler(users *user.Service, manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{users: users, manager: manager, logger: logger}
}

// RegisterRoutes sets up auth routes on an unauthenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
}

// RegisterProtectedRoutes sets up auth routes that require a session.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/auth/logout", h.Logout)
	r.GET("/auth/me", h.Me)
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register handles POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	u, err := h.users.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, user.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username_taken", "message": "That username is already in use."})
		case errors.Is(err, user.ErrWeakPassword), errors.Is(err, user.ErrInvalidCredentials):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Username and a password of at least 8 characters are required."})
		default:
			h.logger.Error("register failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create account."})
		}
		return
	}

	token, err := h.manager.Issue(c.Request.Context(), u.ID)
	if err != nil {
		h.logger.Error("token issue failed", "error", err, "user", u.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create session."})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": u.Summary(), "token": token})
}

// Login handles POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	u, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, user.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "message": "Wrong username or password."})
			return
		}
		h.logger.Error("login failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Login failed."})
		return
	}

	token, err := h.manager.Issue(c.Request.Context(), u.ID)
	if err != nil {
		h.logger.Error("token issue failed", "error", err, "user", u.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create session."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": u.Summary(), "token": token})
}

// Me handles GET /auth/me
func (h *Handler) Me(c *gin.Context) {
	userID, _ := UserID(c)
	u, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account no longer exists."})
			return
		}
		h.logger.Error("load current user failed", "error", err, "user", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load account."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u.Summary()})
}

// Logout handles POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	token := c.GetHeader("Authorization")
	if err := h.manager.Revoke(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "No session token to revoke."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}
