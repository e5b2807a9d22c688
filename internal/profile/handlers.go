package profile

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thehive/hive/internal/auth"
)

// Handler exposes profile HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a profile HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts public profile endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/profiles/:user_id", h.get)
}

// RegisterProtectedRoutes mounts endpoints that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/my-profile", h.mine)
	r.PATCH("/my-profile", h.update)
}

func (h *Handler) get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.logger.Error("get profile failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	// Phone is private; only the owner sees it.
	if callerID, _ := auth.UserID(c); callerID != p.UserID {
		p.Phone = ""
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) mine(c *gin.Context) {
	userID, _ := auth.UserID(c)
	p, err := h.service.Get(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("get own profile failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) update(c *gin.Context) {
	userID, _ := auth.UserID(c)
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	p, err := h.service.Update(c.Request.Context(), userID, req)
	if err != nil {
		h.logger.Error("update profile failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, p)
}
