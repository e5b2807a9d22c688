package handshake

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thehive/hive/internal/auth"
	"github.com/thehive/hive/internal/honey"
	"github.com/thehive/hive/internal/interest"
	"github.com/thehive/hive/internal/listing"
)

// Handler exposes handshake HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a handshake HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes mounts handshake endpoints; all require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/handshakes", h.create)
	r.GET("/handshakes", h.list)
	r.GET("/handshakes/:id", h.get)
	r.POST("/handshakes/:id/approve", h.transition((*Service).Approve))
	r.POST("/handshakes/:id/complete", h.transition((*Service).Complete))
	r.POST("/handshakes/:id/cancel", h.transition((*Service).Cancel))
}

func (h *Handler) create(c *gin.Context) {
	userID, _ := auth.UserID(c)
	var req struct {
		InterestID string `json:"interest_id" binding:"required"`
		Notes      string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interest_id is required"})
		return
	}

	hs, err := h.service.Create(c.Request.Context(), req.InterestID, userID, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, interest.ErrInterestNotFound), errors.Is(err, listing.ErrListingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "interest not found"})
		case errors.Is(err, ErrAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": "handshake already exists"})
		case errors.Is(err, ErrCreatorInitiated), errors.Is(err, ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not allowed to initiate this handshake"})
		case errors.Is(err, honey.ErrInsufficientFunds):
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient honey"})
		default:
			h.logger.Error("create handshake failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusCreated, hs)
}

func (h *Handler) get(c *gin.Context) {
	userID, _ := auth.UserID(c)
	hs, err := h.service.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		switch {
		case errors.Is(err, ErrHandshakeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "handshake not found"})
		case errors.Is(err, ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		default:
			h.logger.Error("get handshake failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, hs)
}

func (h *Handler) list(c *gin.Context) {
	userID, _ := auth.UserID(c)
	hs, err := h.service.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list handshakes failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if hs == nil {
		hs = []*Handshake{}
	}
	c.JSON(http.StatusOK, gin.H{"handshakes": hs, "count": len(hs)})
}

// transition wires the three lifecycle endpoints through one error map.
func (h *Handler) transition(fn func(*Service, context.Context, string, string) (*Handshake, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.UserID(c)
		hs, err := fn(h.service, c.Request.Context(), c.Param("id"), userID)
		if err != nil {
			switch {
			case errors.Is(err, ErrHandshakeNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "handshake not found"})
			case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotCreator):
				c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
			case errors.Is(err, ErrInvalidState):
				c.JSON(http.StatusConflict, gin.H{"error": "invalid handshake state"})
			default:
				h.logger.Error("handshake transition failed", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		c.JSON(http.StatusOK, hs)
	}
}
