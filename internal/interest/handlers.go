package interest

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thehive/hive/internal/auth"
	"github.com/thehive/hive/internal/listing"
)

// Handler exposes interest HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an interest HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes mounts interest endpoints; all require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers/:id/interests", h.express(listing.KindOffer))
	r.POST("/needs/:id/interests", h.express(listing.KindNeed))
	r.GET("/offers/:id/interests", h.list(listing.KindOffer))
	r.GET("/needs/:id/interests", h.list(listing.KindNeed))
	r.PATCH("/interests/:id/status", h.setStatus)
	r.GET("/my-interests", h.mine)
}

func (h *Handler) express(kind listing.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.UserID(c)
		var req struct {
			Message string `json:"message"`
		}
		// Body is optional; a bare POST expresses interest silently.
		_ = c.ShouldBindJSON(&req)

		in, err := h.service.Express(c.Request.Context(), kind, c.Param("id"), userID, req.Message)
		if err != nil {
			switch {
			case errors.Is(err, listing.ErrListingNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			case errors.Is(err, ErrOwnListing):
				c.JSON(http.StatusBadRequest, gin.H{"error": "cannot express interest in own listing"})
			case errors.Is(err, ErrDuplicateInterest):
				c.JSON(http.StatusConflict, gin.H{"error": "interest already expressed"})
			default:
				h.logger.Error("express interest failed", "kind", kind, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		c.JSON(http.StatusCreated, in)
	}
}

func (h *Handler) list(kind listing.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.UserID(c)
		interests, err := h.service.ListByListing(c.Request.Context(), kind, c.Param("id"), userID)
		if err != nil {
			switch {
			case errors.Is(err, listing.ErrListingNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			case errors.Is(err, listing.ErrNotOwner):
				c.JSON(http.StatusForbidden, gin.H{"error": "not the listing owner"})
			default:
				h.logger.Error("list interests failed", "kind", kind, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		if interests == nil {
			interests = []*Interest{}
		}
		c.JSON(http.StatusOK, gin.H{"interests": interests, "count": len(interests)})
	}
}

func (h *Handler) setStatus(c *gin.Context) {
	userID, _ := auth.UserID(c)
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	in, err := h.service.SetStatus(c.Request.Context(), c.Param("id"), userID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, ErrInterestNotFound), errors.Is(err, listing.ErrListingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "interest not found"})
		case errors.Is(err, listing.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		default:
			h.logger.Error("set interest status failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, in)
}

func (h *Handler) mine(c *gin.Context) {
	userID, _ := auth.UserID(c)
	interests, err := h.service.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list own interests failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if interests == nil {
		interests = []*Interest{}
	}
	c.JSON(http.StatusOK, gin.H{"interests": interests, "count": len(interests)})
}
