package listing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thehive/hive/internal/auth"
	"github.com/thehive/hive/internal/pagination"
	"github.com/thehive/hive/internal/validation"
)

// Handler exposes listing HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a listing HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts public listing endpoints on the router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.list(KindOffer))
	r.GET("/offers/:id", h.get(KindOffer))
	r.GET("/needs", h.list(KindNeed))
	r.GET("/needs/:id", h.get(KindNeed))
}

// RegisterProtectedRoutes mounts endpoints that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.create(KindOffer))
	r.POST("/needs", h.create(KindNeed))
	r.PUT("/offers/:id", h.update(KindOffer))
	r.PUT("/needs/:id", h.update(KindNeed))
	r.PATCH("/offers/:id/status", h.setStatus(KindOffer))
	r.PATCH("/needs/:id/status", h.setStatus(KindNeed))
	r.GET("/my-listings", h.mine)
}

func (h *Handler) create(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.UserID(c)
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.Kind = kind

		l, err := h.service.Create(c.Request.Context(), userID, req)
		if err != nil {
			var verrs validation.ValidationErrors
			if errors.As(err, &verrs) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": verrs})
				return
			}
			h.logger.Error("create listing failed", "kind", kind, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusCreated, l)
	}
}

func (h *Handler) get(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		l, err := h.service.Get(c.Request.Context(), kind, c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrListingNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
				return
			}
			h.logger.Error("get listing failed", "kind", kind, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, l)
	}
}

func (h *Handler) list(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}

		// Fetch one extra row to learn whether another page exists.
		listings, err := h.service.List(c.Request.Context(), kind, c.Query("status"), limit+1,
			WithCursor(c.Query("cursor")))
		if err != nil {
			h.logger.Error("list listings failed", "kind", kind, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		listings, next, hasMore := pagination.ComputePage(listings, limit, func(l *Listing) (time.Time, string) {
			return l.CreatedAt, l.ID
		})
		if listings == nil {
			listings = []*Listing{}
		}
		resp := gin.H{"listings": listings, "count": len(listings), "has_more": hasMore}
		if next != "" {
			resp["next_cursor"] = next
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handler) update(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.UserID(c)
		var req UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		l, err := h.service.Update(c.Request.Context(), kind, c.Param("id"), userID, req)
		if err != nil {
			var verrs validation.ValidationErrors
			switch {
			case errors.Is(err, ErrListingNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			case errors.Is(err, ErrNotOwner):
				c.JSON(http.StatusForbidden, gin.H{"error": "not the listing owner"})
			case errors.As(err, &verrs):
				c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": verrs})
			default:
				h.logger.Error("update listing failed", "kind", kind, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		c.JSON(http.StatusOK, l)
	}
}

func (h *Handler) setStatus(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.UserID(c)
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
			return
		}

		l, err := h.service.SetStatus(c.Request.Context(), kind, c.Param("id"), userID, req.Status)
		if err != nil {
			switch {
			case errors.Is(err, ErrListingNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			case errors.Is(err, ErrNotOwner):
				c.JSON(http.StatusForbidden, gin.H{"error": "not the listing owner"})
			case errors.Is(err, ErrInvalidStatus):
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			default:
				h.logger.Error("set listing status failed", "kind", kind, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		c.JSON(http.StatusOK, l)
	}
}

func (h *Handler) mine(c *gin.Context) {
	userID, _ := auth.UserID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	listings, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list own listings failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if listings == nil {
		listings = []*Listing{}
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}
