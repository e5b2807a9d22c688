package honey

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/thehive/hive/internal/auth"
)

// Handler exposes honey balance HTTP endpoints.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a honey HTTP handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterProtectedRoutes mounts balance endpoints; all require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/honey-balance", h.balance)
	r.GET("/honey-balance/history", h.history)
}

func (h *Handler) balance(c *gin.Context) {
	userID, _ := auth.UserID(c)
	b, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("get balance failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_honey":       b.Total,
		"provisioned_honey": b.Provisioned,
		"usable_honey":      b.Usable(),
	})
}

func (h *Handler) history(c *gin.Context) {
	userID, _ := auth.UserID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.ledger.GetHistory(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("get history failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
