package conversation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/thehive/hive/internal/auth"
	"github.com/thehive/hive/internal/handshake"
	"github.com/thehive/hive/internal/honey"
	"github.com/thehive/hive/internal/interest"
	"github.com/thehive/hive/internal/listing"
)

// Handler exposes chat HTTP endpoints; the realtime channel mirrors
// them over a socket.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a conversation HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes mounts chat endpoints; all require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/conversations", h.inbox)
	r.GET("/conversations/:id/messages", h.listMessages)
	r.POST("/conversations/:id/messages", h.postMessage)
	r.POST("/conversations/:id/read", h.markRead)
	r.POST("/conversations/:id/handshake", h.startHandshake)
	r.POST("/conversations/:id/handshake/approve", h.approveHandshake)
}

func (h *Handler) inbox(c *gin.Context) {
	userID, _ := auth.UserID(c)
	sums, err := h.service.Summaries(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("build inbox failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if sums == nil {
		sums = []*Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": sums, "count": len(sums)})
}

// listMessages returns the thread and marks it read for the requester.
func (h *Handler) listMessages(c *gin.Context) {
	userID, _ := auth.UserID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	th, err := h.service.GetThread(c.Request.Context(), c.Param("id"), userID, limit)
	if err != nil {
		h.respondError(c, err, "list messages")
		return
	}
	if th.Messages == nil {
		th.Messages = []*Message{}
	}
	resp := gin.H{"messages": th.Messages, "count": len(th.Messages)}
	if th.InterestStatus != "" {
		resp["interest_status"] = th.InterestStatus
	}
	if th.Handshake != nil {
		resp["handshake"] = gin.H{"id": th.Handshake.ID, "status": th.Handshake.Status}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) postMessage(c *gin.Context) {
	userID, _ := auth.UserID(c)
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	m, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), userID, req.Content)
	if err != nil {
		h.respondError(c, err, "post message")
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) markRead(c *gin.Context) {
	userID, _ := auth.UserID(c)
	n, err := h.service.MarkRead(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (h *Handler) startHandshake(c *gin.Context) {
	userID, _ := auth.UserID(c)
	var req struct {
		Notes string `json:"notes"`
	}
	_ = c.ShouldBindJSON(&req)

	hs, err := h.service.StartHandshake(c.Request.Context(), c.Param("id"), userID, req.Notes)
	if err != nil {
		h.respondError(c, err, "start handshake")
		return
	}
	c.JSON(http.StatusCreated, hs)
}

func (h *Handler) approveHandshake(c *gin.Context) {
	userID, _ := auth.UserID(c)
	hs, err := h.service.ApproveHandshake(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err, "approve handshake")
		return
	}
	c.JSON(http.StatusOK, hs)
}

func (h *Handler) respondError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrBadConversationID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed conversation id"})
	case errors.Is(err, ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
	case errors.Is(err, listing.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
	case errors.Is(err, ErrNoConversation):
		c.JSON(http.StatusNotFound, gin.H{"error": "no conversation partner yet"})
	case errors.Is(err, interest.ErrInterestNotFound), errors.Is(err, handshake.ErrHandshakeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ErrNotParty), errors.Is(err, handshake.ErrNotCreator),
		errors.Is(err, handshake.ErrNotParticipant), errors.Is(err, handshake.ErrCreatorInitiated),
		errors.Is(err, interest.ErrOwnListing):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case errors.Is(err, handshake.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "handshake already exists"})
	case errors.Is(err, handshake.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid handshake state"})
	case errors.Is(err, honey.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient honey"})
	default:
		h.logger.Error(op+" failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
