package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thehive/hive/internal/conversation"
	"github.com/thehive/hive/internal/handshake"
	"github.com/thehive/hive/internal/honey"
	"github.com/thehive/hive/internal/user"
)

// Inbound event types.
const (
	eventMessage          = "message"
	eventHandshakeStart   = "handshake_start"
	eventHandshakeApprove = "handshake_approve"
)

// opTimeout bounds each chat operation triggered from the socket.
const opTimeout = 10 * time.Second

// TokenResolver authenticates a raw bearer token to a user id.
type TokenResolver interface {
	Resolve(ctx context.Context, raw string) (string, error)
}

// ChatService is the slice of the conversation service the socket uses.
type ChatService interface {
	CanAccess(ctx context.Context, conversationID, userID string) (bool, error)
	PostMessage(ctx context.Context, conversationID, senderID, content string) (*conversation.Message, error)
	StartHandshake(ctx context.Context, conversationID, callerID, notes string) (*handshake.Handshake, error)
	ApproveHandshake(ctx context.Context, conversationID, callerID string) (*handshake.Handshake, error)
	ExistingHandshake(ctx context.Context, conversationID, callerID string) (*handshake.Handshake, error)
}

// UserDirectory looks up user summaries for outbound payloads.
type UserDirectory interface {
	Get(ctx context.Context, id string) (*user.User, error)
}

// Channel accepts chat WebSocket connections and dispatches their
// events through the conversation service.
type Channel struct {
	hub    *Hub
	chat   ChatService
	tokens TokenResolver
	users  UserDirectory
	logger *slog.Logger
}

// NewChannel creates a chat channel on a running hub.
func NewChannel(hub *Hub, chat ChatService, tokens TokenResolver, users UserDirectory, logger *slog.Logger) *Channel {
	return &Channel{hub: hub, chat: chat, tokens: tokens, users: users, logger: logger}
}

type inboundEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Notes   string `json:"notes"`
}

type senderSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type messageBody struct {
	ID        string        `json:"id"`
	Sender    senderSummary `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	IsRead    bool          `json:"is_read"`
}

type messageEvent struct {
	Type    string      `json:"type"`
	Message messageBody `json:"message"`
}

type handshakeBody struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	User1ID string `json:"user1_id"`
	User2ID string `json:"user2_id"`
	Message string `json:"message,omitempty"`
}

type handshakeEvent struct {
	Type      string        `json:"type"`
	Handshake handshakeBody `json:"handshake"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HandleWebSocket upgrades the request and joins the client to its
// conversation. Failures after the upgrade close the socket with an
// application close code: 4001 unauthorized, 4000 bad request, 4003
// forbidden.
func (ch *Channel) HandleWebSocket(w http.ResponseWriter, r *http.Request, conversationID string) {
	if ch.hub.closed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if ch.hub.full() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ch.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	userID, err := ch.authenticate(r)
	if err != nil {
		closeWith(conn, CloseUnauthorized, "unauthorized")
		return
	}
	if conversationID == "" {
		closeWith(conn, CloseBadRequest, "conversation id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	allowed, err := ch.chat.CanAccess(ctx, conversationID, userID)
	cancel()
	if err != nil || !allowed {
		closeWith(conn, CloseForbidden, "access denied")
		return
	}

	client := &Client{
		hub:            ch.hub,
		conn:           conn,
		send:           make(chan []byte, 256),
		userID:         userID,
		conversationID: conversationID,
	}
	ch.hub.register <- client

	go client.writePump()
	go client.readPump(ch.dispatch)
}

// authenticate pulls the token from the `token` query parameter or the
// Authorization header.
func (ch *Channel) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	return ch.tokens.Resolve(ctx, token)
}

func (ch *Channel) dispatch(c *Client, raw []byte) {
	var ev inboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Invalid JSON"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch ev.Type {
	case eventMessage:
		ch.handleMessage(ctx, c, ev.Content)
	case eventHandshakeStart:
		ch.handleHandshakeStart(ctx, c, ev.Notes)
	case eventHandshakeApprove:
		ch.handleHandshakeApprove(ctx, c)
	default:
		ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Unknown event type"})
	}
}

func (ch *Channel) handleMessage(ctx context.Context, c *Client, content string) {
	if strings.TrimSpace(content) == "" {
		ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Content is required"})
		return
	}

	m, err := ch.chat.PostMessage(ctx, c.conversationID, c.userID, content)
	if err != nil {
		// The creator talking before anyone shows interest has nobody
		// to deliver to; drop the message silently.
		if errors.Is(err, conversation.ErrNoConversation) {
			return
		}
		ch.logger.Warn("socket message failed",
			"conversation_id", c.conversationID, "error", err)
		ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Could not send message"})
		return
	}

	ch.hub.Publish(c.conversationID, messageEvent{
		Type: eventMessage,
		Message: messageBody{
			ID:        m.ID,
			Sender:    ch.sender(ctx, m.SenderID),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			IsRead:    m.IsRead,
		},
	})
}

func (ch *Channel) handleHandshakeStart(ctx context.Context, c *Client, notes string) {
	hs, err := ch.chat.StartHandshake(ctx, c.conversationID, c.userID, notes)
	if err != nil {
		switch {
		case errors.Is(err, handshake.ErrAlreadyExists):
			existing, lookupErr := ch.chat.ExistingHandshake(ctx, c.conversationID, c.userID)
			if lookupErr != nil {
				ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Handshake already exists"})
				return
			}
			ch.hub.Publish(c.conversationID, handshakeEvent{
				Type: "handshake",
				Handshake: handshakeBody{
					ID:      existing.ID,
					Status:  existing.Status,
					User1ID: existing.User1,
					User2ID: existing.User2,
					Message: "Handshake already exists",
				},
			})
		case errors.Is(err, honey.ErrInsufficientFunds):
			ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Insufficient honey"})
		case errors.Is(err, handshake.ErrCreatorInitiated):
			ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Only the interested member can propose a handshake"})
		default:
			ch.logger.Warn("socket handshake start failed",
				"conversation_id", c.conversationID, "error", err)
			ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Could not start handshake"})
		}
		return
	}
	ch.publishHandshake(c.conversationID, hs, "Handshake created")
}

func (ch *Channel) handleHandshakeApprove(ctx context.Context, c *Client) {
	hs, err := ch.chat.ApproveHandshake(ctx, c.conversationID, c.userID)
	if err != nil {
		switch {
		case errors.Is(err, handshake.ErrNotCreator):
			ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Only the listing creator can approve"})
		case errors.Is(err, handshake.ErrInvalidState):
			ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Handshake is not awaiting approval"})
		default:
			ch.logger.Warn("socket handshake approve failed",
				"conversation_id", c.conversationID, "error", err)
			ch.hub.sendTo(c, errorEvent{Type: "error", Message: "Could not approve handshake"})
		}
		return
	}
	ch.publishHandshake(c.conversationID, hs, "Handshake approved")
}

func (ch *Channel) publishHandshake(conversationID string, hs *handshake.Handshake, note string) {
	ch.hub.Publish(conversationID, handshakeEvent{
		Type: "handshake",
		Handshake: handshakeBody{
			ID:      hs.ID,
			Status:  hs.Status,
			User1ID: hs.User1,
			User2ID: hs.User2,
			Message: note,
		},
	})
}

func (ch *Channel) sender(ctx context.Context, userID string) senderSummary {
	u, err := ch.users.Get(ctx, userID)
	if err != nil {
		return senderSummary{ID: userID}
	}
	return senderSummary{ID: u.ID, Username: u.Username}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
