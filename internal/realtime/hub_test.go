package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/thehive/hive/internal/conversation"
	"github.com/thehive/hive/internal/handshake"
	"github.com/thehive/hive/internal/honey"
	"github.com/thehive/hive/internal/interest"
	"github.com/thehive/hive/internal/listing"
	"github.com/thehive/hive/internal/user"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:            h,
		send:           make(chan []byte, 256),
		userID:         "usr_a",
		conversationID: "offer_1",
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["activeConversations"].(int) != 1 {
		t.Errorf("Expected 1 active conversation, got %v", stats["activeConversations"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["activeConversations"].(int) != 0 {
		t.Errorf("Expected empty topic to be dropped, got %v", stats["activeConversations"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishRoutesByConversation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	inConv := &Client{hub: h, send: make(chan []byte, 256), userID: "usr_a", conversationID: "offer_1"}
	inOther := &Client{hub: h, send: make(chan []byte, 256), userID: "usr_b", conversationID: "offer_2"}

	h.register <- inConv
	h.register <- inOther
	time.Sleep(50 * time.Millisecond)

	h.Publish("offer_1", map[string]string{"type": "message"})

	select {
	case msg := <-inConv.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for publish")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-inOther.send:
		t.Error("Client in another conversation should not receive the event")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// Channel dispatch tests
// ---------------------------------------------------------------------------

type channelEnv struct {
	channel *Channel
	hub     *Hub
	chat    *conversation.Service
	users   *user.Service
	convID  string
	creator string
	other   string
}

// newChannelEnv wires a channel against real in-memory services: a
// listing by the creator plus two registered users.
func newChannelEnv(t *testing.T) *channelEnv {
	t.Helper()

	users := user.NewService(user.NewMemoryStore())
	creator, _, err := registerUser(users, "queenbee")
	if err != nil {
		t.Fatal(err)
	}
	other, _, err := registerUser(users, "workerbee")
	if err != nil {
		t.Fatal(err)
	}

	listings := listing.NewService(listing.NewMemoryStore())
	interests := interest.NewService(interest.NewMemoryStore(), listings)
	ledger := honey.New(honey.NewMemoryStore(honey.DefaultStartingGrant))
	handshakes := handshake.NewService(handshake.NewMemoryStore(), ledger, interests, listings, nil, slog.Default())
	chat := conversation.NewService(conversation.NewMemoryMessageStore(), listings, interests, handshakes, conversation.Directory{})

	l, err := listings.Create(context.Background(), creator, listing.CreateRequest{
		Kind:        listing.KindOffer,
		Title:       "Fence painting",
		Description: "Happy to paint fences and small sheds on weekends.",
		Duration:    "1 Hour",
	})
	if err != nil {
		t.Fatal(err)
	}

	hub := testHub()
	channel := NewChannel(hub, chat, nil, users, slog.Default())
	return &channelEnv{
		channel: channel,
		hub:     hub,
		chat:    chat,
		users:   users,
		convID:  conversation.ID(listing.KindOffer, l.ID),
		creator: creator,
		other:   other,
	}
}

func registerUser(users *user.Service, username string) (string, string, error) {
	u, err := users.Register(context.Background(), username, username+"@hive.local", "hunter2hunter2")
	if err != nil {
		return "", "", err
	}
	return u.ID, u.Username, nil
}

func (e *channelEnv) client(userID string) *Client {
	return &Client{
		hub:            e.hub,
		send:           make(chan []byte, 256),
		userID:         userID,
		conversationID: e.convID,
	}
}

func recvEvent(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.send:
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		return out
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestDispatch_InvalidJSON(t *testing.T) {
	e := newChannelEnv(t)
	c := e.client(e.other)

	e.channel.dispatch(c, []byte("{not json"))

	ev := recvEvent(t, c)
	if ev["type"] != "error" || ev["message"] != "Invalid JSON" {
		t.Errorf("Expected Invalid JSON error, got %v", ev)
	}
}

func TestDispatch_EmptyMessage(t *testing.T) {
	e := newChannelEnv(t)
	c := e.client(e.other)

	e.channel.dispatch(c, []byte(`{"type":"message","content":"   "}`))

	ev := recvEvent(t, c)
	if ev["message"] != "Content is required" {
		t.Errorf("Expected content error, got %v", ev)
	}
}

func TestDispatch_MessageBroadcast(t *testing.T) {
	e := newChannelEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	sender := e.client(e.other)
	watcher := e.client(e.creator)
	e.hub.register <- sender
	e.hub.register <- watcher
	time.Sleep(50 * time.Millisecond)

	e.channel.dispatch(sender, []byte(`{"type":"message","content":"hello there"}`))

	for _, c := range []*Client{sender, watcher} {
		ev := recvEvent(t, c)
		if ev["type"] != "message" {
			t.Fatalf("Expected message event, got %v", ev)
		}
		body := ev["message"].(map[string]any)
		if body["content"] != "hello there" {
			t.Errorf("Expected message content, got %v", body)
		}
		sub := body["sender"].(map[string]any)
		if sub["username"] != "workerbee" {
			t.Errorf("Expected sender summary, got %v", sub)
		}
	}
}

func TestDispatch_CreatorMessageWithoutPartnerIsDropped(t *testing.T) {
	e := newChannelEnv(t)
	c := e.client(e.creator)

	e.channel.dispatch(c, []byte(`{"type":"message","content":"anyone?"}`))

	select {
	case ev := <-c.send:
		t.Errorf("Expected silence, got %s", ev)
	default:
	}
}

func TestDispatch_HandshakeFlow(t *testing.T) {
	e := newChannelEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	other := e.client(e.other)
	creator := e.client(e.creator)
	e.hub.register <- other
	e.hub.register <- creator
	time.Sleep(50 * time.Millisecond)

	// Opening the conversation with a message creates the interest.
	e.channel.dispatch(other, []byte(`{"type":"message","content":"want to trade?"}`))
	recvEvent(t, other)
	recvEvent(t, creator)

	// Creator cannot start a handshake.
	e.channel.dispatch(creator, []byte(`{"type":"handshake_start"}`))
	ev := recvEvent(t, creator)
	if ev["type"] != "error" {
		t.Fatalf("Expected error for creator start, got %v", ev)
	}

	// The interested party can.
	e.channel.dispatch(other, []byte(`{"type":"handshake_start"}`))
	ev = recvEvent(t, other)
	if ev["type"] != "handshake" {
		t.Fatalf("Expected handshake event, got %v", ev)
	}
	body := ev["handshake"].(map[string]any)
	if body["status"] != handshake.StatusActive {
		t.Errorf("Expected active handshake, got %v", body)
	}
	if body["message"] != "Handshake created" {
		t.Errorf("Expected created note, got %v", body)
	}
	recvEvent(t, creator)

	// A duplicate start re-broadcasts the existing handshake.
	e.channel.dispatch(other, []byte(`{"type":"handshake_start"}`))
	ev = recvEvent(t, other)
	body = ev["handshake"].(map[string]any)
	if body["message"] != "Handshake already exists" {
		t.Errorf("Expected already-exists note, got %v", body)
	}
	recvEvent(t, creator)

	// Approval is creator-only.
	e.channel.dispatch(other, []byte(`{"type":"handshake_approve"}`))
	ev = recvEvent(t, other)
	if ev["type"] != "error" {
		t.Fatalf("Expected error for non-creator approve, got %v", ev)
	}

	e.channel.dispatch(creator, []byte(`{"type":"handshake_approve"}`))
	ev = recvEvent(t, creator)
	body = ev["handshake"].(map[string]any)
	if body["status"] != handshake.StatusInProgress {
		t.Errorf("Expected in_progress handshake, got %v", body)
	}
	if body["message"] != "Handshake approved" {
		t.Errorf("Expected approved note, got %v", body)
	}
}

func TestDispatch_UnknownEvent(t *testing.T) {
	e := newChannelEnv(t)
	c := e.client(e.other)

	e.channel.dispatch(c, []byte(`{"type":"shake_it"}`))

	ev := recvEvent(t, c)
	if ev["message"] != "Unknown event type" {
		t.Errorf("Expected unknown event error, got %v", ev)
	}
}
