// Package conversation routes chat between a listing creator and the
// members interested in it.
//
// A conversation is identified by "{offer|need}_{listingID}". The
// creator is always a party; the other party is resolved from the
// listing's interests, created lazily the first time a non-creator
// opens the conversation. Chat is also where handshakes start: the
// interested party proposes one and the creator approves it without
// leaving the thread.
package conversation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/thehive/hive/internal/handshake"
	"github.com/thehive/hive/internal/honey"
	"github.com/thehive/hive/internal/idgen"
	"github.com/thehive/hive/internal/interest"
	"github.com/thehive/hive/internal/listing"
	"github.com/thehive/hive/internal/metrics"
	"github.com/thehive/hive/internal/profile"
	"github.com/thehive/hive/internal/traces"
	"github.com/thehive/hive/internal/user"
	"github.com/thehive/hive/internal/validation"
)

var (
	ErrBadConversationID = errors.New("malformed conversation id")
	ErrNoConversation    = errors.New("no conversation partner yet")
	ErrEmptyContent      = errors.New("content is required")
	ErrNotParty          = errors.New("not a party to this conversation")
	ErrMessageNotFound   = errors.New("message not found")
)

// ID builds a conversation id from a listing reference.
func ID(kind listing.Kind, listingID string) string {
	return string(kind) + "_" + listingID
}

// ParseID splits a conversation id into its listing reference.
func ParseID(id string) (listing.Kind, string, error) {
	kind, rest, ok := strings.Cut(id, "_")
	if !ok || rest == "" {
		return "", "", ErrBadConversationID
	}
	k := listing.Kind(kind)
	if !k.Valid() {
		return "", "", ErrBadConversationID
	}
	return k, rest, nil
}

// Conversation is a resolved chat thread. Creator owns the listing;
// Other is the interested party, with their interest alongside.
type Conversation struct {
	ID        string             `json:"id"`
	Kind      listing.Kind       `json:"kind"`
	ListingID string             `json:"listing_id"`
	Title     string             `json:"title"`
	Creator   string             `json:"creator_id"`
	Other     string             `json:"other_id"`
	Interest  *interest.Interest `json:"-"`
}

// Recipient returns the other party from senderID's point of view.
func (c *Conversation) Recipient(senderID string) string {
	if senderID == c.Creator {
		return c.Other
	}
	return c.Creator
}

// Message is one chat message in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Party is the other user's public payload on an inbox row.
type Party struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Rank     string `json:"rank,omitempty"`
	Honey    int64  `json:"honey"`
}

// Summary is one row in a user's inbox.
type Summary struct {
	ConversationID string       `json:"conversation_id"`
	Kind           listing.Kind `json:"kind"`
	ListingID      string       `json:"listing_id"`
	Title          string       `json:"title"`
	IsCreator      bool         `json:"is_creator"`
	OtherID        string       `json:"other_id"`
	Other          *Party       `json:"other,omitempty"`
	InterestStatus string       `json:"interest_status,omitempty"`
	LastMessage    string       `json:"last_message,omitempty"`
	LastMessageAt  *time.Time   `json:"last_message_at,omitempty"`
	UnreadCount    int          `json:"unread_count"`
}

// MessageStore persists chat messages.
type MessageStore interface {
	Create(ctx context.Context, m *Message) error
	List(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	Latest(ctx context.Context, conversationID string) (*Message, error)
	CountUnread(ctx context.Context, conversationID, recipientID string) (int, error)
	MarkRead(ctx context.Context, conversationID, recipientID string) (int, error)
}

// HandshakeService is the slice of the handshake service chat uses.
type HandshakeService interface {
	Create(ctx context.Context, interestID, callerID, notes string) (*handshake.Handshake, error)
	Approve(ctx context.Context, id, callerID string) (*handshake.Handshake, error)
	GetByInterest(ctx context.Context, interestID string) (*handshake.Handshake, error)
}

// Directory supplies the public fields of the other party on an inbox
// row. Any of the three sources may be nil; the row then omits the
// corresponding fields.
type Directory struct {
	Users    UserSource
	Profiles ProfileSource
	Balances BalanceSource
}

type UserSource interface {
	Get(ctx context.Context, id string) (*user.User, error)
}

type ProfileSource interface {
	Get(ctx context.Context, userID string) (*profile.Profile, error)
}

type BalanceSource interface {
	GetBalance(ctx context.Context, userID string) (*honey.Balance, error)
}

// Service resolves conversations and carries chat operations.
type Service struct {
	messages   MessageStore
	listings   *listing.Service
	interests  *interest.Service
	handshakes HandshakeService
	dir        Directory
}

// NewService creates a conversation service.
func NewService(messages MessageStore, listings *listing.Service, interests *interest.Service, handshakes HandshakeService, dir Directory) *Service {
	return &Service{
		messages:   messages,
		listings:   listings,
		interests:  interests,
		handshakes: handshakes,
		dir:        dir,
	}
}

// CanAccess reports whether a user may open a conversation: the
// creator always can, anyone else can as long as the listing exists.
func (s *Service) CanAccess(ctx context.Context, conversationID, userID string) (bool, error) {
	kind, listingID, err := ParseID(conversationID)
	if err != nil {
		return false, err
	}
	_, err = s.listings.Get(ctx, kind, listingID)
	if errors.Is(err, listing.ErrListingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Resolve materializes the conversation for a requester. A non-creator
// gets their interest created lazily; the creator gets the first
// non-creator interest, or ErrNoConversation when nobody has shown up.
func (s *Service) Resolve(ctx context.Context, conversationID, requesterID string) (*Conversation, error) {
	kind, listingID, err := ParseID(conversationID)
	if err != nil {
		return nil, err
	}
	l, err := s.listings.Get(ctx, kind, listingID)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ID:        conversationID,
		Kind:      kind,
		ListingID: listingID,
		Title:     l.Title,
		Creator:   l.UserID,
	}

	if requesterID == l.UserID {
		ins, err := s.interests.ListByListing(ctx, kind, listingID, requesterID)
		if err != nil {
			return nil, err
		}
		for _, in := range ins {
			if in.UserID != l.UserID {
				conv.Other = in.UserID
				conv.Interest = in
				return conv, nil
			}
		}
		return nil, ErrNoConversation
	}

	in, _, err := s.interests.GetOrCreate(ctx, kind, listingID, requesterID)
	if err != nil {
		return nil, err
	}
	conv.Other = in.UserID
	conv.Interest = in
	return conv, nil
}

// PostMessage stores a message from senderID in a conversation.
func (s *Service) PostMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	ctx, span := traces.StartSpan(ctx, "conversation.PostMessage",
		traces.ConversationID(conversationID), traces.UserID(senderID))
	defer span.End()

	conv, err := s.Resolve(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if senderID != conv.Creator && senderID != conv.Other {
		return nil, ErrNotParty
	}

	m := &Message{
		ID:             idgen.WithPrefix("msg_"),
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    conv.Recipient(senderID),
		Content:        validation.SanitizeString(content, validation.MaxStringLength),
		CreatedAt:      time.Now(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("chat").Inc()
	return m, nil
}

// ListMessages returns a conversation's messages, oldest first. Only a
// party to the conversation may read it.
func (s *Service) ListMessages(ctx context.Context, conversationID, requesterID string, limit int) ([]*Message, error) {
	conv, err := s.Resolve(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if requesterID != conv.Creator && requesterID != conv.Other {
		return nil, ErrNotParty
	}
	if limit <= 0 {
		limit = 100
	}
	return s.messages.List(ctx, conversationID, limit)
}

// Thread is the chat-pane payload: the conversation's messages plus the
// interest disposition and any handshake attached to it.
type Thread struct {
	ConversationID string               `json:"conversation_id"`
	Messages       []*Message           `json:"messages"`
	InterestStatus string               `json:"interest_status,omitempty"`
	Handshake      *handshake.Handshake `json:"handshake,omitempty"`
}

// GetThread returns the conversation's messages together with the
// interest status and handshake, and marks messages addressed to the
// requester as read.
func (s *Service) GetThread(ctx context.Context, conversationID, requesterID string, limit int) (*Thread, error) {
	conv, err := s.Resolve(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if requesterID != conv.Creator && requesterID != conv.Other {
		return nil, ErrNotParty
	}
	if limit <= 0 {
		limit = 100
	}
	msgs, err := s.messages.List(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	if _, err := s.messages.MarkRead(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}

	th := &Thread{ConversationID: conv.ID, Messages: msgs}
	if conv.Interest != nil {
		th.InterestStatus = conv.Interest.Status
		if hs, err := s.handshakes.GetByInterest(ctx, conv.Interest.ID); err == nil {
			th.Handshake = hs
		}
	}
	return th, nil
}

// MarkRead marks all messages addressed to requesterID as read.
func (s *Service) MarkRead(ctx context.Context, conversationID, requesterID string) (int, error) {
	return s.messages.MarkRead(ctx, conversationID, requesterID)
}

// StartHandshake proposes a handshake from inside a conversation. Only
// the interested party may start one; their interest must already
// exist (opening the conversation creates it).
func (s *Service) StartHandshake(ctx context.Context, conversationID, callerID, notes string) (*handshake.Handshake, error) {
	kind, listingID, err := ParseID(conversationID)
	if err != nil {
		return nil, err
	}
	in, err := s.interests.GetByListingUser(ctx, kind, listingID, callerID)
	if err != nil {
		return nil, err
	}
	return s.handshakes.Create(ctx, in.ID, callerID, notes)
}

// ExistingHandshake fetches the handshake attached to the caller's
// interest in this conversation, if one exists.
func (s *Service) ExistingHandshake(ctx context.Context, conversationID, callerID string) (*handshake.Handshake, error) {
	kind, listingID, err := ParseID(conversationID)
	if err != nil {
		return nil, err
	}
	in, err := s.interests.GetByListingUser(ctx, kind, listingID, callerID)
	if err != nil {
		return nil, err
	}
	return s.handshakes.GetByInterest(ctx, in.ID)
}

// ApproveHandshake approves the conversation's pending handshake from
// inside chat. Creator only; the handshake is found via the other
// party's interest.
func (s *Service) ApproveHandshake(ctx context.Context, conversationID, callerID string) (*handshake.Handshake, error) {
	conv, err := s.Resolve(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if callerID != conv.Creator {
		return nil, handshake.ErrNotCreator
	}
	hs, err := s.handshakes.GetByInterest(ctx, conv.Interest.ID)
	if err != nil {
		return nil, err
	}
	return s.handshakes.Approve(ctx, hs.ID, callerID)
}

// Summaries builds a user's inbox: one row per conversation they are a
// party to, newest activity first, threads with no messages last.
func (s *Service) Summaries(ctx context.Context, userID string) ([]*Summary, error) {
	seen := make(map[string]*Summary)

	// Conversations on the user's own listings, one per interest holder.
	own, err := s.listings.ListByUser(ctx, userID, 200)
	if err != nil {
		return nil, err
	}
	for _, l := range own {
		ins, err := s.interests.ListByListing(ctx, l.Kind, l.ID, userID)
		if err != nil {
			return nil, err
		}
		for _, in := range ins {
			if in.UserID == userID {
				continue
			}
			s.addSummary(ctx, seen, l, in, in.UserID, userID)
		}
	}

	// Conversations the user joined by expressing interest.
	held, err := s.interests.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, in := range held {
		l, err := s.listings.Get(ctx, in.ListingKind, in.ListingID)
		if err != nil {
			continue
		}
		s.addSummary(ctx, seen, l, in, l.UserID, userID)
	}

	out := make([]*Summary, 0, len(seen))
	for _, sum := range seen {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out, nil
}

func (s *Service) addSummary(ctx context.Context, seen map[string]*Summary, l *listing.Listing, in *interest.Interest, otherID, userID string) {
	id := ID(l.Kind, l.ID)
	if _, ok := seen[id]; ok {
		return
	}
	sum := &Summary{
		ConversationID: id,
		Kind:           l.Kind,
		ListingID:      l.ID,
		Title:          l.Title,
		IsCreator:      l.UserID == userID,
		OtherID:        otherID,
		InterestStatus: in.Status,
		Other:          s.party(ctx, otherID),
	}
	if last, err := s.messages.Latest(ctx, id); err == nil {
		sum.LastMessage = last.Content
		t := last.CreatedAt
		sum.LastMessageAt = &t
	}
	if n, err := s.messages.CountUnread(ctx, id, userID); err == nil {
		sum.UnreadCount = n
	}
	seen[id] = sum
}

// party assembles the other user's public fields. Lookups are
// best-effort; a missing source or a lookup failure leaves its field
// zero rather than failing the inbox.
func (s *Service) party(ctx context.Context, otherID string) *Party {
	if s.dir.Users == nil {
		return nil
	}
	u, err := s.dir.Users.Get(ctx, otherID)
	if err != nil {
		return nil
	}
	p := &Party{ID: u.ID, Username: u.Username}
	if s.dir.Profiles != nil {
		if prof, err := s.dir.Profiles.Get(ctx, otherID); err == nil {
			p.Rank = prof.Rank
		}
	}
	if s.dir.Balances != nil {
		if bal, err := s.dir.Balances.GetBalance(ctx, otherID); err == nil {
			p.Honey = bal.Total
		}
	}
	return p
}
