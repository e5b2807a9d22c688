package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thehive/hive/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing (in-memory stores)
func testConfig() *config.Config {
	return &config.Config{
		Port:          "0",
		Env:           "development",
		LogLevel:      "error",
		TokenTTL:      24 * time.Hour,
		StartingHoney: 3,
	}
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

// registerUser creates an account and returns its session token
func registerUser(t *testing.T, s *Server, username string) string {
	t.Helper()
	w := doJSON(t, s, "POST", "/v1/auth/register", "", gin.H{
		"username": username,
		"email":    username + "@hive.local",
		"password": "beeswax-hunter",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Register %s: expected 201, got %d: %s", username, w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, w, &resp)
	if resp.Token == "" {
		t.Fatalf("Register %s: empty token", username)
	}
	return resp.Token
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	decode(t, w, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessNotReadyBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Auth boundary
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	paths := []struct{ method, path string }{
		{"POST", "/v1/offers"},
		{"POST", "/v1/handshakes"},
		{"GET", "/v1/conversations"},
		{"GET", "/v1/honey-balance"},
		{"GET", "/v1/my-listings"},
	}

	for _, p := range paths {
		w := doJSON(t, s, p.method, p.path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without token, got %d", p.method, p.path, w.Code)
		}
	}
}

func TestPublicBrowsingWithoutAuth(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/offers", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 browsing offers anonymously, got %d", w.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	s := newTestServer(t)
	token := registerUser(t, s, "revoked")

	if w := doJSON(t, s, "GET", "/v1/honey-balance", token, nil); w.Code != http.StatusOK {
		t.Fatalf("Expected 200 with fresh token, got %d", w.Code)
	}

	if w := doJSON(t, s, "POST", "/v1/auth/logout", token, nil); w.Code != http.StatusOK {
		t.Fatalf("Logout: expected 200, got %d", w.Code)
	}

	if w := doJSON(t, s, "GET", "/v1/honey-balance", token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 after logout, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Full marketplace flow over HTTP
// ---------------------------------------------------------------------------

func TestOfferHandshakeFlow(t *testing.T) {
	s := newTestServer(t)

	aliceTok := registerUser(t, s, "alice")
	bobTok := registerUser(t, s, "bob")

	// Alice posts an offer worth 2 honey
	w := doJSON(t, s, "POST", "/v1/offers", aliceTok, gin.H{
		"title":       "Garden help",
		"description": "Two hours of weeding and planting in your garden.",
		"duration":    "2 Hours",
		"tags":        []string{"garden", "outdoors"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create offer: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var offer struct {
		ID string `json:"id"`
	}
	decode(t, w, &offer)

	// Bob expresses interest
	w = doJSON(t, s, "POST", "/v1/offers/"+offer.ID+"/interests", bobTok, gin.H{
		"message": "I could really use this",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Express interest: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var in struct {
		ID string `json:"id"`
	}
	decode(t, w, &in)

	// Bob starts a handshake; 2 honey is provisioned from his balance
	w = doJSON(t, s, "POST", "/v1/handshakes", bobTok, gin.H{
		"interest_id": in.ID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create handshake: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var hs struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, w, &hs)
	if hs.Status != "active" {
		t.Errorf("Expected handshake status 'active', got %q", hs.Status)
	}

	var bal struct {
		Total       int64 `json:"total_honey"`
		Provisioned int64 `json:"provisioned_honey"`
		Usable      int64 `json:"usable_honey"`
	}
	w = doJSON(t, s, "GET", "/v1/honey-balance", bobTok, nil)
	decode(t, w, &bal)
	if bal.Total != 3 || bal.Provisioned != 2 || bal.Usable != 1 {
		t.Errorf("Bob after provision: got total=%d provisioned=%d usable=%d", bal.Total, bal.Provisioned, bal.Usable)
	}

	// Bob cannot approve his own request; Alice can
	if w = doJSON(t, s, "POST", "/v1/handshakes/"+hs.ID+"/approve", bobTok, nil); w.Code != http.StatusForbidden {
		t.Errorf("Requester approve: expected 403, got %d", w.Code)
	}
	w = doJSON(t, s, "POST", "/v1/handshakes/"+hs.ID+"/approve", aliceTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &hs)
	if hs.Status != "in_progress" {
		t.Errorf("Expected 'in_progress' after approve, got %q", hs.Status)
	}

	// Completion settles: Bob pays 2, Alice earns 2
	w = doJSON(t, s, "POST", "/v1/handshakes/"+hs.ID+"/complete", aliceTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/honey-balance", bobTok, nil)
	decode(t, w, &bal)
	if bal.Total != 1 || bal.Provisioned != 0 {
		t.Errorf("Bob after settle: got total=%d provisioned=%d", bal.Total, bal.Provisioned)
	}

	w = doJSON(t, s, "GET", "/v1/honey-balance", aliceTok, nil)
	decode(t, w, &bal)
	if bal.Total != 5 {
		t.Errorf("Alice after settle: got total=%d, want 5", bal.Total)
	}
}

func TestConversationFlow(t *testing.T) {
	s := newTestServer(t)

	aliceTok := registerUser(t, s, "carol")
	bobTok := registerUser(t, s, "dave")

	w := doJSON(t, s, "POST", "/v1/needs", aliceTok, gin.H{
		"title":       "Bike repair",
		"description": "My rear brake is rubbing and I cannot figure out why.",
		"duration":    "1 Hour",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create need: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var need struct {
		ID string `json:"id"`
	}
	decode(t, w, &need)

	convID := "need_" + need.ID

	// First message from a non-creator creates the interest implicitly
	w = doJSON(t, s, "POST", "/v1/conversations/"+convID+"/messages", bobTok, gin.H{
		"content": "I fix bikes, happy to take a look",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Post message: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Creator sees it in the inbox with an unread count
	w = doJSON(t, s, "GET", "/v1/conversations", aliceTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Inbox: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var inbox struct {
		Conversations []struct {
			ConversationID string `json:"conversation_id"`
			UnreadCount    int    `json:"unread_count"`
		} `json:"conversations"`
		Count int `json:"count"`
	}
	decode(t, w, &inbox)
	if inbox.Count != 1 {
		t.Fatalf("Expected 1 conversation, got %d", inbox.Count)
	}
	if inbox.Conversations[0].ConversationID != convID {
		t.Errorf("Expected conversation %q, got %q", convID, inbox.Conversations[0].ConversationID)
	}
	if inbox.Conversations[0].UnreadCount != 1 {
		t.Errorf("Expected 1 unread, got %d", inbox.Conversations[0].UnreadCount)
	}

	// Reading marks messages as read
	w = doJSON(t, s, "GET", "/v1/conversations/"+convID+"/messages", aliceTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("List messages: expected 200, got %d", w.Code)
	}
	if w = doJSON(t, s, "POST", "/v1/conversations/"+convID+"/read", aliceTok, nil); w.Code != http.StatusOK {
		t.Fatalf("Mark read: expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/conversations", aliceTok, nil)
	decode(t, w, &inbox)
	if inbox.Conversations[0].UnreadCount != 0 {
		t.Errorf("Expected 0 unread after read, got %d", inbox.Conversations[0].UnreadCount)
	}
}
