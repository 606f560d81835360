package rooms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"findernate-realtime/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

func testRoomsConfig(baseURL string) config.RoomsConfig {
	return config.RoomsConfig{
		BaseURL:            baseURL,
		AccessKey:          "ak",
		Secret:             "provider-secret",
		TemplateID:         "tpl-1",
		ManagementTokenTTL: 12 * time.Hour,
		JoinTokenTTL:       2 * time.Hour,
	}
}

func TestCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("expected management bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"room-1","name":"call-c1","enabled":true}`))
	}))
	defer srv.Close()

	p := NewHundredMS(testRoomsConfig(srv.URL))
	h, err := p.CreateRoom(context.Background(), CreateRoomRequest{CallID: "c1", CallType: "video", Participants: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if h.ID != "room-1" || !h.Enabled {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if h.CreatedAt.IsZero() {
		t.Fatalf("expected created_at fallback")
	}
}

func TestCreateRoomProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"template not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHundredMS(testRoomsConfig(srv.URL))
	if _, err := p.CreateRoom(context.Background(), CreateRoomRequest{CallID: "c1", CallType: "voice"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestIssueTokenMintsLocally(t *testing.T) {
	cfg := testRoomsConfig("https://unreachable.invalid")
	p := NewHundredMS(cfg)
	now := time.Unix(1700000000, 0).UTC()
	p.clock = func() time.Time { return now }

	tok, err := p.IssueToken(context.Background(), IssueTokenRequest{RoomID: "room-1", CallID: "c1", UserID: "u1", Role: RoleHost})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if tok.ExpiresAt != now.Add(cfg.JoinTokenTTL) {
		t.Fatalf("unexpected expiry: %v", tok.ExpiresAt)
	}

	parsed, err := jwt.Parse(tok.Value, func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil },
		jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["room_id"] != "room-1" || claims["user_id"] != "u1" || claims["role"] != "host" || claims["type"] != "app" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestIssueTokenRejectsBadRole(t *testing.T) {
	p := NewHundredMS(testRoomsConfig("https://unreachable.invalid"))
	if _, err := p.IssueToken(context.Background(), IssueTokenRequest{RoomID: "r", UserID: "u", Role: Role("admin")}); err == nil {
		t.Fatalf("expected role error")
	}
}

func TestEndRoomTreats404AsAlreadyDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewHundredMS(testRoomsConfig(srv.URL))
	ended, err := p.EndRoom(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("end room: %v", err)
	}
	if ended {
		t.Fatalf("expected ended=false for absent active room")
	}
}

func TestListActiveSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/active-rooms/room-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"room-1","session":{"id":"sess-1","peers":{"p1":{"id":"p1","user_id":"u1","role":"host"}}}}`))
	}))
	defer srv.Close()

	p := NewHundredMS(testRoomsConfig(srv.URL))
	sessions, err := p.ListActiveSessions(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-1" || len(sessions[0].Peers) != 1 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].Peers[0].UserID != "u1" || sessions[0].Peers[0].Role != RoleHost {
		t.Fatalf("unexpected peer: %+v", sessions[0].Peers[0])
	}
}

func TestManagementTokenCached(t *testing.T) {
	p := NewHundredMS(testRoomsConfig("https://unreachable.invalid"))
	now := time.Unix(1700000000, 0).UTC()
	p.clock = func() time.Time { return now }

	t1, err := p.managementToken()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	now = now.Add(time.Hour)
	t2, _ := p.managementToken()
	if t1 != t2 {
		t.Fatalf("expected cached token within TTL")
	}

	now = now.Add(11 * time.Hour)
	t3, _ := p.managementToken()
	if t1 == t3 {
		t.Fatalf("expected re-mint near expiry")
	}
}
