package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"findernate-realtime/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// HundredMS is the v2 management-API adapter for the 100ms room provider.
//
// Management requests authenticate with a short-cached HS256 management
// token minted from the access-key/secret pair. Join tokens are minted
// locally with the same secret (no HTTP round trip) and a TTL strictly
// below the management token's.
type HundredMS struct {
	baseURL    string
	accessKey  string
	secret     []byte
	templateID string

	mgmtTTL time.Duration
	joinTTL time.Duration

	httpClient *http.Client
	clock      func() time.Time

	mu          sync.Mutex
	mgmtToken   string
	mgmtExpires time.Time
}

func NewHundredMS(cfg config.RoomsConfig) *HundredMS {
	return &HundredMS{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accessKey:  cfg.AccessKey,
		secret:     []byte(cfg.Secret),
		templateID: cfg.TemplateID,
		mgmtTTL:    cfg.ManagementTokenTTL,
		joinTTL:    cfg.JoinTokenTTL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		clock:      time.Now,
	}
}

func (p *HundredMS) Name() string { return "hundredms" }

func (p *HundredMS) HealthCheck(ctx context.Context) error {
	_, err := p.managementToken()
	return err
}

type hmsCreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TemplateID  string `json:"template_id,omitempty"`
}

type hmsRoomResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *HundredMS) CreateRoom(ctx context.Context, req CreateRoomRequest) (RoomHandle, error) {
	if req.CallID == "" {
		return RoomHandle{}, fmt.Errorf("rooms: call id is required")
	}

	body := hmsCreateRoomRequest{
		Name:        "call-" + req.CallID,
		Description: fmt.Sprintf("%s call, %d participants", req.CallType, len(req.Participants)),
		TemplateID:  p.templateID,
	}

	var out hmsRoomResponse
	if err := p.do(ctx, http.MethodPost, "/rooms", body, &out); err != nil {
		return RoomHandle{}, fmt.Errorf("rooms: create room: %w", err)
	}

	h := RoomHandle{
		ID:        out.ID,
		Enabled:   out.Enabled,
		CreatedAt: out.CreatedAt,
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = p.clock().UTC()
	}
	return h, nil
}

// IssueToken mints a join token locally. Claims follow the provider's app
// token shape: access key, room, user, role.
func (p *HundredMS) IssueToken(ctx context.Context, req IssueTokenRequest) (Token, error) {
	if req.RoomID == "" || req.UserID == "" {
		return Token{}, fmt.Errorf("rooms: room id and user id are required")
	}
	if !ValidRole(req.Role) {
		return Token{}, fmt.Errorf("rooms: invalid role %q", req.Role)
	}

	now := p.clock().UTC()
	exp := now.Add(p.joinTTL)

	claims := jwt.MapClaims{
		"access_key": p.accessKey,
		"room_id":    req.RoomID,
		"user_id":    req.UserID,
		"role":       string(req.Role),
		"type":       "app",
		"version":    2,
		"jti":        uuid.NewString(),
		"iat":        now.Unix(),
		"nbf":        now.Unix(),
		"exp":        exp.Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return Token{}, fmt.Errorf("rooms: sign join token: %w", err)
	}

	return Token{
		UserID:    req.UserID,
		Value:     signed,
		Role:      req.Role,
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}

func (p *HundredMS) EndRoom(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, fmt.Errorf("rooms: room id is required")
	}

	body := map[string]any{"reason": "call ended", "lock": false}
	err := p.do(ctx, http.MethodPost, "/active-rooms/"+roomID+"/end-room", body, nil)
	if err != nil {
		if isHTTPStatus(err, http.StatusNotFound) {
			// No active session; the room is already down.
			return false, nil
		}
		return false, fmt.Errorf("rooms: end room: %w", err)
	}
	return true, nil
}

type hmsActiveRoomResponse struct {
	ID      string `json:"id"`
	Session struct {
		ID    string `json:"id"`
		Peers map[string]struct {
			ID       string    `json:"id"`
			UserID   string    `json:"user_id"`
			Role     string    `json:"role"`
			JoinedAt time.Time `json:"joined_at"`
		} `json:"peers"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"session"`
}

func (p *HundredMS) ListActiveSessions(ctx context.Context, roomID string) ([]Session, error) {
	if roomID == "" {
		return nil, fmt.Errorf("rooms: room id is required")
	}

	var out hmsActiveRoomResponse
	err := p.do(ctx, http.MethodGet, "/active-rooms/"+roomID, nil, &out)
	if err != nil {
		if isHTTPStatus(err, http.StatusNotFound) {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("rooms: list sessions: %w", err)
	}

	s := Session{
		ID:        out.Session.ID,
		RoomID:    roomID,
		Active:    true,
		StartedAt: out.Session.CreatedAt,
	}
	for _, peer := range out.Session.Peers {
		s.Peers = append(s.Peers, SessionPeer{
			PeerID:   peer.ID,
			UserID:   peer.UserID,
			Role:     Role(peer.Role),
			JoinedAt: peer.JoinedAt,
		})
	}
	return []Session{s}, nil
}

/* ===================== MANAGEMENT TOKEN ===================== */

// managementToken returns a cached management token, re-minting when less
// than a quarter of its lifetime remains.
func (p *HundredMS) managementToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock().UTC()
	if p.mgmtToken != "" && now.Add(p.mgmtTTL/4).Before(p.mgmtExpires) {
		return p.mgmtToken, nil
	}

	exp := now.Add(p.mgmtTTL)
	claims := jwt.MapClaims{
		"access_key": p.accessKey,
		"type":       "management",
		"version":    2,
		"jti":        uuid.NewString(),
		"iat":        now.Unix(),
		"nbf":        now.Unix(),
		"exp":        exp.Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("rooms: sign management token: %w", err)
	}

	p.mgmtToken = signed
	p.mgmtExpires = exp
	return signed, nil
}

/* ===================== HTTP ===================== */

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.status, e.body)
}

func isHTTPStatus(err error, status int) bool {
	var se *httpStatusError
	return errors.As(err, &se) && se.status == status
}

func (p *HundredMS) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}

	tok, err := p.managementToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	return nil
}
