package rooms

import (
	"context"
	"errors"
	"time"
)

// Provider is the provider-agnostic contract for the external audio/video
// room service.
//
// Rules:
// - No provider SDK/API calls outside this package.
// - The provider is a black box reached only through these operations; its
//   media relay is never reimplemented here.
// - Callers must treat every method as fallible and degrade: a call without
//   a provider room proceeds on direct peer-to-peer signaling.
// - One versioned adapter per provider. Operations an adapter cannot serve
//   return ErrNotSupported explicitly; capabilities are never discovered by
//   probing method names at runtime.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	CreateRoom(ctx context.Context, req CreateRoomRequest) (RoomHandle, error)
	IssueToken(ctx context.Context, req IssueTokenRequest) (Token, error)
	EndRoom(ctx context.Context, roomID string) (bool, error)
	ListActiveSessions(ctx context.Context, roomID string) ([]Session, error)
}

var (
	// ErrNotSupported marks an operation the configured adapter cannot serve.
	ErrNotSupported = errors.New("rooms: operation not supported by provider")

	// ErrDisabled marks the absence of any configured provider.
	ErrDisabled = errors.New("rooms: provider not configured")
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func ValidRole(r Role) bool { return r == RoleHost || r == RoleGuest }

type CreateRoomRequest struct {
	// CallID is the internal call identifier; used as the room name so
	// provider-side records resolve back to a call.
	CallID string `json:"call_id"`

	// CallType is "voice" or "video"; selects the provider template.
	CallType string `json:"call_type"`

	Participants []string `json:"participants"`
}

// RoomHandle identifies a provisioned provider room.
type RoomHandle struct {
	ID        string    `json:"id"`
	Code      string    `json:"code,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type IssueTokenRequest struct {
	RoomID string `json:"room_id"`
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Token is a per-user join credential for one room. Its expiry is always
// shorter than the management credential's own expiry.
type Token struct {
	UserID    string    `json:"user_id"`
	Value     string    `json:"value"`
	Role      Role      `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is provider-side telemetry for one media session in a room.
type Session struct {
	ID        string        `json:"id"`
	RoomID    string        `json:"room_id"`
	Active    bool          `json:"active"`
	Peers     []SessionPeer `json:"peers,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

type SessionPeer struct {
	PeerID   string    `json:"peer_id"`
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Disabled is the Provider used when no external room service is configured.
// Every operation reports ErrDisabled; calls then run in direct-signaling
// mode end to end.
type Disabled struct{}

func (Disabled) Name() string                           { return "disabled" }
func (Disabled) HealthCheck(context.Context) error      { return nil }
func (Disabled) EndRoom(context.Context, string) (bool, error) { return false, ErrDisabled }

func (Disabled) CreateRoom(context.Context, CreateRoomRequest) (RoomHandle, error) {
	return RoomHandle{}, ErrDisabled
}

func (Disabled) IssueToken(context.Context, IssueTokenRequest) (Token, error) {
	return Token{}, ErrDisabled
}

func (Disabled) ListActiveSessions(context.Context, string) ([]Session, error) {
	return nil, ErrDisabled
}
