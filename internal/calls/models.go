package calls

import (
	"time"

	"findernate-realtime/internal/rooms"
)

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func ValidCallType(t CallType) bool { return t == CallTypeVoice || t == CallTypeVideo }

type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusDeclined   Status = "declined"
	StatusMissed     Status = "missed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a call in this status is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusMissed, StatusFailed:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses are the statuses that count against the
// one-concurrent-call-per-user invariant.
var NonTerminalStatuses = []Status{StatusInitiated, StatusRinging, StatusConnecting, StatusActive}

// transitions is the closed state machine. Anything not listed here is an
// invalid transition and surfaces as a conflict.
var transitions = map[Status][]Status{
	StatusInitiated:  {StatusRinging, StatusConnecting, StatusActive, StatusEnded, StatusDeclined, StatusMissed, StatusFailed},
	StatusRinging:    {StatusConnecting, StatusActive, StatusEnded, StatusDeclined, StatusMissed, StatusFailed},
	StatusConnecting: {StatusActive, StatusEnded, StatusFailed},
	StatusActive:     {StatusEnded, StatusFailed},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type EndReason string

const (
	EndReasonNormal       EndReason = "normal"
	EndReasonDeclined     EndReason = "declined"
	EndReasonMissed       EndReason = "missed"
	EndReasonFailed       EndReason = "failed"
	EndReasonNetworkError EndReason = "network_error"
	EndReasonCancelled    EndReason = "cancelled"
	EndReasonTimeout      EndReason = "timeout"
)

func ValidEndReason(r EndReason) bool {
	switch r {
	case EndReasonNormal, EndReasonDeclined, EndReasonMissed, EndReasonFailed,
		EndReasonNetworkError, EndReasonCancelled, EndReasonTimeout:
		return true
	default:
		return false
	}
}

// ExternalRoom is the provider-side room attached to a call. Absent when
// provisioning failed; the call then runs on direct signaling only.
type ExternalRoom struct {
	ID        string     `json:"id"`
	Code      string     `json:"code,omitempty"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Call is the durable record of one audio/video session.
type Call struct {
	ID           string   `json:"id"`
	ChatID       string   `json:"chat_id"`
	Initiator    string   `json:"initiator"`
	Participants []string `json:"participants"`

	Type   CallType `json:"call_type"`
	Status Status   `json:"status"`

	InitiatedAt time.Time  `json:"initiated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   EndReason  `json:"end_reason,omitempty"`

	Room *ExternalRoom `json:"external_room,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DurationSeconds derives the call duration; 0 until both timestamps exist.
func (c Call) DurationSeconds() int64 {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0
	}
	d := c.EndedAt.Sub(*c.StartedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func (c Call) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Others returns every participant except userID.
func (c Call) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// CallToken is an issued join credential. At most one live (non-revoked)
// token exists per user per call; re-issue revokes the previous one.
type CallToken struct {
	ID        string     `json:"id"`
	CallID    string     `json:"call_id"`
	UserID    string     `json:"user_id"`
	Value     string     `json:"token"`
	Role      rooms.Role `json:"role"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Stats aggregates a user's call history over a trailing window.
type Stats struct {
	Days                 int              `json:"days"`
	Since                time.Time        `json:"since"`
	TotalCalls           int              `json:"total_calls"`
	ByType               map[CallType]int `json:"by_type"`
	ByStatus             map[Status]int   `json:"by_status"`
	TotalDurationSeconds int64            `json:"total_duration_seconds"`
}
