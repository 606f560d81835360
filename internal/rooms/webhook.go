package rooms

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind is the neutral classification of a provider callback.
type EventKind string

const (
	EventSessionStarted   EventKind = "session_started"
	EventSessionEnded     EventKind = "session_ended"
	EventPeerJoined       EventKind = "peer_joined"
	EventPeerLeft         EventKind = "peer_left"
	EventRecordingSuccess EventKind = "recording_success"
	EventUnknown          EventKind = "unknown"
)

// Event is the provider-agnostic form of one webhook delivery. Webhooks
// carry no session/connection context; RoomID is the only join key back to
// call state.
type Event struct {
	Kind         EventKind
	ProviderType string
	RoomID       string
	SessionID    string
	PeerUserID   string
	RecordingURL string
	OccurredAt   time.Time
}

type webhookEnvelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type webhookData struct {
	RoomID       string `json:"room_id"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	PeerID       string `json:"peer_id"`
	RecordingURL string `json:"recording_presigned_url"`
}

// ParseWebhook decodes a provider callback body into a neutral Event.
// Unrecognized event types yield Kind == EventUnknown rather than an error;
// new provider event kinds must never crash reconciliation.
func ParseWebhook(body []byte) (Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("rooms: malformed webhook body: %w", err)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("rooms: webhook body missing type")
	}

	var data webhookData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Event{}, fmt.Errorf("rooms: malformed webhook data: %w", err)
		}
	}

	ev := Event{
		Kind:         kindFromType(env.Type),
		ProviderType: env.Type,
		RoomID:       data.RoomID,
		SessionID:    data.SessionID,
		PeerUserID:   data.UserID,
		RecordingURL: data.RecordingURL,
		OccurredAt:   env.Timestamp,
	}
	if ev.Kind != EventUnknown && ev.RoomID == "" {
		return Event{}, fmt.Errorf("rooms: webhook %q missing room_id", env.Type)
	}
	return ev, nil
}

func kindFromType(t string) EventKind {
	switch t {
	case "session.open.success":
		return EventSessionStarted
	case "session.close.success":
		return EventSessionEnded
	case "peer.join.success":
		return EventPeerJoined
	case "peer.leave.success":
		return EventPeerLeft
	case "recording.success":
		return EventRecordingSuccess
	default:
		return EventUnknown
	}
}

// VerifySignature checks the provider's HMAC-SHA256 body signature.
// Header format: "sha256=<hex digest>".
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	got := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(got), []byte(want))
}

// SignBody produces the signature header value for a body; used by tests
// and by local webhook replays.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
