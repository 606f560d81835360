package realtime

import (
	"encoding/json"
	"time"
)

// Client→server message types carried over the websocket.
const (
	MsgJoinTopic        = "join_topic"
	MsgLeaveTopic       = "leave_topic"
	MsgTypingStart      = "typing_start"
	MsgTypingStop       = "typing_stop"
	MsgSendMessage      = "send_message"
	MsgMarkRead         = "mark_read"
	MsgDeleteMessage    = "delete_message"
	MsgRestoreMessage   = "restore_message"
	MsgCallInitiate     = "call_initiate"
	MsgCallAccept       = "call_accept"
	MsgCallDecline      = "call_decline"
	MsgCallEnd          = "call_end"
	MsgCallStatusUpdate = "call_status_update"
	MsgWebRTCOffer      = "webrtc_offer"
	MsgWebRTCAnswer     = "webrtc_answer"
	MsgWebRTCICE        = "webrtc_ice_candidate"
	MsgPresenceQuery    = "presence_query"
)

// Server→client event types originating in this package; result names
// mirror the inbound types. Call lifecycle events live in the calls
// package, webrtc_* relays keep their inbound names.
const (
	EventJoinedTopic     = "joined_topic"
	EventLeftTopic       = "left_topic"
	EventTypingStarted   = "typing_started"
	EventTypingStopped   = "typing_stopped"
	EventMessageSent     = "message_sent"
	EventMessageRead     = "message_read"
	EventMessageDeleted  = "message_deleted"
	EventMessageRestored = "message_restored"
	EventPresenceState   = "presence_state"
	EventUserOnline      = "user_online"
	EventUserOffline     = "user_offline"
	EventError           = "error"
)

// ClientMessage is the inbound websocket frame.
type ClientMessage struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chat_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is the outbound websocket frame.
type Event struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel,omitempty"`
	From    string    `json:"from,omitempty"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Channel naming. Personal channels exist implicitly for every connected
// user; topic channels require an explicit, membership-checked join.
func UserChannel(userID string) string { return "user:" + userID }
func ChatChannel(chatID string) string { return "chat:" + chatID }
