package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"findernate-realtime/internal/auth"
	"findernate-realtime/internal/calls"
	"findernate-realtime/internal/chat"
	"findernate-realtime/internal/presence"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ChatService is the slice of the chat store the websocket layer needs.
// Message persistence itself happens elsewhere; this layer only relays
// results and drives the soft-delete operations.
type ChatService interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	MarkMessageDeleted(ctx context.Context, chatID, actorID, messageID string) (time.Time, error)
	RestoreMessage(ctx context.Context, chatID, actorID, messageID string) error
}

// CallService receives forwarded call_* messages. Outcomes come back to
// the clients on their personal channels, so the dispatcher only reports
// errors.
type CallService interface {
	Initiate(ctx context.Context, initiatorID string, req calls.InitiateRequest) (calls.Call, error)
	Accept(ctx context.Context, actorID, callID string) (calls.Call, error)
	Decline(ctx context.Context, actorID, callID string) (calls.Call, error)
	End(ctx context.Context, actorID, callID string, reason calls.EndReason) (calls.Call, error)
	UpdateStatus(ctx context.Context, actorID, callID string, status calls.Status, metadata map[string]any) (calls.Call, error)
}

// WSHandler upgrades authenticated requests to websocket connections and
// dispatches their messages.
type WSHandler struct {
	auth     *auth.Manager
	router   *Router
	presence *presence.Registry
	chats    ChatService
	calls    CallService
	log      *slog.Logger
	upgrader websocket.Upgrader
	clock    func() time.Time
}

func NewWSHandler(am *auth.Manager, router *Router, reg *presence.Registry, chats ChatService, callSvc CallService, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		auth:     am,
		router:   router,
		presence: reg,
		chats:    chats,
		calls:    callSvc,
		log:      log,
		clock:    time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the app origin; origin policy
			// is enforced at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws. The token may arrive as a bearer header or, for
// browser websocket clients that cannot set headers, as ?token=.
func (h *WSHandler) Serve(c *gin.Context) {
	token := auth.BearerFromRequest(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	claims, err := h.auth.Verify(token, auth.TokenTypeAccess, h.clock())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn("websocket upgrade failed", "user_id", claims.UserID, "err", err)
		return
	}

	client := newClient(uuid.NewString(), claims.UserID, conn, h.log)
	h.router.Register(client)
	// A failed shared write is logged by the registry; the connection
	// still works and presence catches up on reconnect.
	_ = h.presence.Record(c.Request.Context(), client.UserID, client.ID)

	h.log.Info("websocket connected", "user_id", client.UserID, "connection_id", client.ID)

	go client.writePump()
	client.readPump(func(msg ClientMessage) { h.dispatch(client, msg) })

	h.teardown(client)
}

// teardown runs after the read pump exits, exactly once per connection.
func (h *WSHandler) teardown(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Tell every topic this client was in that the user left the floor.
	for _, channel := range h.router.ChannelsOf(client) {
		if strings.HasPrefix(channel, "chat:") {
			h.router.PublishExcept(ctx, channel, Event{
				Type: EventUserOffline,
				From: client.UserID,
			}, client)
		}
	}
	h.router.Drop(client)
	client.Close()

	// A reconnect may have already replaced this connection; only the
	// owner of the live connection id clears presence.
	if id, ok := h.presence.LocalConnection(client.UserID); ok && id == client.ID {
		h.presence.Remove(ctx, client.UserID)
	}

	h.log.Info("websocket disconnected", "user_id", client.UserID, "connection_id", client.ID)
}

func (h *WSHandler) dispatch(client *Client, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case MsgJoinTopic:
		h.joinTopic(ctx, client, msg)

	case MsgLeaveTopic:
		if msg.ChatID == "" {
			h.sendError(client, msg.Type, "chat_id required")
			return
		}
		h.router.Unsubscribe(client, ChatChannel(msg.ChatID))
		h.sendEvent(client, Event{Type: EventLeftTopic, Channel: ChatChannel(msg.ChatID)})

	case MsgTypingStart:
		h.relayToTopic(ctx, client, msg, EventTypingStarted)

	case MsgTypingStop:
		h.relayToTopic(ctx, client, msg, EventTypingStopped)

	case MsgSendMessage:
		// The message is already persisted by the chat collaborator;
		// this is delivery only.
		h.relayToTopic(ctx, client, msg, EventMessageSent)

	case MsgMarkRead:
		h.relayToTopic(ctx, client, msg, EventMessageRead)

	case MsgDeleteMessage:
		h.deleteMessage(ctx, client, msg)

	case MsgRestoreMessage:
		h.restoreMessage(ctx, client, msg)

	case MsgCallInitiate, MsgCallAccept, MsgCallDecline, MsgCallEnd, MsgCallStatusUpdate:
		h.forwardCall(ctx, client, msg)

	case MsgWebRTCOffer, MsgWebRTCAnswer, MsgWebRTCICE:
		if msg.To == "" {
			h.sendError(client, msg.Type, "to required")
			return
		}
		// Raw signaling relay; payload is never inspected.
		h.router.Publish(ctx, UserChannel(msg.To), Event{
			Type:    msg.Type,
			From:    client.UserID,
			Payload: msg.Payload,
		})

	case MsgPresenceQuery:
		h.presenceQuery(ctx, client, msg)

	default:
		h.sendError(client, msg.Type, "unknown message type")
	}
}

func (h *WSHandler) joinTopic(ctx context.Context, client *Client, msg ClientMessage) {
	if msg.ChatID == "" {
		h.sendError(client, msg.Type, "chat_id required")
		return
	}
	ok, err := h.chats.IsMember(ctx, msg.ChatID, client.UserID)
	if err != nil {
		h.log.Warn("membership check failed", "chat_id", msg.ChatID, "err", err)
		h.sendError(client, msg.Type, "join failed")
		return
	}
	if !ok {
		h.sendError(client, msg.Type, "not a chat member")
		return
	}
	channel := ChatChannel(msg.ChatID)
	h.router.Subscribe(client, channel)
	h.sendEvent(client, Event{Type: EventJoinedTopic, Channel: channel})
	h.router.PublishExcept(ctx, channel, Event{Type: EventUserOnline, From: client.UserID}, client)
}

// relayToTopic forwards an event to a topic the client joined, minus the
// sender. No membership re-check: join already proved it, and the
// subscription is dropped on leave.
func (h *WSHandler) relayToTopic(ctx context.Context, client *Client, msg ClientMessage, eventType string) {
	if msg.ChatID == "" {
		h.sendError(client, msg.Type, "chat_id required")
		return
	}
	channel := ChatChannel(msg.ChatID)
	if !h.router.Subscribed(client, channel) {
		h.sendError(client, msg.Type, "join the topic first")
		return
	}
	h.router.PublishExcept(ctx, channel, Event{
		Type:    eventType,
		From:    client.UserID,
		Payload: msg.Payload,
	}, client)
}

// forwardCall hands call_* messages to the lifecycle manager. Successful
// outcomes arrive on personal channels via the manager's notifier; only
// failures come back inline.
func (h *WSHandler) forwardCall(ctx context.Context, client *Client, msg ClientMessage) {
	var err error
	switch msg.Type {
	case MsgCallInitiate:
		var req calls.InitiateRequest
		if jsonErr := json.Unmarshal(msg.Payload, &req); jsonErr != nil {
			h.sendError(client, msg.Type, "malformed payload")
			return
		}
		_, err = h.calls.Initiate(ctx, client.UserID, req)

	case MsgCallAccept:
		_, err = h.calls.Accept(ctx, client.UserID, msg.CallID)

	case MsgCallDecline:
		_, err = h.calls.Decline(ctx, client.UserID, msg.CallID)

	case MsgCallEnd:
		var body struct {
			Reason calls.EndReason `json:"reason"`
		}
		if len(msg.Payload) > 0 {
			if jsonErr := json.Unmarshal(msg.Payload, &body); jsonErr != nil {
				h.sendError(client, msg.Type, "malformed payload")
				return
			}
		}
		_, err = h.calls.End(ctx, client.UserID, msg.CallID, body.Reason)

	case MsgCallStatusUpdate:
		var body struct {
			Status   calls.Status   `json:"status"`
			Metadata map[string]any `json:"metadata"`
		}
		if jsonErr := json.Unmarshal(msg.Payload, &body); jsonErr != nil {
			h.sendError(client, msg.Type, "malformed payload")
			return
		}
		_, err = h.calls.UpdateStatus(ctx, client.UserID, msg.CallID, body.Status, body.Metadata)
	}

	if err != nil {
		h.sendError(client, msg.Type, callErrorReason(err))
	}
}

func (h *WSHandler) deleteMessage(ctx context.Context, client *Client, msg ClientMessage) {
	if msg.ChatID == "" || msg.MessageID == "" {
		h.sendError(client, msg.Type, "chat_id and message_id required")
		return
	}
	deletedAt, err := h.chats.MarkMessageDeleted(ctx, msg.ChatID, client.UserID, msg.MessageID)
	if err != nil {
		h.sendError(client, msg.Type, chatErrorReason(err))
		return
	}
	h.router.Publish(ctx, ChatChannel(msg.ChatID), Event{
		Type: EventMessageDeleted,
		From: client.UserID,
		Payload: map[string]any{
			"chat_id":    msg.ChatID,
			"message_id": msg.MessageID,
			"deleted_at": deletedAt,
		},
	})
}

func (h *WSHandler) restoreMessage(ctx context.Context, client *Client, msg ClientMessage) {
	if msg.ChatID == "" || msg.MessageID == "" {
		h.sendError(client, msg.Type, "chat_id and message_id required")
		return
	}
	if err := h.chats.RestoreMessage(ctx, msg.ChatID, client.UserID, msg.MessageID); err != nil {
		h.sendError(client, msg.Type, chatErrorReason(err))
		return
	}
	h.router.Publish(ctx, ChatChannel(msg.ChatID), Event{
		Type: EventMessageRestored,
		From: client.UserID,
		Payload: map[string]any{
			"chat_id":    msg.ChatID,
			"message_id": msg.MessageID,
		},
	})
}

const presenceQueryLimit = 50

func (h *WSHandler) presenceQuery(ctx context.Context, client *Client, msg ClientMessage) {
	var userIDs []string
	if err := json.Unmarshal(msg.Payload, &userIDs); err != nil || len(userIDs) == 0 {
		h.sendError(client, msg.Type, "payload must be a list of user ids")
		return
	}
	if len(userIDs) > presenceQueryLimit {
		userIDs = userIDs[:presenceQueryLimit]
	}

	state := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		online, err := h.presence.IsOnline(ctx, id)
		if err != nil {
			continue
		}
		state[id] = online
	}
	h.sendEvent(client, Event{Type: EventPresenceState, Payload: state})
}

// sendEvent delivers to one local client only, bypassing the broker.
func (h *WSHandler) sendEvent(client *Client, ev Event) {
	if ev.SentAt.IsZero() {
		ev.SentAt = h.clock().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	client.enqueue(data)
}

func (h *WSHandler) sendError(client *Client, messageType, reason string) {
	h.sendEvent(client, Event{
		Type:    EventError,
		Payload: map[string]string{"message_type": messageType, "reason": reason},
	})
}

func chatErrorReason(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return "message not found"
	case errors.Is(err, chat.ErrNotMember):
		return "not a chat member"
	case errors.Is(err, chat.ErrRestoreWindowExpired):
		return "restore window expired"
	case errors.Is(err, chat.ErrInvalidArgument):
		return "invalid request"
	default:
		return "operation failed"
	}
}

func callErrorReason(err error) string {
	var conflict *calls.ConflictError
	switch {
	case errors.As(err, &conflict):
		return conflict.Error()
	case errors.Is(err, calls.ErrNotFound):
		return "call not found"
	case errors.Is(err, calls.ErrNotParticipant):
		return "not a participant"
	case errors.Is(err, calls.ErrInvalidArgument):
		return err.Error()
	default:
		return "call operation failed"
	}
}
