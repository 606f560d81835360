package rooms

import (
	"context"
	"errors"
	"io"
	"net/http"

	"findernate-realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Reconciler folds a neutral provider event back into call state.
// Implementations must be idempotent: duplicate delivery of the same event
// has to land on the same final state.
type Reconciler interface {
	ApplyRoomEvent(ctx context.Context, ev Event) error
}

// ErrNoMatchingCall is returned by reconcilers when no call resolves from
// the event's room id. The webhook handler acknowledges these with 200 so
// the provider does not retry events for rooms we never tracked.
var ErrNoMatchingCall = errors.New("rooms: no call for room")

// WebhookHandler converts provider callbacks to internal events, verifies
// the body signature, and delegates state changes to the reconciler.
//
// No business logic here.
type WebhookHandler struct {
	Reconciler Reconciler

	// Secret authenticates webhook deliveries. Empty disables verification
	// (local/dev only; production config requires it).
	Secret string
}

const signatureHeader = "X-Webhook-Signature"

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Reconciler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciler not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if h.Secret != "" && !VerifySignature(h.Secret, body, c.GetHeader(signatureHeader)) {
		log.Warn("room webhook signature rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}

	ev, err := ParseWebhook(body)
	if err != nil {
		log.Warn("room webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if ev.Kind == EventUnknown {
		// Forward compatibility: acknowledge and move on.
		log.Info("room webhook ignored", "provider_type", ev.ProviderType)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.Reconciler.ApplyRoomEvent(c.Request.Context(), ev); err != nil {
		if errors.Is(err, ErrNoMatchingCall) {
			log.Info("room webhook for unknown room", "room_id", ev.RoomID, "provider_type", ev.ProviderType)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		log.Error("room webhook reconciliation failed", "room_id", ev.RoomID, "kind", ev.Kind, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
