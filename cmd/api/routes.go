package main

import (
	"database/sql"
	"net/http"
	"time"

	"findernate-realtime/internal/calls"
	"findernate-realtime/internal/httpapi"
	"findernate-realtime/internal/realtime"
	"findernate-realtime/internal/rooms"
	"findernate-realtime/pkg/utils"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	AuthMW  gin.HandlerFunc
	API     httpapi.Handlers
	Calls   calls.Handlers
	WS      *realtime.WSHandler
	Webhook rooms.WebhookHandler
	DB      *sql.DB
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), deps.DB, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Token refresh authenticates with the refresh token itself.
	r.POST("/auth/refresh", deps.API.Refresh)

	// Provider callbacks authenticate with an HMAC body signature, not a
	// user token.
	r.POST("/calls/provider-webhook", deps.Webhook.Handle)

	// Websocket endpoint authenticates inside the handler so browser
	// clients can pass the token as a query parameter.
	r.GET("/ws", deps.WS.Serve)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(deps.AuthMW)
	{
		v1.GET("/me", deps.API.Me)

		callsGroup := v1.Group("/calls")
		{
			callsGroup.POST("/initiate", deps.Calls.Initiate)
			callsGroup.GET("/active", deps.Calls.Active)
			callsGroup.GET("/history", deps.Calls.History)
			callsGroup.GET("/stats", deps.Calls.Stats)

			callsGroup.PATCH("/:call_id/accept", deps.Calls.Accept)
			callsGroup.PATCH("/:call_id/decline", deps.Calls.Decline)
			callsGroup.PATCH("/:call_id/end", deps.Calls.End)
			callsGroup.PATCH("/:call_id/status", deps.Calls.UpdateStatus)

			callsGroup.POST("/:call_id/provider-token", deps.Calls.IssueProviderToken)
			callsGroup.GET("/:call_id/provider-room", deps.Calls.ProviderRoom)
		}
	}
}
