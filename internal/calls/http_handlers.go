package calls

import (
	"errors"
	"net/http"
	"strconv"

	"findernate-realtime/internal/auth"
	"findernate-realtime/internal/rooms"

	"github.com/gin-gonic/gin"
)

// Handlers groups the call HTTP endpoints for dependency injection.
// Keep these thin: parse/validate input, call the service, return JSON.
type Handlers struct {
	Calls *Service
}

// respondError translates service errors into the HTTP error contract.
func respondError(c *gin.Context, err error) {
	var conflict *ConflictError
	switch {
	case errors.Is(err, ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotParticipant):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant"})
	case errors.Is(err, ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, ErrNoRoom):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "no external room attached"})
	case errors.As(err, &conflict):
		body := gin.H{"error": conflict.Reason}
		if conflict.ExistingCallID != "" {
			body["existing_call_id"] = conflict.ExistingCallID
		}
		if conflict.CurrentStatus != "" {
			body["current_status"] = conflict.CurrentStatus
		}
		c.AbortWithStatusJSON(http.StatusConflict, body)
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func actor(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return "", false
	}
	return userID, true
}

func (h Handlers) Initiate(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, err := h.Calls.Initiate(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": call})
}

func (h Handlers) Accept(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	call, err := h.Calls.Accept(c.Request.Context(), userID, c.Param("call_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

func (h Handlers) Decline(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	call, err := h.Calls.Decline(c.Request.Context(), userID, c.Param("call_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

type endRequest struct {
	Reason EndReason `json:"reason"`
}

func (h Handlers) End(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req endRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	call, err := h.Calls.End(c.Request.Context(), userID, c.Param("call_id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

type updateStatusRequest struct {
	Status   Status         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

func (h Handlers) UpdateStatus(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Status == "" && len(req.Metadata) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "status or metadata required"})
		return
	}
	call, err := h.Calls.UpdateStatus(c.Request.Context(), userID, c.Param("call_id"), req.Status, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

func (h Handlers) Active(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	out, err := h.Calls.Active(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if out == nil {
		out = []Call{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h Handlers) History(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	out, err := h.Calls.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	if out == nil {
		out = []Call{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "limit": limit, "offset": offset})
}

func (h Handlers) Stats(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "days must be an integer"})
		return
	}
	stats, err := h.Calls.Stats(c.Request.Context(), userID, days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

type issueTokenRequest struct {
	Role rooms.Role `json:"role"`
}

func (h Handlers) IssueProviderToken(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req issueTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	tok, err := h.Calls.IssueToken(c.Request.Context(), userID, c.Param("call_id"), req.Role)
	if err != nil {
		if errors.Is(err, rooms.ErrDisabled) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "external rooms not configured"})
			return
		}
		var conflict *ConflictError
		if !errors.Is(err, ErrInvalidArgument) && !errors.Is(err, ErrNotParticipant) &&
			!errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNoRoom) && !errors.As(err, &conflict) {
			// Provider-side failure: the call stays usable, only the token is unavailable.
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "room provider unavailable"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (h Handlers) ProviderRoom(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	info, err := h.Calls.RoomInfo(c.Request.Context(), userID, c.Param("call_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
