package calls

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"findernate-realtime/internal/rooms"

	"github.com/google/uuid"
)

// Server→client notification names. Clients receive these on their
// personal channels via the event router.
const (
	EventIncomingCall       = "incoming_call"
	EventCallInitiated      = "call_initiated"
	EventCallAccepted       = "call_accepted"
	EventCallDeclined       = "call_declined"
	EventCallEnded          = "call_ended"
	EventCallMissed         = "call_missed"
	EventCallStatusUpdated  = "call_status_updated"
	EventCallRoomReady      = "call_room_ready"
	EventCallPeerJoined     = "call_peer_joined"
	EventCallPeerLeft       = "call_peer_left"
	EventCallRecordingReady = "call_recording_ready"
)

// Notifier delivers best-effort realtime notifications. Implementations
// must never fail the calling operation; delivery problems are their own
// to log.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, event string, payload any)
}

// ChatDirectory is the narrow view of the external chat store this
// subsystem is allowed to touch.
type ChatDirectory interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	AppendSystemMessage(ctx context.Context, chatID, authorID, body string) (string, error)
}

// PresenceChecker answers whether a user currently holds a connection
// anywhere in the cluster.
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Service owns the call state machine and the no-concurrent-call
// invariant, and orchestrates the router and the room gateway on every
// transition.
type Service struct {
	repo     Repository
	provider rooms.Provider
	chats    ChatDirectory
	notifier Notifier
	presence PresenceChecker

	ringTimeout time.Duration
	clock       func() time.Time
	log         *slog.Logger

	// spawn runs provider I/O off the caller's path. Tests replace it
	// with an inline runner for determinism.
	spawn func(func())
}

func NewService(
	repo Repository,
	provider rooms.Provider,
	chats ChatDirectory,
	notifier Notifier,
	presence PresenceChecker,
	ringTimeout time.Duration,
	log *slog.Logger,
) *Service {
	if provider == nil {
		provider = rooms.Disabled{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	if ringTimeout <= 0 {
		ringTimeout = 2 * time.Minute
	}
	return &Service{
		repo:        repo,
		provider:    provider,
		chats:       chats,
		notifier:    notifier,
		presence:    presence,
		ringTimeout: ringTimeout,
		clock:       time.Now,
		log:         log,
		spawn:       func(f func()) { go f() },
	}
}

type noopNotifier struct{}

func (noopNotifier) NotifyUser(context.Context, string, string, any) {}

/* ===================== INITIATE ===================== */

type InitiateRequest struct {
	ReceiverID string   `json:"receiver_id"`
	ChatID     string   `json:"chat_id"`
	CallType   CallType `json:"call_type"`
}

// Initiate creates a call after an atomic busy check across both users.
// Room provisioning runs off-path: its failure degrades the call to direct
// signaling and never fails the initiate itself.
func (s *Service) Initiate(ctx context.Context, initiatorID string, req InitiateRequest) (Call, error) {
	if initiatorID == "" || req.ReceiverID == "" || req.ChatID == "" {
		return Call{}, ErrInvalidArgument
	}
	if !ValidCallType(req.CallType) {
		return Call{}, fmt.Errorf("%w: call_type must be voice or video", ErrInvalidArgument)
	}
	if req.ReceiverID == initiatorID {
		return Call{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidArgument)
	}

	for _, userID := range []string{initiatorID, req.ReceiverID} {
		ok, err := s.chats.IsMember(ctx, req.ChatID, userID)
		if err != nil {
			return Call{}, err
		}
		if !ok {
			return Call{}, ErrNotParticipant
		}
	}

	participants := []string{initiatorID, req.ReceiverID}
	sort.Strings(participants)

	now := s.clock().UTC()
	call, err := s.repo.CreateExclusive(ctx, Call{
		ID:           uuid.NewString(),
		ChatID:       req.ChatID,
		Initiator:    initiatorID,
		Participants: participants,
		Type:         req.CallType,
		Status:       StatusInitiated,
		InitiatedAt:  now,
	})
	if err != nil {
		return Call{}, err
	}

	if s.presence != nil {
		if online, perr := s.presence.IsOnline(ctx, req.ReceiverID); perr == nil && !online {
			s.log.Info("callee offline, realtime ring will not be delivered",
				"call_id", call.ID, "receiver_id", req.ReceiverID)
		}
	}

	s.notifier.NotifyUser(ctx, req.ReceiverID, EventIncomingCall, call)
	s.notifier.NotifyUser(ctx, initiatorID, EventCallInitiated, call)

	if _, err := s.chats.AppendSystemMessage(ctx, call.ChatID, initiatorID, string(call.Type)+" call"); err != nil {
		s.log.Warn("call transcript message failed", "call_id", call.ID, "err", err)
	}

	s.spawn(func() {
		pctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.provisionRoom(pctx, call)
	})

	return call, nil
}

// provisionRoom asks the gateway for a room and per-user tokens. Every
// failure here is logged and swallowed; the call continues degraded.
func (s *Service) provisionRoom(ctx context.Context, c Call) {
	handle, err := s.provider.CreateRoom(ctx, rooms.CreateRoomRequest{
		CallID:       c.ID,
		CallType:     string(c.Type),
		Participants: c.Participants,
	})
	if err != nil {
		s.log.Warn("room provisioning failed, call continues in direct signaling mode",
			"call_id", c.ID, "provider", s.provider.Name(), "err", err)
		return
	}

	updated, attached, err := s.repo.AttachRoom(ctx, c.ID, ExternalRoom{
		ID:        handle.ID,
		Code:      handle.Code,
		Enabled:   handle.Enabled,
		CreatedAt: handle.CreatedAt,
	})
	if err != nil {
		s.log.Warn("room attach failed", "call_id", c.ID, "room_id", handle.ID, "err", err)
		return
	}
	if !attached {
		// Declined, ended, or reaped while the provider round trip was in
		// flight; the fresh room would leak without an explicit teardown.
		s.log.Info("call reached terminal status during provisioning, ending fresh room",
			"call_id", c.ID, "room_id", handle.ID, "status", updated.Status)
		if _, err := s.provider.EndRoom(ctx, handle.ID); err != nil {
			s.log.Warn("provider room teardown failed", "call_id", c.ID, "room_id", handle.ID, "err", err)
		}
		return
	}

	for _, userID := range updated.Participants {
		tok, err := s.issueProviderToken(ctx, updated, userID, s.defaultRole(updated, userID))
		if err != nil {
			s.log.Warn("join token issuance failed, participant falls back to direct signaling",
				"call_id", c.ID, "user_id", userID, "err", err)
			continue
		}
		s.notifier.NotifyUser(ctx, userID, EventCallRoomReady, map[string]any{
			"call_id":       updated.ID,
			"external_room": updated.Room,
			"token":         tok,
		})
	}
}

/* ===================== LIFECYCLE TRANSITIONS ===================== */

// Accept moves initiated/ringing → connecting. Only a non-initiator
// participant may accept.
func (s *Service) Accept(ctx context.Context, actorID, callID string) (Call, error) {
	call, err := s.participantCall(ctx, actorID, callID)
	if err != nil {
		return Call{}, err
	}
	if actorID == call.Initiator {
		return Call{}, fmt.Errorf("%w: initiator cannot accept own call", ErrInvalidArgument)
	}

	updated, applied, err := s.repo.Transition(ctx, callID, TransitionUpdate{
		From: []Status{StatusInitiated, StatusRinging},
		To:   StatusConnecting,
	})
	if err != nil {
		return Call{}, err
	}
	if !applied {
		return Call{}, transitionConflict(updated.Status)
	}

	s.notifyAll(ctx, updated, EventCallAccepted)
	return updated, nil
}

// Decline moves initiated/ringing → declined.
func (s *Service) Decline(ctx context.Context, actorID, callID string) (Call, error) {
	if _, err := s.participantCall(ctx, actorID, callID); err != nil {
		return Call{}, err
	}

	now := s.clock().UTC()
	updated, applied, err := s.repo.Transition(ctx, callID, TransitionUpdate{
		From:      []Status{StatusInitiated, StatusRinging},
		To:        StatusDeclined,
		EndReason: EndReasonDeclined,
		EndedAt:   &now,
	})
	if err != nil {
		return Call{}, err
	}
	if !applied {
		return Call{}, transitionConflict(updated.Status)
	}

	s.notifyAll(ctx, updated, EventCallDeclined)
	s.teardownRoom(updated)
	return updated, nil
}

// End moves any non-terminal status → ended.
func (s *Service) End(ctx context.Context, actorID, callID string, reason EndReason) (Call, error) {
	if reason == "" {
		reason = EndReasonNormal
	}
	if !ValidEndReason(reason) {
		return Call{}, fmt.Errorf("%w: unknown end_reason %q", ErrInvalidArgument, reason)
	}

	if _, err := s.participantCall(ctx, actorID, callID); err != nil {
		return Call{}, err
	}

	now := s.clock().UTC()
	updated, applied, err := s.repo.Transition(ctx, callID, TransitionUpdate{
		From:        NonTerminalStatuses,
		To:          StatusEnded,
		EndReason:   reason,
		EndedAt:     &now,
		RoomEndedAt: &now,
	})
	if err != nil {
		return Call{}, err
	}
	if !applied {
		return Call{}, transitionConflict(updated.Status)
	}

	s.notifyAll(ctx, updated, EventCallEnded)
	s.teardownRoom(updated)
	return updated, nil
}

// UpdateStatus applies a client-reported status change (e.g. ringing,
// active) and/or merges free-form metadata (quality, connection type).
// Metadata shape is deliberately not validated.
func (s *Service) UpdateStatus(ctx context.Context, actorID, callID string, status Status, metadata map[string]any) (Call, error) {
	call, err := s.participantCall(ctx, actorID, callID)
	if err != nil {
		return Call{}, err
	}

	updated := call
	if status != "" && status != call.Status {
		from := sourcesOf(status)
		if len(from) == 0 {
			return Call{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
		}

		upd := TransitionUpdate{From: from, To: status}
		now := s.clock().UTC()
		if status == StatusActive {
			upd.StartedAt = &now
		}
		if status.Terminal() {
			upd.EndedAt = &now
			upd.EndReason = defaultEndReason(status)
			upd.RoomEndedAt = &now
		}

		var applied bool
		updated, applied, err = s.repo.Transition(ctx, callID, upd)
		if err != nil {
			return Call{}, err
		}
		if !applied {
			return Call{}, transitionConflict(updated.Status)
		}
		if status.Terminal() {
			s.teardownRoom(updated)
		}
	}

	if len(metadata) > 0 {
		updated, err = s.repo.MergeMetadata(ctx, callID, metadata)
		if err != nil {
			return Call{}, err
		}
	}

	s.notifyAll(ctx, updated, EventCallStatusUpdated)
	return updated, nil
}

// sourcesOf returns the statuses from which `to` is reachable.
func sourcesOf(to Status) []Status {
	var out []Status
	for _, from := range NonTerminalStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func defaultEndReason(s Status) EndReason {
	switch s {
	case StatusDeclined:
		return EndReasonDeclined
	case StatusMissed:
		return EndReasonMissed
	case StatusFailed:
		return EndReasonFailed
	default:
		return EndReasonNormal
	}
}

/* ===================== QUERIES ===================== */

func (s *Service) Get(ctx context.Context, actorID, callID string) (Call, error) {
	return s.participantCall(ctx, actorID, callID)
}

func (s *Service) Active(ctx context.Context, userID string) ([]Call, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ActiveForUser(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]Call, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.History(ctx, userID, limit, offset)
}

func (s *Service) Stats(ctx context.Context, userID string, days int) (Stats, error) {
	if userID == "" {
		return Stats{}, ErrInvalidArgument
	}
	if days <= 0 {
		days = 30
	}
	if days > 365 {
		days = 365
	}
	since := s.clock().UTC().AddDate(0, 0, -days)
	stats, err := s.repo.Stats(ctx, userID, since)
	if err != nil {
		return Stats{}, err
	}
	stats.Days = days
	return stats, nil
}

/* ===================== PROVIDER TOKENS / ROOM INFO ===================== */

// IssueToken mints a fresh join token for the actor, revoking any previous
// live token for the same call.
func (s *Service) IssueToken(ctx context.Context, actorID, callID string, role rooms.Role) (CallToken, error) {
	call, err := s.participantCall(ctx, actorID, callID)
	if err != nil {
		return CallToken{}, err
	}
	if call.Status.Terminal() {
		return CallToken{}, transitionConflict(call.Status)
	}
	if call.Room == nil {
		return CallToken{}, ErrNoRoom
	}
	if role == "" {
		role = s.defaultRole(call, actorID)
	}
	if !rooms.ValidRole(role) {
		return CallToken{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}
	return s.issueProviderToken(ctx, call, actorID, role)
}

func (s *Service) issueProviderToken(ctx context.Context, call Call, userID string, role rooms.Role) (CallToken, error) {
	tok, err := s.provider.IssueToken(ctx, rooms.IssueTokenRequest{
		RoomID: call.Room.ID,
		CallID: call.ID,
		UserID: userID,
		Role:   role,
	})
	if err != nil {
		return CallToken{}, fmt.Errorf("issue provider token: %w", err)
	}

	ct := CallToken{
		ID:        uuid.NewString(),
		CallID:    call.ID,
		UserID:    userID,
		Value:     tok.Value,
		Role:      tok.Role,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
	}
	if err := s.repo.SaveToken(ctx, ct); err != nil {
		return CallToken{}, err
	}
	return ct, nil
}

func (s *Service) defaultRole(call Call, userID string) rooms.Role {
	if userID == call.Initiator {
		return rooms.RoleHost
	}
	return rooms.RoleGuest
}

// RoomInfo reports the provider room attached to a call, plus live session
// telemetry when the provider answers. Telemetry failures degrade to an
// empty session list, never to an error.
type RoomInfo struct {
	CallID   string          `json:"call_id"`
	Room     *ExternalRoom   `json:"external_room"`
	Sessions []rooms.Session `json:"sessions,omitempty"`
	Degraded bool            `json:"degraded,omitempty"`
}

func (s *Service) RoomInfo(ctx context.Context, actorID, callID string) (RoomInfo, error) {
	call, err := s.participantCall(ctx, actorID, callID)
	if err != nil {
		return RoomInfo{}, err
	}
	if call.Room == nil {
		return RoomInfo{}, ErrNoRoom
	}

	info := RoomInfo{CallID: call.ID, Room: call.Room}
	sessions, err := s.provider.ListActiveSessions(ctx, call.Room.ID)
	if err != nil {
		s.log.Warn("session telemetry unavailable", "call_id", call.ID, "room_id", call.Room.ID, "err", err)
		info.Degraded = true
		return info, nil
	}
	info.Sessions = sessions
	return info, nil
}

/* ===================== WEBHOOK RECONCILIATION ===================== */

// ApplyRoomEvent folds a provider callback into call state. All
// transitions are guarded conditional writes, so duplicate deliveries and
// out-of-order races land as no-ops.
func (s *Service) ApplyRoomEvent(ctx context.Context, ev rooms.Event) error {
	call, err := s.repo.GetByRoomID(ctx, ev.RoomID)
	if err != nil {
		if err == ErrNotFound {
			return rooms.ErrNoMatchingCall
		}
		return err
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock().UTC()
	}

	switch ev.Kind {
	case rooms.EventSessionStarted:
		updated, applied, err := s.repo.Transition(ctx, call.ID, TransitionUpdate{
			From:      []Status{StatusInitiated, StatusRinging, StatusConnecting},
			To:        StatusActive,
			StartedAt: &occurred,
		})
		if err != nil {
			return err
		}
		if applied {
			s.notifyAll(ctx, updated, EventCallStatusUpdated)
		}

	case rooms.EventSessionEnded:
		now := s.clock().UTC()
		updated, applied, err := s.repo.Transition(ctx, call.ID, TransitionUpdate{
			From:        NonTerminalStatuses,
			To:          StatusEnded,
			EndReason:   EndReasonNormal,
			EndedAt:     &occurred,
			RoomEndedAt: &now,
		})
		if err != nil {
			return err
		}
		if applied {
			s.notifyAll(ctx, updated, EventCallEnded)
		}

	case rooms.EventPeerJoined:
		s.notifyAll(ctx, call, EventCallPeerJoined, "user_id", ev.PeerUserID)

	case rooms.EventPeerLeft:
		s.notifyAll(ctx, call, EventCallPeerLeft, "user_id", ev.PeerUserID)

	case rooms.EventRecordingSuccess:
		updated, err := s.repo.MergeMetadata(ctx, call.ID, map[string]any{"recording_url": ev.RecordingURL})
		if err != nil {
			return err
		}
		s.notifyAll(ctx, updated, EventCallRecordingReady)

	default:
		s.log.Info("unrecognized room event ignored", "kind", ev.Kind, "room_id", ev.RoomID)
	}
	return nil
}

/* ===================== REAPER ===================== */

// ReapStale forces timed-out unanswered calls to missed. Safe to run
// concurrently from many processes: transitions are guarded, so only the
// sweep that actually flips a call notifies and tears down its room.
func (s *Service) ReapStale(ctx context.Context) (int, error) {
	cutoff := s.clock().UTC().Add(-s.ringTimeout)
	stale, err := s.repo.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, c := range stale {
		now := s.clock().UTC()
		updated, applied, err := s.repo.Transition(ctx, c.ID, TransitionUpdate{
			From:        []Status{StatusInitiated, StatusRinging},
			To:          StatusMissed,
			EndReason:   EndReasonTimeout,
			EndedAt:     &now,
			RoomEndedAt: &now,
		})
		if err != nil {
			s.log.Warn("reap transition failed", "call_id", c.ID, "err", err)
			continue
		}
		if !applied {
			// Another sweeper or a late accept got there first.
			continue
		}

		s.teardownRoom(updated)
		s.notifyAll(ctx, updated, EventCallMissed)
		reaped++
	}
	return reaped, nil
}

/* ===================== HELPERS ===================== */

func (s *Service) participantCall(ctx context.Context, actorID, callID string) (Call, error) {
	if actorID == "" || callID == "" {
		return Call{}, ErrInvalidArgument
	}
	call, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !call.HasParticipant(actorID) {
		return Call{}, ErrNotParticipant
	}
	return call, nil
}

// teardownRoom best-effort ends the provider room off the caller's path.
func (s *Service) teardownRoom(c Call) {
	if c.Room == nil {
		return
	}
	roomID := c.Room.ID
	callID := c.ID
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.provider.EndRoom(ctx, roomID); err != nil {
			s.log.Warn("provider room teardown failed", "call_id", callID, "room_id", roomID, "err", err)
		}
	})
}

// notifyAll includes the acting participant: a websocket client learns its
// own accept/decline/end succeeded through the same personal-channel event
// the other side receives.
func (s *Service) notifyAll(ctx context.Context, c Call, event string, kv ...string) {
	payload := any(c)
	if len(kv) == 2 {
		payload = map[string]any{"call": c, kv[0]: kv[1]}
	}
	for _, userID := range c.Participants {
		s.notifier.NotifyUser(ctx, userID, event, payload)
	}
}
