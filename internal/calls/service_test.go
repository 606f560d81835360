package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"findernate-realtime/internal/rooms"
)

/* ===================== fakes ===================== */

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notice struct {
	userID  string
	event   string
	payload any
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *fakeNotifier) NotifyUser(_ context.Context, userID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{userID: userID, event: event, payload: payload})
}

func (n *fakeNotifier) count(userID, event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, nt := range n.notices {
		if nt.userID == userID && nt.event == event {
			total++
		}
	}
	return total
}

type memChats struct {
	mu       sync.Mutex
	members  map[string]map[string]bool
	appended []string
}

func newMemChats(chatID string, userIDs ...string) *memChats {
	set := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		set[id] = true
	}
	return &memChats{members: map[string]map[string]bool{chatID: set}}
}

func (c *memChats) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[chatID][userID], nil
}

func (c *memChats) AppendSystemMessage(_ context.Context, chatID, _, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appended = append(c.appended, body)
	return fmt.Sprintf("msg-%d", len(c.appended)), nil
}

type fakePresence struct{ online map[string]bool }

func (p *fakePresence) IsOnline(_ context.Context, userID string) (bool, error) {
	return p.online[userID], nil
}

type fakeProvider struct {
	mu         sync.Mutex
	failCreate bool
	failToken  bool
	created    []rooms.CreateRoomRequest
	ended      []string
	sessions   []rooms.Session
}

func (p *fakeProvider) Name() string                      { return "fake" }
func (p *fakeProvider) HealthCheck(context.Context) error { return nil }

func (p *fakeProvider) CreateRoom(_ context.Context, req rooms.CreateRoomRequest) (rooms.RoomHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate {
		return rooms.RoomHandle{}, errors.New("provider down")
	}
	p.created = append(p.created, req)
	return rooms.RoomHandle{ID: "room-" + req.CallID, Enabled: true, CreatedAt: time.Now().UTC()}, nil
}

func (p *fakeProvider) IssueToken(_ context.Context, req rooms.IssueTokenRequest) (rooms.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failToken {
		return rooms.Token{}, errors.New("token mint failed")
	}
	now := time.Now().UTC()
	return rooms.Token{
		UserID:    req.UserID,
		Value:     "jwt-" + req.UserID,
		Role:      req.Role,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}, nil
}

func (p *fakeProvider) EndRoom(_ context.Context, roomID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, roomID)
	return true, nil
}

func (p *fakeProvider) ListActiveSessions(_ context.Context, _ string) ([]rooms.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions, nil
}

func (p *fakeProvider) endedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ended)
}

type testEnv struct {
	svc      *Service
	repo     *MemoryRepo
	provider *fakeProvider
	notifier *fakeNotifier
	chats    *memChats
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	repo := NewMemoryRepo()
	repo.SetClock(clock.Now)
	provider := &fakeProvider{}
	notifier := &fakeNotifier{}
	chats := newMemChats("chat-1", "alice", "bob", "carol")

	svc := NewService(repo, provider, chats, notifier, &fakePresence{online: map[string]bool{"bob": true}}, 2*time.Minute, nil)
	svc.clock = clock.Now
	svc.spawn = func(f func()) { f() } // run provider I/O inline for determinism
	return &testEnv{svc: svc, repo: repo, provider: provider, notifier: notifier, chats: chats, clock: clock}
}

func (e *testEnv) initiate(t *testing.T, initiator, receiver string) Call {
	t.Helper()
	call, err := e.svc.Initiate(context.Background(), initiator, InitiateRequest{
		ReceiverID: receiver,
		ChatID:     "chat-1",
		CallType:   CallTypeVideo,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return call
}

/* ===================== lifecycle ===================== */

func TestCallLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")
	if call.Status != StatusInitiated {
		t.Fatalf("status = %s, want initiated", call.Status)
	}
	if env.notifier.count("bob", EventIncomingCall) != 1 {
		t.Error("receiver did not get incoming_call")
	}
	if len(env.chats.appended) != 1 {
		t.Errorf("transcript messages = %d, want 1", len(env.chats.appended))
	}

	// Inline spawn means the room is already provisioned.
	stored, err := env.repo.Get(ctx, call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Room == nil || stored.Room.ID != "room-"+call.ID {
		t.Fatalf("room not attached: %+v", stored.Room)
	}
	if env.notifier.count("alice", EventCallRoomReady) != 1 || env.notifier.count("bob", EventCallRoomReady) != 1 {
		t.Error("room-ready not fanned out to both participants")
	}
	if toks := env.repo.LiveTokens(call.ID); len(toks) != 2 {
		t.Errorf("live tokens = %d, want 2", len(toks))
	}

	if _, err := env.svc.Accept(ctx, "alice", call.ID); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("initiator accept err = %v, want ErrInvalidArgument", err)
	}

	accepted, err := env.svc.Accept(ctx, "bob", call.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != StatusConnecting {
		t.Errorf("status = %s, want connecting", accepted.Status)
	}
	if env.notifier.count("alice", EventCallAccepted) != 1 {
		t.Error("initiator did not learn of accept")
	}

	env.clock.Advance(3 * time.Second)
	active, err := env.svc.UpdateStatus(ctx, "bob", call.ID, StatusActive, map[string]any{"connection": "relay"})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if active.Status != StatusActive || active.StartedAt == nil {
		t.Fatalf("active call missing started_at: %+v", active)
	}
	if active.Metadata["connection"] != "relay" {
		t.Errorf("metadata not merged: %v", active.Metadata)
	}

	env.clock.Advance(90 * time.Second)
	ended, err := env.svc.End(ctx, "alice", call.ID, "")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != StatusEnded || ended.EndReason != EndReasonNormal {
		t.Errorf("ended = %s/%s", ended.Status, ended.EndReason)
	}
	if got := ended.DurationSeconds(); got != 90 {
		t.Errorf("duration = %d, want 90", got)
	}
	if env.provider.endedCount() != 1 {
		t.Error("provider room not torn down")
	}

	// A terminal call rejects further transitions.
	if _, err := env.svc.End(ctx, "alice", call.ID, ""); err == nil {
		t.Fatal("double end must conflict")
	} else {
		var conflict *ConflictError
		if !errors.As(err, &conflict) || conflict.CurrentStatus != StatusEnded {
			t.Errorf("double end err = %v", err)
		}
	}
}

func TestActorReceivesOwnTransitionEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")
	if _, err := env.svc.Accept(ctx, "bob", call.ID); err != nil {
		t.Fatal(err)
	}
	// The accepting side may be on a websocket with no inline reply; it
	// learns the outcome from the same personal-channel event as the peer.
	if env.notifier.count("bob", EventCallAccepted) != 1 {
		t.Error("actor did not receive call_accepted")
	}
	if env.notifier.count("alice", EventCallAccepted) != 1 {
		t.Error("peer did not receive call_accepted")
	}

	if _, err := env.svc.End(ctx, "alice", call.ID, ""); err != nil {
		t.Fatal(err)
	}
	if env.notifier.count("alice", EventCallEnded) != 1 || env.notifier.count("bob", EventCallEnded) != 1 {
		t.Error("call_ended must reach every participant, actor included")
	}
}

func TestInitiateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  InitiateRequest
	}{
		{"self call", InitiateRequest{ReceiverID: "alice", ChatID: "chat-1", CallType: CallTypeVoice}},
		{"bad type", InitiateRequest{ReceiverID: "bob", ChatID: "chat-1", CallType: "screen"}},
		{"missing chat", InitiateRequest{ReceiverID: "bob", CallType: CallTypeVoice}},
	}
	for _, tc := range cases {
		if _, err := env.svc.Initiate(ctx, "alice", tc.req); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: err = %v, want ErrInvalidArgument", tc.name, err)
		}
	}

	// Receiver outside the chat.
	if _, err := env.svc.Initiate(ctx, "alice", InitiateRequest{
		ReceiverID: "mallory", ChatID: "chat-1", CallType: CallTypeVoice,
	}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider err = %v, want ErrNotParticipant", err)
	}
}

func TestBusyConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.initiate(t, "alice", "bob")

	// Bob is ringing; carol cannot pull him into another call.
	_, err := env.svc.Initiate(ctx, "carol", InitiateRequest{
		ReceiverID: "bob", ChatID: "chat-1", CallType: CallTypeVoice,
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.ExistingCallID != first.ID {
		t.Errorf("existing_call_id = %s, want %s", conflict.ExistingCallID, first.ID)
	}

	// Once the first call ends, the same pair can call again.
	if _, err := env.svc.End(ctx, "alice", first.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Initiate(ctx, "carol", InitiateRequest{
		ReceiverID: "bob", ChatID: "chat-1", CallType: CallTypeVoice,
	}); err != nil {
		t.Fatalf("post-end initiate: %v", err)
	}
}

func TestDecline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")
	declined, err := env.svc.Decline(ctx, "bob", call.ID)
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if declined.Status != StatusDeclined || declined.EndReason != EndReasonDeclined {
		t.Errorf("declined = %s/%s", declined.Status, declined.EndReason)
	}
	if declined.DurationSeconds() != 0 {
		t.Error("declined call must have zero duration")
	}
	if env.notifier.count("alice", EventCallDeclined) != 1 {
		t.Error("initiator did not learn of decline")
	}
	if env.provider.endedCount() != 1 {
		t.Error("room not torn down after decline")
	}
}

func TestProvisioningLosesToDecline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Hold the spawned provisioner so the decline lands mid-flight.
	var deferred []func()
	env.svc.spawn = func(f func()) { deferred = append(deferred, f) }

	call := env.initiate(t, "alice", "bob")
	if _, err := env.svc.Decline(ctx, "bob", call.ID); err != nil {
		t.Fatal(err)
	}
	for _, f := range deferred {
		f()
	}

	stored, _ := env.repo.Get(ctx, call.ID)
	if stored.Room != nil {
		t.Fatalf("room attached to terminal call: %+v", stored.Room)
	}
	if env.notifier.count("alice", EventCallRoomReady) != 0 || env.notifier.count("bob", EventCallRoomReady) != 0 {
		t.Error("room_ready sent for a declined call")
	}
	// The freshly created room must not leak at the provider.
	if env.provider.endedCount() != 1 {
		t.Errorf("provider rooms ended = %d, want 1", env.provider.endedCount())
	}
}

/* ===================== reaper ===================== */

func TestReapStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")
	env.clock.Advance(3 * time.Minute)

	n, err := env.svc.ReapStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	got, _ := env.repo.Get(ctx, call.ID)
	if got.Status != StatusMissed || got.EndReason != EndReasonTimeout {
		t.Errorf("reaped call = %s/%s", got.Status, got.EndReason)
	}
	if env.notifier.count("alice", EventCallMissed) != 1 || env.notifier.count("bob", EventCallMissed) != 1 {
		t.Error("missed notification must go to both participants exactly once")
	}

	// A second sweep sees nothing; notifications stay at one.
	if n, _ := env.svc.ReapStale(ctx); n != 0 {
		t.Errorf("second sweep reaped %d, want 0", n)
	}
	if env.notifier.count("bob", EventCallMissed) != 1 {
		t.Error("duplicate missed notification after second sweep")
	}

	// A late accept after reaping conflicts.
	if _, err := env.svc.Accept(ctx, "bob", call.ID); err == nil {
		t.Error("accept after reap must conflict")
	}
}

func TestConcurrentReapSweeps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")
	env.clock.Advance(3 * time.Minute)

	// Two processes sweep at once; the guarded transition lets exactly one
	// of them flip the call.
	var wg sync.WaitGroup
	reaped := make([]int, 2)
	for i := range reaped {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := env.svc.ReapStale(ctx)
			if err != nil {
				t.Errorf("sweep %d: %v", i, err)
			}
			reaped[i] = n
		}(i)
	}
	wg.Wait()

	if total := reaped[0] + reaped[1]; total != 1 {
		t.Fatalf("total reaped = %d, want 1", total)
	}
	got, _ := env.repo.Get(ctx, call.ID)
	if got.Status != StatusMissed || got.EndReason != EndReasonTimeout {
		t.Errorf("reaped call = %s/%s", got.Status, got.EndReason)
	}
	if env.notifier.count("alice", EventCallMissed) != 1 || env.notifier.count("bob", EventCallMissed) != 1 {
		t.Error("missed notification must go out exactly once per participant")
	}
	if env.provider.endedCount() != 1 {
		t.Errorf("provider rooms ended = %d, want 1", env.provider.endedCount())
	}
}

func TestReapSkipsAnsweredCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")
	if _, err := env.svc.Accept(ctx, "bob", call.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.UpdateStatus(ctx, "bob", call.ID, StatusActive, nil); err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(time.Hour)
	if n, _ := env.svc.ReapStale(ctx); n != 0 {
		t.Errorf("active call reaped: %d", n)
	}
}

/* ===================== provider degradation ===================== */

func TestInitiateSurvivesProviderOutage(t *testing.T) {
	env := newTestEnv(t)
	env.provider.failCreate = true
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")

	stored, _ := env.repo.Get(ctx, call.ID)
	if stored.Room != nil {
		t.Fatal("room attached despite provider outage")
	}

	// Signaling keeps working without a room.
	if _, err := env.svc.Accept(ctx, "bob", call.ID); err != nil {
		t.Fatalf("accept in degraded mode: %v", err)
	}

	// Token requests report the degradation explicitly.
	if _, err := env.svc.IssueToken(ctx, "bob", call.ID, ""); !errors.Is(err, ErrNoRoom) {
		t.Errorf("token err = %v, want ErrNoRoom", err)
	}
}

func TestIssueTokenRevokesPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")

	tok, err := env.svc.IssueToken(ctx, "bob", call.ID, "")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if tok.Role != rooms.RoleGuest {
		t.Errorf("receiver role = %s, want guest", tok.Role)
	}

	if _, err := env.svc.IssueToken(ctx, "bob", call.ID, rooms.RoleGuest); err != nil {
		t.Fatal(err)
	}

	// Provisioning issued one per user; two reissues replaced bob's.
	live := env.repo.LiveTokens(call.ID)
	perUser := map[string]int{}
	for _, lt := range live {
		perUser[lt.UserID]++
	}
	if perUser["bob"] != 1 || perUser["alice"] != 1 {
		t.Errorf("live tokens per user = %v, want one each", perUser)
	}

	if _, err := env.svc.IssueToken(ctx, "carol", call.ID, ""); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider token err = %v", err)
	}
	if _, err := env.svc.IssueToken(ctx, "bob", call.ID, "producer"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad role err = %v", err)
	}
}

/* ===================== memory repo snapshots ===================== */

func TestTransitionKeepsRoomSnapshotsImmutable(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	created, err := repo.CreateExclusive(ctx, Call{
		ID: "c1", ChatID: "chat-1", Initiator: "alice",
		Participants: []string{"alice", "bob"},
		Type:         CallTypeVoice, Status: StatusInitiated,
		InitiatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	snapshot, _, err := repo.AttachRoom(ctx, created.ID, ExternalRoom{ID: "room-1", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if _, applied, err := repo.Transition(ctx, created.ID, TransitionUpdate{
		From: NonTerminalStatuses, To: StatusEnded,
		EndReason: EndReasonNormal, EndedAt: &now, RoomEndedAt: &now,
	}); err != nil || !applied {
		t.Fatalf("transition: applied=%v err=%v", applied, err)
	}

	// The earlier return value must not see the later room mutation.
	if snapshot.Room.EndedAt != nil {
		t.Error("returned snapshot mutated by a later transition")
	}
	current, _ := repo.Get(ctx, created.ID)
	if current.Room.EndedAt == nil {
		t.Error("current record missing room ended_at")
	}
}

func TestAttachRoomRejectsTerminalCall(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	created, err := repo.CreateExclusive(ctx, Call{
		ID: "c1", ChatID: "chat-1", Initiator: "alice",
		Participants: []string{"alice", "bob"},
		Type:         CallTypeVoice, Status: StatusInitiated,
		InitiatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if _, _, err := repo.Transition(ctx, created.ID, TransitionUpdate{
		From: NonTerminalStatuses, To: StatusDeclined,
		EndReason: EndReasonDeclined, EndedAt: &now,
	}); err != nil {
		t.Fatal(err)
	}

	current, attached, err := repo.AttachRoom(ctx, created.ID, ExternalRoom{ID: "room-late"})
	if err != nil {
		t.Fatal(err)
	}
	if attached {
		t.Fatal("room attached to a terminal call")
	}
	if current.Room != nil {
		t.Errorf("room = %+v, want nil", current.Room)
	}
}

/* ===================== webhook reconciliation ===================== */

func TestApplyRoomEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")
	roomID := "room-" + call.ID
	occurred := env.clock.Now().Add(5 * time.Second)

	if err := env.svc.ApplyRoomEvent(ctx, rooms.Event{Kind: rooms.EventSessionStarted, RoomID: roomID, OccurredAt: occurred}); err != nil {
		t.Fatalf("session started: %v", err)
	}
	got, _ := env.repo.Get(ctx, call.ID)
	if got.Status != StatusActive || got.StartedAt == nil || !got.StartedAt.Equal(occurred) {
		t.Fatalf("after session start: %+v", got)
	}
	updates := env.notifier.count("bob", EventCallStatusUpdated)

	// Duplicate delivery is a no-op with no extra fan-out.
	if err := env.svc.ApplyRoomEvent(ctx, rooms.Event{Kind: rooms.EventSessionStarted, RoomID: roomID, OccurredAt: occurred}); err != nil {
		t.Fatalf("duplicate session started: %v", err)
	}
	if env.notifier.count("bob", EventCallStatusUpdated) != updates {
		t.Error("duplicate webhook produced extra notification")
	}

	if err := env.svc.ApplyRoomEvent(ctx, rooms.Event{Kind: rooms.EventPeerJoined, RoomID: roomID, PeerUserID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if env.notifier.count("alice", EventCallPeerJoined) != 1 {
		t.Error("peer join not fanned out")
	}

	if err := env.svc.ApplyRoomEvent(ctx, rooms.Event{Kind: rooms.EventSessionEnded, RoomID: roomID, OccurredAt: occurred.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	got, _ = env.repo.Get(ctx, call.ID)
	if got.Status != StatusEnded || got.EndReason != EndReasonNormal {
		t.Errorf("after session end: %s/%s", got.Status, got.EndReason)
	}
	if got.DurationSeconds() != 60 {
		t.Errorf("duration = %d, want 60", got.DurationSeconds())
	}

	if err := env.svc.ApplyRoomEvent(ctx, rooms.Event{Kind: rooms.EventRecordingSuccess, RoomID: roomID, RecordingURL: "https://cdn/rec.mp4"}); err != nil {
		t.Fatal(err)
	}
	got, _ = env.repo.Get(ctx, call.ID)
	if got.Metadata["recording_url"] != "https://cdn/rec.mp4" {
		t.Errorf("recording metadata = %v", got.Metadata)
	}
	if env.notifier.count("alice", EventCallRecordingReady) != 1 {
		t.Error("recording notification missing")
	}

	if err := env.svc.ApplyRoomEvent(ctx, rooms.Event{Kind: rooms.EventSessionStarted, RoomID: "room-unknown"}); !errors.Is(err, rooms.ErrNoMatchingCall) {
		t.Errorf("unknown room err = %v, want ErrNoMatchingCall", err)
	}
}

func TestWebhookLosesToLocalEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call := env.initiate(t, "alice", "bob")
	if _, err := env.svc.Decline(ctx, "bob", call.ID); err != nil {
		t.Fatal(err)
	}

	// Late session.open after the decline must not resurrect the call.
	if err := env.svc.ApplyRoomEvent(ctx, rooms.Event{Kind: rooms.EventSessionStarted, RoomID: "room-" + call.ID}); err != nil {
		t.Fatal(err)
	}
	got, _ := env.repo.Get(ctx, call.ID)
	if got.Status != StatusDeclined {
		t.Errorf("status = %s, want declined", got.Status)
	}
}

/* ===================== queries ===================== */

func TestHistoryActiveStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.initiate(t, "alice", "bob")
	if _, err := env.svc.Accept(ctx, "bob", first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.UpdateStatus(ctx, "bob", first.ID, StatusActive, nil); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(30 * time.Second)
	if _, err := env.svc.End(ctx, "bob", first.ID, ""); err != nil {
		t.Fatal(err)
	}

	second := env.initiate(t, "alice", "bob")

	active, err := env.svc.Active(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("active = %+v", active)
	}

	history, err := env.svc.History(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d calls", len(history))
	}
	// Newest first.
	if history[0].ID != second.ID {
		t.Error("history not newest-first")
	}

	stats, err := env.svc.Stats(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Days != 30 {
		t.Errorf("default days = %d", stats.Days)
	}
	if stats.TotalCalls != 2 || stats.ByType[CallTypeVideo] != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalDurationSeconds != 30 {
		t.Errorf("total duration = %d, want 30", stats.TotalDurationSeconds)
	}

	// Carol shares the chat but not the calls.
	none, err := env.svc.History(ctx, "carol", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("carol history = %d", len(none))
	}
}
