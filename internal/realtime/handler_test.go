package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"findernate-realtime/internal/calls"
	"findernate-realtime/internal/chat"
	"findernate-realtime/internal/presence"
)

type fakeChats struct {
	members   map[string]bool // "chatID/userID"
	deleteErr error
}

func (f *fakeChats) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	return f.members[chatID+"/"+userID], nil
}

func (f *fakeChats) MarkMessageDeleted(_ context.Context, _, _, _ string) (time.Time, error) {
	if f.deleteErr != nil {
		return time.Time{}, f.deleteErr
	}
	return time.Unix(1700000000, 0).UTC(), nil
}

func (f *fakeChats) RestoreMessage(_ context.Context, _, _, _ string) error {
	return f.deleteErr
}

type fakeCalls struct {
	initiated []calls.InitiateRequest
	accepted  []string
	err       error
}

func (f *fakeCalls) Initiate(_ context.Context, _ string, req calls.InitiateRequest) (calls.Call, error) {
	if f.err != nil {
		return calls.Call{}, f.err
	}
	f.initiated = append(f.initiated, req)
	return calls.Call{ID: "c1"}, nil
}

func (f *fakeCalls) Accept(_ context.Context, _, callID string) (calls.Call, error) {
	if f.err != nil {
		return calls.Call{}, f.err
	}
	f.accepted = append(f.accepted, callID)
	return calls.Call{ID: callID}, nil
}

func (f *fakeCalls) Decline(_ context.Context, _, callID string) (calls.Call, error) {
	return calls.Call{ID: callID}, f.err
}

func (f *fakeCalls) End(_ context.Context, _, callID string, _ calls.EndReason) (calls.Call, error) {
	return calls.Call{ID: callID}, f.err
}

func (f *fakeCalls) UpdateStatus(_ context.Context, _, callID string, _ calls.Status, _ map[string]any) (calls.Call, error) {
	return calls.Call{ID: callID}, f.err
}

type wsEnv struct {
	handler *WSHandler
	router  *Router
	chats   *fakeChats
	calls   *fakeCalls
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	router := startRouter(t, "proc-test", &fanoutBroker{})
	chats := &fakeChats{members: map[string]bool{"chat-1/alice": true, "chat-1/bob": true}}
	callSvc := &fakeCalls{}
	reg := presence.NewRegistry(presence.NewMemoryStore(), "proc-test", time.Hour, slog.Default())
	h := NewWSHandler(nil, router, reg, chats, callSvc, slog.Default())
	return &wsEnv{handler: h, router: router, chats: chats, calls: callSvc}
}

func (e *wsEnv) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := testClient(userID)
	e.router.Register(c)
	return c
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestJoinTopicRequiresMembership(t *testing.T) {
	env := newWSEnv(t)
	alice := env.connect(t, "alice")
	mallory := env.connect(t, "mallory")

	env.handler.dispatch(alice, ClientMessage{Type: MsgJoinTopic, ChatID: "chat-1"})
	if ev := drain(t, alice); ev.Type != EventJoinedTopic || ev.Channel != ChatChannel("chat-1") {
		t.Errorf("ack = %+v", ev)
	}
	if !env.router.Subscribed(alice, ChatChannel("chat-1")) {
		t.Error("alice not subscribed after join")
	}

	env.handler.dispatch(mallory, ClientMessage{Type: MsgJoinTopic, ChatID: "chat-1"})
	if ev := drain(t, mallory); ev.Type != EventError {
		t.Errorf("outsider join ack = %+v", ev)
	}
	if env.router.Subscribed(mallory, ChatChannel("chat-1")) {
		t.Error("outsider subscribed")
	}
}

func TestTypingRelayMirrorsPastTense(t *testing.T) {
	env := newWSEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	env.handler.dispatch(alice, ClientMessage{Type: MsgJoinTopic, ChatID: "chat-1"})
	drain(t, alice)
	env.handler.dispatch(bob, ClientMessage{Type: MsgJoinTopic, ChatID: "chat-1"})
	drain(t, bob)
	drain(t, alice) // bob's user_online notice

	env.handler.dispatch(alice, ClientMessage{Type: MsgTypingStart, ChatID: "chat-1"})
	if ev := drain(t, bob); ev.Type != EventTypingStarted || ev.From != "alice" {
		t.Errorf("relay = %+v", ev)
	}
	select {
	case <-alice.send:
		t.Error("sender received its own typing relay")
	default:
	}

	// Relaying without a join is rejected.
	carol := env.connect(t, "carol")
	env.handler.dispatch(carol, ClientMessage{Type: MsgTypingStart, ChatID: "chat-1"})
	if ev := drain(t, carol); ev.Type != EventError {
		t.Errorf("unjoined relay ack = %+v", ev)
	}
}

func TestDeleteMessageRelaysResult(t *testing.T) {
	env := newWSEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	env.handler.dispatch(bob, ClientMessage{Type: MsgJoinTopic, ChatID: "chat-1"})
	drain(t, bob)

	env.handler.dispatch(alice, ClientMessage{Type: MsgDeleteMessage, ChatID: "chat-1", MessageID: "m1"})
	if ev := drain(t, bob); ev.Type != EventMessageDeleted || ev.From != "alice" {
		t.Errorf("relay = %+v", ev)
	}

	// Window expiry surfaces as a typed error, nothing is relayed.
	env.chats.deleteErr = chat.ErrRestoreWindowExpired
	env.handler.dispatch(alice, ClientMessage{Type: MsgRestoreMessage, ChatID: "chat-1", MessageID: "m1"})
	if ev := drain(t, alice); ev.Type != EventError {
		t.Errorf("restore ack = %+v", ev)
	}
	select {
	case <-bob.send:
		t.Error("failed restore was relayed")
	default:
	}
}

func TestCallForwarding(t *testing.T) {
	env := newWSEnv(t)
	alice := env.connect(t, "alice")

	env.handler.dispatch(alice, ClientMessage{
		Type:    MsgCallInitiate,
		Payload: raw(t, map[string]string{"receiver_id": "bob", "chat_id": "chat-1", "call_type": "video"}),
	})
	if len(env.calls.initiated) != 1 || env.calls.initiated[0].ReceiverID != "bob" {
		t.Fatalf("initiated = %+v", env.calls.initiated)
	}
	// Success produces no inline reply; outcomes arrive via notifier.
	select {
	case <-alice.send:
		t.Error("successful forward produced inline reply")
	default:
	}

	env.handler.dispatch(alice, ClientMessage{Type: MsgCallAccept, CallID: "c1"})
	if len(env.calls.accepted) != 1 || env.calls.accepted[0] != "c1" {
		t.Errorf("accepted = %v", env.calls.accepted)
	}

	env.calls.err = errors.New("boom")
	env.handler.dispatch(alice, ClientMessage{Type: MsgCallEnd, CallID: "c1"})
	if ev := drain(t, alice); ev.Type != EventError {
		t.Errorf("failed forward ack = %+v", ev)
	}
}

func TestWebRTCRelayTargetsPersonalChannel(t *testing.T) {
	env := newWSEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	env.handler.dispatch(alice, ClientMessage{
		Type:    MsgWebRTCOffer,
		To:      "bob",
		Payload: raw(t, map[string]string{"sdp": "v=0"}),
	})
	ev := drain(t, bob)
	if ev.Type != MsgWebRTCOffer || ev.From != "alice" || ev.Channel != UserChannel("bob") {
		t.Errorf("relay = %+v", ev)
	}

	env.handler.dispatch(alice, ClientMessage{Type: MsgWebRTCOffer})
	if ev := drain(t, alice); ev.Type != EventError {
		t.Errorf("missing-target ack = %+v", ev)
	}
}
