package router_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/Biren07/chat-application/internal/router"
	"github.com/Biren07/chat-application/pkg/presence"
	"github.com/Biren07/chat-application/pkg/protocol"
	"github.com/google/uuid"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id uuid.UUID

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
}

func (f *fakeConn) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// envelopes decodes everything the server delivered to this connection.
func (f *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.sent))
	for _, raw := range f.sent {
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("server sent undecodable message: %v", err)
		}
		out = append(out, *env)
	}
	return out
}

// lastOf returns the most recent delivery of the named event, if any.
func (f *fakeConn) lastOf(t *testing.T, event string) (protocol.Envelope, bool) {
	t.Helper()
	envs := f.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Event == event {
			return envs[i], true
		}
	}
	return protocol.Envelope{}, false
}

func (f *fakeConn) countOf(t *testing.T, event string) int {
	t.Helper()
	n := 0
	for _, env := range f.envelopes(t) {
		if env.Event == event {
			n++
		}
	}
	return n
}

func newTestRouter() (*router.EventRouter, *presence.Registry) {
	registry := presence.NewRegistry(newTestLogger())
	return router.New(newTestLogger(), registry), registry
}

func connect(r *router.EventRouter, userID, name string) *fakeConn {
	conn := newFakeConn()
	r.Connect(&router.Client{Conn: conn, UserID: userID, Name: name})
	return conn
}

func emit(t *testing.T, r *router.EventRouter, conn *fakeConn, event string, payload any) {
	t.Helper()
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	r.HandleMessage(context.Background(), conn.ID(), msg)
}

func onlineUsers(t *testing.T, env protocol.Envelope) []string {
	t.Helper()
	var users []string
	if err := json.Unmarshal(env.Payload, &users); err != nil {
		t.Fatalf("decode online users payload: %v", err)
	}
	return users
}

func TestConnectBroadcastsFullOnlineSet(t *testing.T) {
	r, _ := newTestRouter()

	connA := connect(r, "u1", "Alice")
	env, ok := connA.lastOf(t, protocol.EventOnlineUsers)
	if !ok {
		t.Fatal("new connection did not receive the online set")
	}
	if got := onlineUsers(t, env); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Errorf("online set = %v, want [u1]", got)
	}

	connB := connect(r, "u2", "Bob")
	// The update goes to all clients, not just the new one.
	for name, conn := range map[string]*fakeConn{"existing": connA, "new": connB} {
		env, ok := conn.lastOf(t, protocol.EventOnlineUsers)
		if !ok {
			t.Fatalf("%s connection missed the presence update", name)
		}
		if got := onlineUsers(t, env); !reflect.DeepEqual(got, []string{"u1", "u2"}) {
			t.Errorf("%s connection online set = %v, want [u1 u2]", name, got)
		}
	}
}

func TestReconnectReplacesEarlierConnection(t *testing.T) {
	r, registry := newTestRouter()

	old := connect(r, "u1", "Alice")
	fresh := connect(r, "u1", "Alice")

	if !old.isClosed() {
		t.Error("replaced connection was not closed")
	}
	got, ok := registry.Get("u1")
	if !ok || got.ID() != fresh.ID() {
		t.Error("registry does not point at the most recent connection")
	}

	// The replaced connection's teardown must not take the user offline.
	r.Disconnect(old.ID())
	if _, ok := registry.Get("u1"); !ok {
		t.Error("stale teardown removed the live presence entry")
	}
	if registry.Len() != 1 {
		t.Errorf("registry has %d entries, want 1", registry.Len())
	}
}

func TestTypingIsTargeted(t *testing.T) {
	r, _ := newTestRouter()
	connA := connect(r, "u1", "Alice")
	connB := connect(r, "u2", "Bob")
	connC := connect(r, "u3", "Carol")

	emit(t, r, connA, protocol.EventTyping, protocol.TypingPayload{ReceiverID: "u2"})

	env, ok := connB.lastOf(t, protocol.EventUserTyping)
	if !ok {
		t.Fatal("receiver did not get userTyping")
	}
	var p protocol.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode userTyping payload: %v", err)
	}
	if p.SenderID != "u1" {
		t.Errorf("senderId = %q, want u1", p.SenderID)
	}

	if connC.countOf(t, protocol.EventUserTyping) != 0 {
		t.Error("targeted event leaked to a third client")
	}
	if connA.countOf(t, protocol.EventUserTyping) != 0 {
		t.Error("targeted event echoed back to the sender")
	}

	emit(t, r, connA, protocol.EventStopTyping, protocol.TypingPayload{ReceiverID: "u2"})
	if _, ok := connB.lastOf(t, protocol.EventUserStopTyping); !ok {
		t.Error("receiver did not get userStopTyping")
	}
}

func TestTargetedSendToOfflineUserIsSilent(t *testing.T) {
	r, _ := newTestRouter()
	connA := connect(r, "u1", "Alice")
	connB := connect(r, "u2", "Bob")

	emit(t, r, connA, protocol.EventTyping, protocol.TypingPayload{ReceiverID: "nobody"})

	for name, conn := range map[string]*fakeConn{"sender": connA, "bystander": connB} {
		if conn.countOf(t, protocol.EventUserTyping) != 0 {
			t.Errorf("%s received a delivery meant for an offline user", name)
		}
	}
}

func TestReactionIsBroadcastToEveryoneIncludingSender(t *testing.T) {
	r, _ := newTestRouter()
	conns := map[string]*fakeConn{
		"u1": connect(r, "u1", "Alice"),
		"u2": connect(r, "u2", "Bob"),
		"u3": connect(r, "u3", "Carol"),
	}

	emit(t, r, conns["u2"], protocol.EventReaction, protocol.ReactionPayload{MessageID: "m1", Emoji: "🔥"})

	for id, conn := range conns {
		env, ok := conn.lastOf(t, protocol.EventReactionUpdate)
		if !ok {
			t.Fatalf("%s did not receive reactionUpdated", id)
		}
		var p protocol.ReactionUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode reactionUpdated payload: %v", err)
		}
		if p.MessageID != "m1" || p.Emoji != "🔥" || p.UserID != "u2" {
			t.Errorf("%s got %+v, want {m1 🔥 u2}", id, p)
		}
	}
}

func TestCallSignalingRoundTrip(t *testing.T) {
	r, _ := newTestRouter()
	caller := connect(r, "u1", "Alice")
	receiver := connect(r, "u2", "Bob")

	emit(t, r, caller, protocol.EventStartCall, protocol.StartCallPayload{ReceiverID: "u2", Type: protocol.CallVideo})
	env, ok := receiver.lastOf(t, protocol.EventIncomingCall)
	if !ok {
		t.Fatal("receiver did not get incomingCall")
	}
	var invite protocol.IncomingCallPayload
	if err := json.Unmarshal(env.Payload, &invite); err != nil {
		t.Fatalf("decode incomingCall: %v", err)
	}
	if invite.CallerID != "u1" || invite.CallerName != "Alice" || invite.Type != protocol.CallVideo {
		t.Errorf("incomingCall payload = %+v", invite)
	}

	emit(t, r, receiver, protocol.EventAcceptCall, protocol.AcceptCallPayload{CallerID: "u1"})
	env, ok = caller.lastOf(t, protocol.EventCallAccepted)
	if !ok {
		t.Fatal("caller did not get callAccepted")
	}
	var accepted protocol.CallAcceptedPayload
	if err := json.Unmarshal(env.Payload, &accepted); err != nil {
		t.Fatalf("decode callAccepted: %v", err)
	}
	if accepted.ReceiverID != "u2" {
		t.Errorf("callAccepted receiverId = %q, want u2", accepted.ReceiverID)
	}

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	emit(t, r, caller, protocol.EventWebRTCOffer, protocol.OfferPayload{ReceiverID: "u2", Offer: offer})
	env, ok = receiver.lastOf(t, protocol.EventWebRTCOffer)
	if !ok {
		t.Fatal("receiver did not get the relayed offer")
	}
	var relayedOffer protocol.OfferPayload
	if err := json.Unmarshal(env.Payload, &relayedOffer); err != nil {
		t.Fatalf("decode relayed offer: %v", err)
	}
	if relayedOffer.SenderID != "u1" || string(relayedOffer.Offer) != string(offer) {
		t.Errorf("relayed offer = %+v, body %s", relayedOffer, relayedOffer.Offer)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	emit(t, r, receiver, protocol.EventWebRTCAnswer, protocol.AnswerPayload{ReceiverID: "u1", Answer: answer})
	if _, ok := caller.lastOf(t, protocol.EventWebRTCAnswer); !ok {
		t.Fatal("caller did not get the relayed answer")
	}

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}`)
	emit(t, r, caller, protocol.EventICECandidate, protocol.ICECandidatePayload{ReceiverID: "u2", Candidate: candidate})
	env, ok = receiver.lastOf(t, protocol.EventICECandidate)
	if !ok {
		t.Fatal("receiver did not get the relayed candidate")
	}
	var relayedCand protocol.ICECandidatePayload
	if err := json.Unmarshal(env.Payload, &relayedCand); err != nil {
		t.Fatalf("decode relayed candidate: %v", err)
	}
	if relayedCand.SenderID != "u1" {
		t.Errorf("relayed candidate senderId = %q, want u1", relayedCand.SenderID)
	}

	emit(t, r, receiver, protocol.EventEndCall, protocol.EndCallPayload{OtherUserID: "u1"})
	env, ok = caller.lastOf(t, protocol.EventCallEnded)
	if !ok {
		t.Fatal("caller did not get callEnded")
	}
	var ended protocol.CallEndedPayload
	if err := json.Unmarshal(env.Payload, &ended); err != nil {
		t.Fatalf("decode callEnded: %v", err)
	}
	if ended.UserID != "u2" {
		t.Errorf("callEnded userId = %q, want u2", ended.UserID)
	}
}

func TestInviteWithUnknownMediaTypeIsDropped(t *testing.T) {
	r, _ := newTestRouter()
	caller := connect(r, "u1", "Alice")
	receiver := connect(r, "u2", "Bob")

	emit(t, r, caller, protocol.EventStartCall, protocol.StartCallPayload{ReceiverID: "u2", Type: "screen"})
	if receiver.countOf(t, protocol.EventIncomingCall) != 0 {
		t.Error("invite with invalid media type was forwarded")
	}
}

func TestMalformedPayloadIsDroppedNotForwarded(t *testing.T) {
	r, _ := newTestRouter()
	connA := connect(r, "u1", "Alice")
	connB := connect(r, "u2", "Bob")

	r.HandleMessage(context.Background(), connA.ID(), []byte(`{"event":"typing","payload":"not-an-object"}`))
	r.HandleMessage(context.Background(), connA.ID(), []byte(`{"event":"webrtcOffer","payload":{"receiverId":"u2"}}`))
	r.HandleMessage(context.Background(), connA.ID(), []byte(`{"event":"noSuchEvent","payload":{}}`))
	r.HandleMessage(context.Background(), connA.ID(), []byte(`garbage`))

	if got := connB.countOf(t, protocol.EventUserTyping) + connB.countOf(t, protocol.EventWebRTCOffer); got != 0 {
		t.Errorf("malformed input reached the target (%d deliveries)", got)
	}
}

// Two users connect, one types at the other, then disconnects.
func TestPresenceFollowsConnectionLifecycle(t *testing.T) {
	r, registry := newTestRouter()
	connA := connect(r, "u1", "Alice")
	connB := connect(r, "u2", "Bob")

	if got := registry.UserIDs(); !reflect.DeepEqual(got, []string{"u1", "u2"}) {
		t.Fatalf("registry reports %v, want [u1 u2]", got)
	}

	emit(t, r, connA, protocol.EventTyping, protocol.TypingPayload{ReceiverID: "u2"})
	env, ok := connB.lastOf(t, protocol.EventUserTyping)
	if !ok {
		t.Fatal("u2 did not receive userTyping")
	}
	var p protocol.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.SenderID != "u1" {
		t.Errorf("senderId = %q, want u1", p.SenderID)
	}

	r.Disconnect(connA.ID())
	if got := registry.UserIDs(); !reflect.DeepEqual(got, []string{"u2"}) {
		t.Errorf("registry reports %v after disconnect, want [u2]", got)
	}
	env, ok = connB.lastOf(t, protocol.EventOnlineUsers)
	if !ok {
		t.Fatal("u2 missed the presence update")
	}
	if got := onlineUsers(t, env); !reflect.DeepEqual(got, []string{"u2"}) {
		t.Errorf("presence update = %v, want [u2]", got)
	}

	// Disconnect is idempotent; a duplicate teardown must not re-broadcast.
	before := connB.countOf(t, protocol.EventOnlineUsers)
	r.Disconnect(connA.ID())
	if after := connB.countOf(t, protocol.EventOnlineUsers); after != before {
		t.Error("duplicate disconnect produced another presence broadcast")
	}
}
