package protocol_test

import (
	"errors"
	"testing"

	"github.com/Biren07/chat-application/pkg/protocol"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := protocol.DecodeEnvelope([]byte(`{"event":"typing","payload":{"receiverId":"u2"}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Event != protocol.EventTyping {
		t.Errorf("event = %q, want %q", env.Event, protocol.EventTyping)
	}
	if string(env.Payload) != `{"receiverId":"u2"}` {
		t.Errorf("payload not preserved verbatim: %s", env.Payload)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := protocol.DecodeEnvelope([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	_, err := protocol.DecodeEnvelope([]byte(`{"payload":{}}`))
	if !errors.Is(err, protocol.ErrMissingEvent) {
		t.Errorf("expected ErrMissingEvent, got %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := protocol.Encode(protocol.EventIncomingCall, protocol.IncomingCallPayload{
		CallerID:   "u1",
		CallerName: "Alice",
		Type:       protocol.CallVideo,
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Event != protocol.EventIncomingCall {
		t.Errorf("event = %q, want %q", env.Event, protocol.EventIncomingCall)
	}
}

func TestCallTypeValid(t *testing.T) {
	cases := []struct {
		in   protocol.CallType
		want bool
	}{
		{protocol.CallVoice, true},
		{protocol.CallVideo, true},
		{"screen", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := tc.in.Valid(); got != tc.want {
			t.Errorf("CallType(%q).Valid() = %v, want %v", tc.in, got, tc.want)
		}
	}
}
