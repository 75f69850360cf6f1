// Package protocol defines the realtime wire contract: a JSON envelope with a
// named event and a structured payload. The event set is closed; payloads are
// typed so the router can reject malformed input instead of forwarding it blind.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client → server events.
const (
	EventTyping       = "typing"
	EventStopTyping   = "stopTyping"
	EventReaction     = "reaction"
	EventStartCall    = "startCall"
	EventAcceptCall   = "acceptCall"
	EventRejectCall   = "rejectCall"
	EventEndCall      = "endCall"
	EventWebRTCOffer  = "webrtcOffer"
	EventWebRTCAnswer = "webrtcAnswer"
	EventICECandidate = "iceCandidate"
)

// Server → client events. The WebRTC trio reuses the same names in both
// directions; only the payload shape flips from receiverId to senderId.
const (
	EventUserTyping     = "userTyping"
	EventUserStopTyping = "userStopTyping"
	EventReactionUpdate = "reactionUpdated"
	EventIncomingCall   = "incomingCall"
	EventCallAccepted   = "callAccepted"
	EventCallRejected   = "callRejected"
	EventCallEnded      = "callEnded"
	EventOnlineUsers    = "getOnlineUsers"
)

// CallType distinguishes voice-only from video calls.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// Valid reports whether t is one of the two known media types.
func (t CallType) Valid() bool {
	return t == CallVoice || t == CallVideo
}

// Envelope is the outer frame of every realtime message.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var ErrMissingEvent = errors.New("envelope has no event name")

// DecodeEnvelope parses the outer frame of a wire message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope's payload into out.
func DecodePayload(env *Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", env.Event, err)
	}
	return nil
}

// Encode frames an event and its payload for the wire.
func Encode(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: body})
}

// --- Chat payloads ---

type TypingPayload struct {
	ReceiverID string `json:"receiverId"`
}

type UserTypingPayload struct {
	SenderID string `json:"senderId"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type ReactionUpdatePayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

// OnlineUsersPayload is the full online set, broadcast on every join and leave.
type OnlineUsersPayload []string

// --- Call lifecycle payloads ---

type StartCallPayload struct {
	ReceiverID string   `json:"receiverId"`
	Type       CallType `json:"type"`
}

type IncomingCallPayload struct {
	CallerID   string   `json:"callerId"`
	CallerName string   `json:"callerName"`
	Type       CallType `json:"type"`
}

type AcceptCallPayload struct {
	CallerID string `json:"callerId"`
}

type CallAcceptedPayload struct {
	ReceiverID string `json:"receiverId"`
}

type RejectCallPayload struct {
	CallerID string `json:"callerId"`
}

type CallRejectedPayload struct {
	ReceiverID string `json:"receiverId"`
}

type EndCallPayload struct {
	OtherUserID string `json:"otherUserId"`
}

type CallEndedPayload struct {
	UserID string `json:"userId"`
}

// --- WebRTC negotiation payloads ---
//
// The SDP and candidate bodies are opaque to the server: it validates the
// structural shape (addressing plus a non-empty body) and relays them verbatim.

type OfferPayload struct {
	ReceiverID string          `json:"receiverId,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	Offer      json.RawMessage `json:"offer"`
}

type AnswerPayload struct {
	ReceiverID string          `json:"receiverId,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	Answer     json.RawMessage `json:"answer"`
}

type ICECandidatePayload struct {
	ReceiverID string          `json:"receiverId,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	Candidate  json.RawMessage `json:"candidate"`
}
