package router

import (
	"encoding/json"
	"log/slog"

	"github.com/Biren07/chat-application/pkg/protocol"
)

// Call signaling relay: each handler ferries a call-lifecycle or negotiation
// event to exactly one counterpart. SDP and candidate bodies pass through
// verbatim; the server checks addressing and shape, never content. Delivery
// to an offline party is silently dropped, like every targeted send.

func (r *EventRouter) handleStartCall(c *Client, payload json.RawMessage) {
	var p protocol.StartCallPayload
	if !r.decode(c, protocol.EventStartCall, payload, &p) || p.ReceiverID == "" {
		return
	}
	if !p.Type.Valid() {
		r.logger.Warn("Dropping call invite with unknown media type",
			slog.String("type", string(p.Type)),
			slog.String("userID", c.UserID),
		)
		return
	}
	r.sendTo(p.ReceiverID, protocol.EventIncomingCall, protocol.IncomingCallPayload{
		CallerID:   c.UserID,
		CallerName: c.Name,
		Type:       p.Type,
	})
}

func (r *EventRouter) handleAcceptCall(c *Client, payload json.RawMessage) {
	var p protocol.AcceptCallPayload
	if !r.decode(c, protocol.EventAcceptCall, payload, &p) || p.CallerID == "" {
		return
	}
	r.sendTo(p.CallerID, protocol.EventCallAccepted, protocol.CallAcceptedPayload{ReceiverID: c.UserID})
}

func (r *EventRouter) handleRejectCall(c *Client, payload json.RawMessage) {
	var p protocol.RejectCallPayload
	if !r.decode(c, protocol.EventRejectCall, payload, &p) || p.CallerID == "" {
		return
	}
	r.sendTo(p.CallerID, protocol.EventCallRejected, protocol.CallRejectedPayload{ReceiverID: c.UserID})
}

func (r *EventRouter) handleEndCall(c *Client, payload json.RawMessage) {
	var p protocol.EndCallPayload
	if !r.decode(c, protocol.EventEndCall, payload, &p) || p.OtherUserID == "" {
		return
	}
	r.sendTo(p.OtherUserID, protocol.EventCallEnded, protocol.CallEndedPayload{UserID: c.UserID})
}

func (r *EventRouter) handleOffer(c *Client, payload json.RawMessage) {
	var p protocol.OfferPayload
	if !r.decode(c, protocol.EventWebRTCOffer, payload, &p) || p.ReceiverID == "" || emptyBody(p.Offer) {
		return
	}
	r.sendTo(p.ReceiverID, protocol.EventWebRTCOffer, protocol.OfferPayload{
		SenderID: c.UserID,
		Offer:    p.Offer,
	})
}

func (r *EventRouter) handleAnswer(c *Client, payload json.RawMessage) {
	var p protocol.AnswerPayload
	if !r.decode(c, protocol.EventWebRTCAnswer, payload, &p) || p.ReceiverID == "" || emptyBody(p.Answer) {
		return
	}
	r.sendTo(p.ReceiverID, protocol.EventWebRTCAnswer, protocol.AnswerPayload{
		SenderID: c.UserID,
		Answer:   p.Answer,
	})
}

func (r *EventRouter) handleICECandidate(c *Client, payload json.RawMessage) {
	var p protocol.ICECandidatePayload
	if !r.decode(c, protocol.EventICECandidate, payload, &p) || p.ReceiverID == "" || emptyBody(p.Candidate) {
		return
	}
	r.sendTo(p.ReceiverID, protocol.EventICECandidate, protocol.ICECandidatePayload{
		SenderID:  c.UserID,
		Candidate: p.Candidate,
	})
}

func emptyBody(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
