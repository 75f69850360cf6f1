// Package router dispatches named realtime events between connections: full
// presence broadcasts on join/leave, targeted delivery for typing and call
// signaling, and broadcast delivery for reactions.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/Biren07/chat-application/pkg/presence"
	"github.com/Biren07/chat-application/pkg/protocol"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Client is an admitted connection with its authenticated identity attached.
type Client struct {
	Conn   presence.Conn
	UserID string
	Name   string
}

type EventRouter struct {
	logger   *slog.Logger
	registry *presence.Registry

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

func New(logger *slog.Logger, registry *presence.Registry) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		registry: registry,
		clients:  make(map[uuid.UUID]*Client),
	}
}

// Connect registers an admitted connection under its user identity and
// broadcasts the updated online set to every connected client. If the user
// already had a connection, the older one is closed; lookups must never
// resolve to a dead socket after a reconnect.
func (r *EventRouter) Connect(c *Client) {
	r.mu.Lock()
	r.clients[c.Conn.ID()] = c
	r.mu.Unlock()

	if replaced, ok := r.registry.Set(c.UserID, c.Conn); ok {
		r.mu.Lock()
		delete(r.clients, replaced.ID())
		r.mu.Unlock()
		r.logger.Info("Closing replaced connection",
			slog.String("userID", c.UserID),
			slog.String("connID", replaced.ID().String()),
		)
		replaced.Close(errors.New("connection replaced by a newer login"))
	}

	r.logger.Info("User connected", slog.String("userID", c.UserID), slog.String("connID", c.Conn.ID().String()))
	r.broadcastOnlineUsers()
}

// Disconnect tears down a connection's presence. It runs once per connection
// (the transport's on-close fires once) and is a no-op for connections already
// replaced by a reconnect, so a stale teardown never evicts a live user.
func (r *EventRouter) Disconnect(connID uuid.UUID) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if ok {
		delete(r.clients, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.registry.Remove(c.UserID, connID) {
		r.logger.Info("User disconnected", slog.String("userID", c.UserID), slog.String("connID", connID.String()))
		r.broadcastOnlineUsers()
	}
}

// HandleMessage decodes one inbound wire message and dispatches it. Unknown
// events and malformed payloads are logged and dropped; they are never
// forwarded blind and never affect other connections.
func (r *EventRouter) HandleMessage(_ context.Context, connID uuid.UUID, msg []byte) {
	c, ok := r.clientFor(connID)
	if !ok {
		r.logger.Warn("Message from unknown connection", slog.String("connID", connID.String()))
		return
	}

	event := gjson.GetBytes(msg, "event")
	if !event.Exists() || event.String() == "" {
		r.logger.Warn("Dropping message without event name", slog.String("connID", connID.String()))
		return
	}
	payload := json.RawMessage(gjson.GetBytes(msg, "payload").Raw)

	switch event.String() {
	case protocol.EventTyping:
		r.handleTyping(c, payload, true)
	case protocol.EventStopTyping:
		r.handleTyping(c, payload, false)
	case protocol.EventReaction:
		r.handleReaction(c, payload)
	case protocol.EventStartCall:
		r.handleStartCall(c, payload)
	case protocol.EventAcceptCall:
		r.handleAcceptCall(c, payload)
	case protocol.EventRejectCall:
		r.handleRejectCall(c, payload)
	case protocol.EventEndCall:
		r.handleEndCall(c, payload)
	case protocol.EventWebRTCOffer:
		r.handleOffer(c, payload)
	case protocol.EventWebRTCAnswer:
		r.handleAnswer(c, payload)
	case protocol.EventICECandidate:
		r.handleICECandidate(c, payload)
	default:
		r.logger.Warn("Received unknown event", slog.String("event", event.String()), slog.String("connID", connID.String()))
	}
}

func (r *EventRouter) handleTyping(c *Client, payload json.RawMessage, active bool) {
	var p protocol.TypingPayload
	if !r.decode(c, "typing", payload, &p) || p.ReceiverID == "" {
		return
	}
	out := protocol.UserTypingPayload{SenderID: c.UserID}
	if active {
		r.sendTo(p.ReceiverID, protocol.EventUserTyping, out)
	} else {
		r.sendTo(p.ReceiverID, protocol.EventUserStopTyping, out)
	}
}

// handleReaction fans the reaction out to every client, sender included.
// Every client observes every reaction regardless of relevance.
func (r *EventRouter) handleReaction(c *Client, payload json.RawMessage) {
	var p protocol.ReactionPayload
	if !r.decode(c, "reaction", payload, &p) || p.MessageID == "" {
		return
	}
	r.broadcast(protocol.EventReactionUpdate, protocol.ReactionUpdatePayload{
		MessageID: p.MessageID,
		Emoji:     p.Emoji,
		UserID:    c.UserID,
	})
}

func (r *EventRouter) clientFor(connID uuid.UUID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

func (r *EventRouter) decode(c *Client, event string, payload json.RawMessage, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		r.logger.Warn("Dropping malformed payload",
			slog.String("event", event),
			slog.String("userID", c.UserID),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// sendTo delivers an event to the one connection currently registered for
// userID. An offline target is a silent drop: no queueing, no error to the
// sender.
func (r *EventRouter) sendTo(userID, event string, payload any) {
	conn, ok := r.registry.Get(userID)
	if !ok {
		r.logger.Debug("Target offline, dropping event", slog.String("event", event), slog.String("userID", userID))
		return
	}
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("Failed to encode event", slog.String("event", event), slog.Any("error", err))
		return
	}
	conn.Send(msg)
}

// broadcast delivers an event to every currently connected client.
func (r *EventRouter) broadcast(event string, payload any) {
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("Failed to encode broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}
	for _, conn := range r.registry.Conns() {
		conn.Send(msg)
	}
}

// broadcastOnlineUsers sends the full online set to all clients. Full state
// rather than a delta: O(online users) per join/leave, bought for simplicity.
func (r *EventRouter) broadcastOnlineUsers() {
	r.broadcast(protocol.EventOnlineUsers, protocol.OnlineUsersPayload(r.registry.UserIDs()))
}
