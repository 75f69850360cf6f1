// Package client is the Go realtime client: it holds the authenticated
// WebSocket connection, dispatches inbound events to application callbacks,
// and feeds call signaling to subscribers such as the call package.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Biren07/chat-application/pkg/protocol"
	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

type Client struct {
	logger *slog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	handlerMu     sync.RWMutex
	onOnlineUsers func(users []string)
	onTyping      func(senderID string, active bool)
	onReaction    func(update protocol.ReactionUpdatePayload)

	subMu   sync.Mutex
	subs    map[int]chan *protocol.Envelope
	nextSub int

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server's realtime endpoint, presenting the session
// token as a bearer credential on the handshake request.
func Dial(ctx context.Context, serverURL, token string, logger *slog.Logger) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, serverURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}

	return &Client{
		logger: logger.With(slog.String("component", "realtime_client")),
		conn:   conn,
		subs:   make(map[int]chan *protocol.Envelope),
		done:   make(chan struct{}),
	}, nil
}

// Run reads and dispatches events until the connection drops or ctx ends.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("Discarding undecodable server message", slog.Any("error", err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventOnlineUsers:
		var users []string
		if err := json.Unmarshal(env.Payload, &users); err != nil {
			c.logger.Warn("Malformed online users payload", slog.Any("error", err))
			return
		}
		c.handlerMu.RLock()
		fn := c.onOnlineUsers
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(users)
		}
	case protocol.EventUserTyping, protocol.EventUserStopTyping:
		var p protocol.UserTypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("Malformed typing payload", slog.Any("error", err))
			return
		}
		c.handlerMu.RLock()
		fn := c.onTyping
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(p.SenderID, env.Event == protocol.EventUserTyping)
		}
	case protocol.EventReactionUpdate:
		var p protocol.ReactionUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("Malformed reaction payload", slog.Any("error", err))
			return
		}
		c.handlerMu.RLock()
		fn := c.onReaction
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(p)
		}
	case protocol.EventIncomingCall, protocol.EventCallAccepted, protocol.EventCallRejected,
		protocol.EventCallEnded, protocol.EventWebRTCOffer, protocol.EventWebRTCAnswer,
		protocol.EventICECandidate:
		c.fanOut(env)
	default:
		c.logger.Debug("Ignoring unknown server event", slog.String("event", env.Event))
	}
}

func (c *Client) fanOut(env *protocol.Envelope) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- env:
		default:
			c.logger.Warn("Subscriber falling behind, dropping event", slog.String("event", env.Event))
		}
	}
}

// OnOnlineUsers registers the presence callback.
func (c *Client) OnOnlineUsers(fn func(users []string)) {
	c.handlerMu.Lock()
	c.onOnlineUsers = fn
	c.handlerMu.Unlock()
}

// OnTyping registers the typing indicator callback. active is true for
// userTyping and false for userStopTyping.
func (c *Client) OnTyping(fn func(senderID string, active bool)) {
	c.handlerMu.Lock()
	c.onTyping = fn
	c.handlerMu.Unlock()
}

// OnReaction registers the reaction broadcast callback.
func (c *Client) OnReaction(fn func(update protocol.ReactionUpdatePayload)) {
	c.handlerMu.Lock()
	c.onReaction = fn
	c.handlerMu.Unlock()
}

// Emit frames and sends one event. Safe for concurrent use.
func (c *Client) Emit(event string, payload any) error {
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Subscribe returns a channel of call-family events. The cancel func must be
// called when the subscriber is done.
func (c *Client) Subscribe() (<-chan *protocol.Envelope, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan *protocol.Envelope, 32)
	c.subs[id] = ch

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// React applies an emoji to a message; the server broadcasts the result.
func (c *Client) React(messageID, emoji string) error {
	return c.Emit(protocol.EventReaction, protocol.ReactionPayload{MessageID: messageID, Emoji: emoji})
}

// Typing signals active typing at the counterpart.
func (c *Client) Typing(receiverID string) error {
	return c.Emit(protocol.EventTyping, protocol.TypingPayload{ReceiverID: receiverID})
}

// StopTyping clears the typing signal at the counterpart.
func (c *Client) StopTyping(receiverID string) error {
	return c.Emit(protocol.EventStopTyping, protocol.TypingPayload{ReceiverID: receiverID})
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "")
		c.subMu.Lock()
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subMu.Unlock()
	})
	return nil
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
