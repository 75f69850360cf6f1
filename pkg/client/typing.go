package client

import (
	"sync"
	"time"

	"github.com/Biren07/chat-application/pkg/protocol"
)

// TypingIdleTimeout is how long after the last keystroke the stop signal is
// emitted, and how long a received typing flag survives without a refresh.
const TypingIdleTimeout = 2000 * time.Millisecond

// Emitter is the slice of Client the typing helpers need.
type Emitter interface {
	Emit(event string, payload any) error
}

// TypingNotifier coalesces keystrokes into typing/stopTyping signals per
// counterpart: one typing event when input begins, one stopTyping after the
// idle window or an explicit send.
type TypingNotifier struct {
	emitter Emitter
	idle    time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTypingNotifier builds a notifier; idle <= 0 selects TypingIdleTimeout.
func NewTypingNotifier(emitter Emitter, idle time.Duration) *TypingNotifier {
	if idle <= 0 {
		idle = TypingIdleTimeout
	}
	return &TypingNotifier{
		emitter: emitter,
		idle:    idle,
		timers:  make(map[string]*time.Timer),
	}
}

// Keystroke reports input activity towards receiverID. The first keystroke of
// a burst emits typing; each one pushes the stopTyping deadline out.
func (n *TypingNotifier) Keystroke(receiverID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if timer, ok := n.timers[receiverID]; ok {
		timer.Reset(n.idle)
		return
	}

	n.emitter.Emit(protocol.EventTyping, protocol.TypingPayload{ReceiverID: receiverID})
	n.timers[receiverID] = time.AfterFunc(n.idle, func() {
		n.mu.Lock()
		delete(n.timers, receiverID)
		n.mu.Unlock()
		n.emitter.Emit(protocol.EventStopTyping, protocol.TypingPayload{ReceiverID: receiverID})
	})
}

// Stop ends the typing burst immediately, as when the message is sent.
func (n *TypingNotifier) Stop(receiverID string) {
	n.mu.Lock()
	timer, ok := n.timers[receiverID]
	if ok {
		timer.Stop()
		delete(n.timers, receiverID)
	}
	n.mu.Unlock()

	if ok {
		n.emitter.Emit(protocol.EventStopTyping, protocol.TypingPayload{ReceiverID: receiverID})
	}
}

// Indicator tracks which counterparts are currently typing at the viewer.
// A flag clears on userStopTyping or after a local fallback window, so a lost
// stop signal cannot leave a counterpart typing forever.
type Indicator struct {
	fallback time.Duration
	onChange func(senderID string, active bool)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewIndicator builds an indicator; fallback <= 0 selects TypingIdleTimeout.
// onChange may be nil.
func NewIndicator(fallback time.Duration, onChange func(senderID string, active bool)) *Indicator {
	if fallback <= 0 {
		fallback = TypingIdleTimeout
	}
	return &Indicator{
		fallback: fallback,
		onChange: onChange,
		timers:   make(map[string]*time.Timer),
	}
}

// Handle feeds one typing event into the indicator; wire it to Client.OnTyping.
func (i *Indicator) Handle(senderID string, active bool) {
	i.mu.Lock()
	timer, had := i.timers[senderID]

	if !active {
		if had {
			timer.Stop()
			delete(i.timers, senderID)
		}
		i.mu.Unlock()
		if had && i.onChange != nil {
			i.onChange(senderID, false)
		}
		return
	}

	if had {
		timer.Reset(i.fallback)
		i.mu.Unlock()
		return
	}
	i.timers[senderID] = time.AfterFunc(i.fallback, func() {
		i.mu.Lock()
		delete(i.timers, senderID)
		i.mu.Unlock()
		if i.onChange != nil {
			i.onChange(senderID, false)
		}
	})
	i.mu.Unlock()
	if i.onChange != nil {
		i.onChange(senderID, true)
	}
}

// Typing reports whether senderID is currently typing at the viewer.
func (i *Indicator) Typing(senderID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.timers[senderID]
	return ok
}
