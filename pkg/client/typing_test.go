package client_test

import (
	"sync"
	"testing"
	"time"

	"github.com/Biren07/chat-application/pkg/client"
	"github.com/Biren07/chat-application/pkg/protocol"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEmitter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func TestTypingNotifierCoalescesKeystrokes(t *testing.T) {
	em := &recordingEmitter{}
	n := client.NewTypingNotifier(em, 30*time.Millisecond)

	for i := 0; i < 5; i++ {
		n.Keystroke("u2")
		time.Sleep(5 * time.Millisecond)
	}

	got := em.snapshot()
	if len(got) != 1 || got[0] != protocol.EventTyping {
		t.Fatalf("burst emitted %v, want a single typing event", got)
	}

	// After the idle window the stop signal follows on its own.
	time.Sleep(60 * time.Millisecond)
	got = em.snapshot()
	if len(got) != 2 || got[1] != protocol.EventStopTyping {
		t.Fatalf("after idle window events = %v, want [typing stopTyping]", got)
	}
}

func TestTypingNotifierStopOnSend(t *testing.T) {
	em := &recordingEmitter{}
	n := client.NewTypingNotifier(em, time.Minute)

	n.Keystroke("u2")
	n.Stop("u2")

	got := em.snapshot()
	if len(got) != 2 || got[1] != protocol.EventStopTyping {
		t.Fatalf("events = %v, want [typing stopTyping]", got)
	}

	// Stop without an active burst emits nothing.
	n.Stop("u2")
	if len(em.snapshot()) != 2 {
		t.Error("redundant Stop produced an extra event")
	}
}

func TestIndicatorSetAndClear(t *testing.T) {
	ind := client.NewIndicator(time.Minute, nil)

	ind.Handle("u1", true)
	if !ind.Typing("u1") {
		t.Fatal("indicator not set after typing event")
	}

	ind.Handle("u1", false)
	if ind.Typing("u1") {
		t.Error("indicator still set after stop event")
	}
}

func TestIndicatorFallbackTimeout(t *testing.T) {
	var mu sync.Mutex
	var changes []bool
	ind := client.NewIndicator(20*time.Millisecond, func(senderID string, active bool) {
		mu.Lock()
		changes = append(changes, active)
		mu.Unlock()
	})

	ind.Handle("u1", true)
	time.Sleep(50 * time.Millisecond)

	if ind.Typing("u1") {
		t.Error("indicator survived past the fallback window without refreshes")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0] != true || changes[1] != false {
		t.Errorf("onChange sequence = %v, want [true false]", changes)
	}
}
