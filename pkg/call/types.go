// Package call mirrors the call lifecycle on a participant's side: it owns
// the Pion peer connection, drives invite/accept/reject/end signaling through
// a Signaler, and tolerates negotiation messages arriving out of order.
package call

import (
	"errors"
	"time"

	"github.com/Biren07/chat-application/pkg/protocol"
)

// State is the lifecycle position of one call session.
type State string

const (
	StateIdle     State = "idle"
	StateInviting State = "inviting"
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"
	StateActive   State = "active"
	StateRejected State = "rejected"
	StateEnded    State = "ended"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateEnded
}

var (
	ErrBusy         = errors.New("another call is already in progress")
	ErrNoActiveCall = errors.New("no active call")
	ErrBadState     = errors.New("operation not valid in current call state")
)

// Signaler is the only surface the call package needs from the realtime
// layer. pkg/client satisfies it.
type Signaler interface {
	Emit(event string, payload any) error
	Subscribe() (<-chan *protocol.Envelope, func())
}

// Config tunes the call layer.
type Config struct {
	// STUNServers configure ICE gathering. Empty means host candidates only.
	STUNServers []string
	// InviteTimeout, when positive, tears down an outgoing call that is still
	// unanswered after this long. Zero disables the timeout.
	InviteTimeout time.Duration
}

// DefaultSTUNServer is used when no configuration is supplied.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"
