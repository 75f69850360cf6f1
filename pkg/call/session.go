package call

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Biren07/chat-application/pkg/protocol"
)

// Session is one call, incoming or outgoing, from this participant's side.
// It wraps the peer connection and absorbs negotiation messages that arrive
// before the session is ready for them.
type Session struct {
	id     string
	selfID string
	peerID string
	media  protocol.CallType
	// incoming is true when the peer invited us.
	incoming bool

	sig    Signaler
	logger *slog.Logger

	mu    sync.Mutex
	state State
	pc    *webrtc.PeerConnection
	// remoteSet gates AddICECandidate; Pion rejects candidates before the
	// remote description is applied.
	remoteSet    bool
	pendingICE   []webrtc.ICECandidateInit
	pendingOffer *webrtc.SessionDescription
	muted        bool
	videoOff     bool

	onState func(s *Session, state State)
	onTrack func(s *Session, track *webrtc.TrackRemote)
}

func newSession(sig Signaler, logger *slog.Logger, selfID, peerID string, media protocol.CallType, incoming bool) *Session {
	state := StateInviting
	callerID := selfID
	if incoming {
		state = StateRinging
		callerID = peerID
	}
	return &Session{
		id:       fmt.Sprintf("%s-%d", callerID, time.Now().UnixMilli()),
		selfID:   selfID,
		peerID:   peerID,
		media:    media,
		incoming: incoming,
		sig:      sig,
		logger:   logger.With(slog.String("peer_id", peerID), slog.String("media", string(media))),
		state:    state,
	}
}

// ID is the local call identifier: caller ID plus invite timestamp.
func (s *Session) ID() string { return s.id }

// PeerID is the other participant.
func (s *Session) PeerID() string { return s.peerID }

// Media is the invited media type, voice or video.
func (s *Session) Media() protocol.CallType { return s.media }

// Incoming reports whether the peer initiated the call.
func (s *Session) Incoming() bool { return s.incoming }

// State returns the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Muted reports whether the local audio flag is off.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// VideoOff reports whether the local video flag is off.
func (s *Session) VideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOff
}

// ToggleMute flips the local audio flag and returns the new muted state.
// No renegotiation happens; the flag is applied to capture, not to the SDP.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = !s.muted
	return s.muted
}

// ToggleVideo flips the local video flag and returns the new off state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOff = !s.videoOff
	return s.videoOff
}

// PeerConnection exposes the underlying connection for track handling.
// Nil until negotiation has started on this side.
func (s *Session) PeerConnection() *webrtc.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

// setState transitions the session and fires the state callback. Terminal
// states are sticky. Callers must not hold s.mu.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	cb := s.onState
	s.mu.Unlock()

	s.logger.Debug("Call state changed", slog.String("state", string(next)))
	if cb != nil {
		cb(s, next)
	}
}

// buildPeerConnection creates the Pion connection with receive-only
// transceivers, so offers and answers are valid without local capture.
// Media attachment replaces the transceivers via AddTrack later.
func (s *Session) buildPeerConnection(stunServers []string) error {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if s.media == protocol.CallVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		body, err := json.Marshal(c.ToJSON())
		if err != nil {
			s.logger.Warn("Failed to encode local candidate", slog.Any("error", err))
			return
		}
		if err := s.sig.Emit(protocol.EventICECandidate, protocol.ICECandidatePayload{
			ReceiverID: s.peerID,
			Candidate:  body,
		}); err != nil {
			s.logger.Warn("Failed to relay local candidate", slog.Any("error", err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.mu.Lock()
		cb := s.onTrack
		s.mu.Unlock()
		if cb != nil {
			cb(s, track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("Peer connection state changed", slog.String("state", state.String()))
	})

	s.mu.Lock()
	prev := s.pc
	s.pc = pc
	s.remoteSet = false
	s.mu.Unlock()
	if prev != nil {
		// A retried setup, as after a failed acceptCall emit, must not leak
		// the earlier peer connection.
		if err := prev.Close(); err != nil {
			s.logger.Warn("Failed to close replaced peer connection", slog.Any("error", err))
		}
	}
	return nil
}

// sendOffer creates and relays the SDP offer. Caller side, after acceptance.
func (s *Session) sendOffer() error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrBadState
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	body, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	return s.sig.Emit(protocol.EventWebRTCOffer, protocol.OfferPayload{
		ReceiverID: s.peerID,
		Offer:      body,
	})
}

// handleOffer applies the remote offer and answers it. If the local user has
// not accepted yet the offer is parked until Accept.
func (s *Session) handleOffer(raw json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	s.mu.Lock()
	if s.state == StateRinging {
		s.pendingOffer = &offer
		s.mu.Unlock()
		s.logger.Debug("Parking offer until call is accepted")
		return nil
	}
	s.mu.Unlock()
	return s.answerOffer(offer)
}

// answerOffer applies the offer, flushes parked candidates, and relays the
// answer. The call is considered active once the answer is on the wire.
func (s *Session) answerOffer(offer webrtc.SessionDescription) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrBadState
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	body, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	if err := s.sig.Emit(protocol.EventWebRTCAnswer, protocol.AnswerPayload{
		ReceiverID: s.peerID,
		Answer:     body,
	}); err != nil {
		return err
	}

	s.setState(StateActive)
	return nil
}

// handleAnswer applies the remote answer on the caller side.
func (s *Session) handleAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrBadState
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.flushCandidates(pc)

	s.setState(StateActive)
	return nil
}

// handleCandidate adds a remote candidate, parking it if the remote
// description has not landed yet.
func (s *Session) handleCandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	s.mu.Lock()
	if s.pc == nil || !s.remoteSet {
		s.pendingICE = append(s.pendingICE, candidate)
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flushCandidates drains candidates parked before SetRemoteDescription.
func (s *Session) flushCandidates(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.remoteSet = true
	parked := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, candidate := range parked {
		if err := pc.AddICECandidate(candidate); err != nil {
			s.logger.Warn("Failed to apply parked candidate", slog.Any("error", err))
		}
	}
}

// teardown closes the peer connection and moves the session to a terminal
// state. Safe to call more than once; only the first call has effect.
func (s *Session) teardown(final State) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = final
	pc := s.pc
	s.pc = nil
	s.pendingICE = nil
	s.pendingOffer = nil
	cb := s.onState
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warn("Peer connection close failed", slog.Any("error", err))
		}
	}
	s.logger.Debug("Call state changed", slog.String("state", string(final)))
	if cb != nil {
		cb(s, final)
	}
	return true
}
