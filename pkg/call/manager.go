package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Biren07/chat-application/pkg/protocol"
)

// Manager holds at most one session at a time and drives it from the
// signaling stream. A second invite while a call is in progress is rejected
// automatically without disturbing the current call.
type Manager struct {
	sig    Signaler
	selfID string
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	active      *Session
	inviteTimer *time.Timer

	onIncoming func(s *Session)
	onState    func(s *Session, state State)
	onTrack    func(s *Session, track *webrtc.TrackRemote)

	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewManager subscribes to the signaler's call events and starts dispatching.
// Close releases the subscription.
func NewManager(sig Signaler, selfID string, cfg Config, logger *slog.Logger) *Manager {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{DefaultSTUNServer}
	}

	m := &Manager{
		sig:    sig,
		selfID: selfID,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "call_manager"), slog.String("user_id", selfID)),
		done:   make(chan struct{}),
	}

	events, cancel := sig.Subscribe()
	m.unsubscribe = cancel
	go m.dispatchLoop(events)
	return m
}

// OnIncoming registers the invite callback; the session is in ringing state.
func (m *Manager) OnIncoming(fn func(s *Session)) {
	m.mu.Lock()
	m.onIncoming = fn
	m.mu.Unlock()
}

// OnState registers the lifecycle callback, fired on every transition.
func (m *Manager) OnState(fn func(s *Session, state State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// OnTrack registers the remote media callback.
func (m *Manager) OnTrack(fn func(s *Session, track *webrtc.TrackRemote)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

// Active returns the current session, or nil when idle.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartCall invites receiverID to a call. The session starts in inviting
// state; the offer is not sent until the peer accepts.
func (m *Manager) StartCall(receiverID string, media protocol.CallType) (*Session, error) {
	if !media.Valid() {
		return nil, ErrBadState
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	sess := newSession(m.sig, m.logger, m.selfID, receiverID, media, false)
	m.attach(sess)
	if m.cfg.InviteTimeout > 0 {
		m.inviteTimer = time.AfterFunc(m.cfg.InviteTimeout, func() {
			m.expireInvite(sess)
		})
	}
	m.mu.Unlock()

	if err := sess.buildPeerConnection(m.cfg.STUNServers); err != nil {
		m.abandon(sess)
		return nil, err
	}
	if err := m.sig.Emit(protocol.EventStartCall, protocol.StartCallPayload{
		ReceiverID: receiverID,
		Type:       media,
	}); err != nil {
		m.abandon(sess)
		return nil, err
	}

	m.logger.Info("Call invite sent", slog.String("receiver_id", receiverID), slog.String("media", string(media)))
	return sess, nil
}

// Accept answers the ringing invite. Negotiation starts once the caller's
// offer arrives; an offer that came in early is answered immediately.
func (m *Manager) Accept() error {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}
	if !sess.incoming || sess.State() != StateRinging {
		return ErrBadState
	}

	if err := sess.buildPeerConnection(m.cfg.STUNServers); err != nil {
		return err
	}
	if err := m.sig.Emit(protocol.EventAcceptCall, protocol.AcceptCallPayload{CallerID: sess.peerID}); err != nil {
		return err
	}
	sess.setState(StateAccepted)

	sess.mu.Lock()
	parked := sess.pendingOffer
	sess.pendingOffer = nil
	sess.mu.Unlock()
	if parked != nil {
		return sess.answerOffer(*parked)
	}
	return nil
}

// Reject declines the ringing invite and ends the session locally.
func (m *Manager) Reject() error {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}
	if !sess.incoming || sess.State() != StateRinging {
		return ErrBadState
	}

	err := m.sig.Emit(protocol.EventRejectCall, protocol.RejectCallPayload{CallerID: sess.peerID})
	sess.teardown(StateRejected)
	return err
}

// End hangs up the current call at any pre-terminal point, including an
// outgoing invite that has not been answered.
func (m *Manager) End() error {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}

	err := m.sig.Emit(protocol.EventEndCall, protocol.EndCallPayload{OtherUserID: sess.peerID})
	sess.teardown(StateEnded)
	return err
}

// SyncOnlineUsers reconciles the call against the latest presence broadcast;
// wire it to Client.OnOnlineUsers. A counterpart missing from the online set
// has lost its connection, so the call cannot continue: the session is torn
// down locally, exactly once. No endCall is signaled since the peer is gone.
func (m *Manager) SyncOnlineUsers(users []string) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return
	}
	for _, id := range users {
		if id == sess.peerID {
			return
		}
	}

	m.logger.Info("Call peer went offline, ending call", slog.String("peer_id", sess.peerID))
	sess.teardown(StateEnded)
}

// Close stops dispatching and ends any call in progress without signaling.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.unsubscribe()
		m.mu.Lock()
		sess := m.active
		m.mu.Unlock()
		if sess != nil {
			sess.teardown(StateEnded)
		}
	})
}

// attach wires the session into the active slot. m.mu must be held.
func (m *Manager) attach(sess *Session) {
	sess.onState = m.sessionStateChanged
	sess.onTrack = func(s *Session, track *webrtc.TrackRemote) {
		m.mu.Lock()
		fn := m.onTrack
		m.mu.Unlock()
		if fn != nil {
			fn(s, track)
		}
	}
	m.active = sess
}

// abandon quietly discards a session that failed during setup.
func (m *Manager) abandon(sess *Session) {
	sess.teardown(StateEnded)
}

// sessionStateChanged clears the active slot on terminal transitions and
// forwards the event.
func (m *Manager) sessionStateChanged(sess *Session, state State) {
	m.mu.Lock()
	if state.Terminal() && m.active == sess {
		m.active = nil
		m.stopInviteTimer()
	}
	if !sess.incoming && state != StateInviting {
		m.stopInviteTimer()
	}
	fn := m.onState
	m.mu.Unlock()

	if fn != nil {
		fn(sess, state)
	}
}

// stopInviteTimer halts the unanswered-invite timer. m.mu must be held.
func (m *Manager) stopInviteTimer() {
	if m.inviteTimer != nil {
		m.inviteTimer.Stop()
		m.inviteTimer = nil
	}
}

// expireInvite ends an outgoing call still waiting for an answer.
func (m *Manager) expireInvite(sess *Session) {
	if sess.State() != StateInviting {
		return
	}
	m.logger.Info("Call invite expired unanswered", slog.String("receiver_id", sess.peerID))
	if err := m.sig.Emit(protocol.EventEndCall, protocol.EndCallPayload{OtherUserID: sess.peerID}); err != nil {
		m.logger.Warn("Failed to signal expired invite", slog.Any("error", err))
	}
	sess.teardown(StateEnded)
}

// dispatchLoop consumes call-family events until the subscription closes.
func (m *Manager) dispatchLoop(events <-chan *protocol.Envelope) {
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventIncomingCall:
		m.handleIncomingCall(env)
	case protocol.EventCallAccepted:
		m.handleCallAccepted(env)
	case protocol.EventCallRejected:
		m.handleCallRejected(env)
	case protocol.EventCallEnded:
		m.handleCallEnded(env)
	case protocol.EventWebRTCOffer:
		m.handleOffer(env)
	case protocol.EventWebRTCAnswer:
		m.handleAnswer(env)
	case protocol.EventICECandidate:
		m.handleCandidate(env)
	}
}

func (m *Manager) handleIncomingCall(env *protocol.Envelope) {
	var p protocol.IncomingCallPayload
	if !m.decode(env, &p) {
		return
	}
	if !p.Type.Valid() || p.CallerID == "" {
		m.logger.Warn("Dropping malformed call invite", slog.String("caller_id", p.CallerID))
		return
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		m.logger.Info("Busy, auto-rejecting invite", slog.String("caller_id", p.CallerID))
		if err := m.sig.Emit(protocol.EventRejectCall, protocol.RejectCallPayload{CallerID: p.CallerID}); err != nil {
			m.logger.Warn("Failed to auto-reject invite", slog.Any("error", err))
		}
		return
	}
	sess := newSession(m.sig, m.logger, m.selfID, p.CallerID, p.Type, true)
	m.attach(sess)
	fn := m.onIncoming
	m.mu.Unlock()

	m.logger.Info("Incoming call", slog.String("caller_id", p.CallerID),
		slog.String("caller_name", p.CallerName), slog.String("media", string(p.Type)))
	if fn != nil {
		fn(sess)
	}
}

func (m *Manager) handleCallAccepted(env *protocol.Envelope) {
	var p protocol.CallAcceptedPayload
	if !m.decode(env, &p) {
		return
	}
	sess := m.match(p.ReceiverID)
	if sess == nil || sess.incoming || sess.State() != StateInviting {
		return
	}

	sess.setState(StateAccepted)
	if err := sess.sendOffer(); err != nil {
		m.logger.Error("Failed to send offer after acceptance", slog.Any("error", err))
		if emitErr := m.sig.Emit(protocol.EventEndCall, protocol.EndCallPayload{OtherUserID: sess.peerID}); emitErr != nil {
			m.logger.Warn("Failed to signal negotiation failure", slog.Any("error", emitErr))
		}
		sess.teardown(StateEnded)
	}
}

func (m *Manager) handleCallRejected(env *protocol.Envelope) {
	var p protocol.CallRejectedPayload
	if !m.decode(env, &p) {
		return
	}
	if sess := m.match(p.ReceiverID); sess != nil {
		sess.teardown(StateRejected)
	}
}

func (m *Manager) handleCallEnded(env *protocol.Envelope) {
	var p protocol.CallEndedPayload
	if !m.decode(env, &p) {
		return
	}
	if sess := m.match(p.UserID); sess != nil {
		sess.teardown(StateEnded)
	}
}

func (m *Manager) handleOffer(env *protocol.Envelope) {
	var p protocol.OfferPayload
	if !m.decode(env, &p) {
		return
	}
	sess := m.match(p.SenderID)
	if sess == nil || !sess.incoming {
		return
	}
	if err := sess.handleOffer(p.Offer); err != nil {
		m.logger.Error("Failed to handle offer", slog.Any("error", err))
	}
}

func (m *Manager) handleAnswer(env *protocol.Envelope) {
	var p protocol.AnswerPayload
	if !m.decode(env, &p) {
		return
	}
	sess := m.match(p.SenderID)
	if sess == nil || sess.incoming {
		return
	}
	if err := sess.handleAnswer(p.Answer); err != nil {
		m.logger.Error("Failed to handle answer", slog.Any("error", err))
	}
}

func (m *Manager) handleCandidate(env *protocol.Envelope) {
	var p protocol.ICECandidatePayload
	if !m.decode(env, &p) {
		return
	}
	sess := m.match(p.SenderID)
	if sess == nil {
		return
	}
	if err := sess.handleCandidate(p.Candidate); err != nil {
		m.logger.Warn("Failed to handle candidate", slog.Any("error", err))
	}
}

// match returns the active session when peerID addresses it.
func (m *Manager) match(peerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || peerID == "" || m.active.peerID != peerID {
		return nil
	}
	return m.active
}

func (m *Manager) decode(env *protocol.Envelope, out any) bool {
	if err := protocol.DecodePayload(env, out); err != nil {
		m.logger.Warn("Dropping malformed call payload",
			slog.String("event", env.Event), slog.Any("error", err))
		return false
	}
	return true
}
