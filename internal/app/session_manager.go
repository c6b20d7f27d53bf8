// Package app wires transport, media links and the participant registry
// into the call lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// StateChange is delivered to observers on every observable transition:
// lifecycle state moves and registry deltas.
type StateChange struct {
	State  domain.CallState
	Reason domain.EndReason
	Delta  core.Delta
}

type Observer func(StateChange)

// IncomingCall describes an invite received while idle. Accept or Decline
// must be called exactly once.
type IncomingCall struct {
	SessionID domain.CallID
	From      domain.ParticipantID
	Kind      domain.CallKind
}

// SessionManager owns the call lifecycle state machine:
//
//	Idle → Outgoing | Incoming → Connecting → Active → Ended
//
// All registry mutations serialize through the manager's dispatch goroutine
// or its mutex; distinct managers (sessions) are fully independent.
type SessionManager struct {
	cfg       *config.Config
	transport core.SignalTransport
	media     core.MediaProvider
	identity  core.Identity
	newLink   core.LinkFactory

	mu        sync.RWMutex
	state     domain.CallState
	session   *domain.CallSession
	registry  *core.Registry
	reorder   map[domain.ParticipantID]*core.ReorderBuffer
	peers     map[domain.ParticipantID]core.PeerLink
	offering  map[domain.ParticipantID]bool
	invited   map[domain.ParticipantID]bool
	muted     bool
	cameraOn  bool
	sharing   bool
	tracks    []core.LocalTrack
	screen    core.LocalTrack
	waiting   *WaitingRoom
	collab    *Collab
	monitor   *Monitor
	monCancel context.CancelFunc

	pendingInvite    *IncomingCall
	pendingInviteEnv domain.Envelope
	admitCh          chan bool
	activeCh         chan struct{}

	obsMu     sync.RWMutex
	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSessionManager(
	cfg *config.Config,
	transport core.SignalTransport,
	media core.MediaProvider,
	identity core.Identity,
	newLink core.LinkFactory,
) *SessionManager {
	m := &SessionManager{
		cfg:       cfg,
		transport: transport,
		media:     media,
		identity:  identity,
		newLink:   newLink,
		state:     domain.StateIdle,
		done:      make(chan struct{}),
	}
	return m
}

// Run starts the inbound dispatch loop. It returns when ctx is canceled or
// the transport is lost for good.
func (m *SessionManager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.ctx = ctx
	m.cancel = cancel
	go m.dispatchLoop(ctx)
}

// Subscribe registers an observer for state changes and registry deltas.
func (m *SessionManager) Subscribe(fn Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *SessionManager) notify(sc StateChange) {
	m.obsMu.RLock()
	obs := make([]Observer, len(m.observers))
	copy(obs, m.observers)
	m.obsMu.RUnlock()
	for _, fn := range obs {
		fn(sc)
	}
}

// State returns the current lifecycle state.
func (m *SessionManager) State() domain.CallState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the current call session, nil when idle.
func (m *SessionManager) Session() *domain.CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Participants returns a consistent snapshot of the registry.
func (m *SessionManager) Participants() []domain.Participant {
	m.mu.RLock()
	reg := m.registry
	m.mu.RUnlock()
	if reg == nil {
		return nil
	}
	return reg.Snapshot()
}

// WaitingRoom returns the controller gating admission, nil when idle.
func (m *SessionManager) WaitingRoom() *WaitingRoom {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.waiting
}

// Collab returns the collaboration side-band channel, nil when idle.
func (m *SessionManager) Collab() *Collab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collab
}

// StartCall initiates an outgoing call to invitees. It suspends until the
// first usable media path is established or the connecting timeout elapses.
func (m *SessionManager) StartCall(ctx context.Context, invitees []domain.ParticipantID, kind domain.CallKind) (*domain.CallSession, error) {
	if len(invitees) == 0 {
		return nil, fmt.Errorf("start call: no invitees: %w", domain.ErrInvalidArgument)
	}

	m.mu.Lock()
	if m.state != domain.StateIdle {
		m.mu.Unlock()
		return nil, domain.ErrAlreadyInCall
	}

	tracks, err := m.media.AcquireLocalMedia(ctx, true, true)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	sess := domain.NewCallSession("", kind, domain.Topology(m.cfg.Call.Topology))
	self := domain.NewParticipant(m.identity.SelfID(), m.identity.DisplayName(), domain.RoleHost)
	self.CameraOn = true
	m.beginSessionLocked(sess, self, tracks)
	m.cameraOn = true
	m.invited = make(map[domain.ParticipantID]bool, len(invitees))
	for _, id := range invitees {
		m.invited[id] = true
	}
	m.setStateLocked(domain.StateOutgoing, "")
	activeCh := m.activeCh
	m.mu.Unlock()

	for _, id := range invitees {
		env, err := domain.NewEnvelope(domain.MsgJoin, sess.ID, self.ID, domain.JoinPayload{
			DisplayName: self.DisplayName,
			Role:        domain.RoleHost,
			Kind:        kind,
		})
		if err != nil {
			continue
		}
		env.To = id
		m.send(env)
	}

	return m.awaitActive(ctx, activeCh, sess)
}

// JoinCall joins an existing call. The join request may be held in the
// host's waiting room; a denial surfaces as ErrForbidden. Suspends until
// the first usable media path or the connecting timeout.
func (m *SessionManager) JoinCall(ctx context.Context, callID domain.CallID) (*domain.CallSession, error) {
	if callID == "" {
		return nil, fmt.Errorf("join call: empty id: %w", domain.ErrInvalidArgument)
	}

	m.mu.Lock()
	if m.state != domain.StateIdle {
		m.mu.Unlock()
		return nil, domain.ErrAlreadyInCall
	}

	tracks, err := m.media.AcquireLocalMedia(ctx, true, true)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	sess := &domain.CallSession{
		ID:       callID,
		Kind:     domain.CallInstant,
		Topology: domain.Topology(m.cfg.Call.Topology),
	}
	sess.StartedAt = time.Now()
	self := domain.NewParticipant(m.identity.SelfID(), m.identity.DisplayName(), m.identity.Role())
	self.CameraOn = true
	m.beginSessionLocked(sess, self, tracks)
	m.cameraOn = true
	m.admitCh = make(chan bool, 1)
	admitCh := m.admitCh
	activeCh := m.activeCh
	m.setStateLocked(domain.StateConnecting, "")
	m.mu.Unlock()

	env, err := domain.NewEnvelope(domain.MsgJoin, callID, self.ID, domain.JoinPayload{
		DisplayName: self.DisplayName,
		Role:        self.Role,
	})
	if err != nil {
		m.endCall(domain.EndHangup)
		return nil, err
	}
	m.send(env)

	// Wait for an admission decision, then for media.
	timeout := time.NewTimer(m.cfg.Call.ConnectTimeout)
	defer timeout.Stop()
	select {
	case admitted := <-admitCh:
		if !admitted {
			m.endCall(domain.EndHangup)
			return nil, domain.ErrForbidden
		}
		// Announce the join into the session scope: every member applies
		// it, not just the host that admitted us.
		if env, err := domain.NewEnvelope(domain.MsgJoin, callID, self.ID, domain.JoinPayload{
			DisplayName: self.DisplayName,
			Role:        self.Role,
			Accept:      true,
		}); err == nil {
			m.send(env)
		}
	case <-activeCh:
		// Peer link came up before any explicit decision: implicit admit.
		return sess, nil
	case <-timeout.C:
		m.endCall(domain.EndTimeout)
		return nil, domain.ErrTimeout
	case <-ctx.Done():
		m.endCall(domain.EndHangup)
		return nil, ctx.Err()
	}

	return m.awaitActive(ctx, activeCh, sess)
}

// AcceptIncoming answers a pending invite. Suspends like JoinCall.
func (m *SessionManager) AcceptIncoming(ctx context.Context) (*domain.CallSession, error) {
	m.mu.Lock()
	if m.state != domain.StateIncoming || m.pendingInvite == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("accept: no pending invite: %w", domain.ErrNotFound)
	}
	invite := *m.pendingInvite
	inviteEnv := m.pendingInviteEnv
	m.pendingInvite = nil
	m.pendingInviteEnv = domain.Envelope{}

	tracks, err := m.media.AcquireLocalMedia(ctx, true, true)
	if err != nil {
		m.setStateLocked(domain.StateIdle, "")
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	sess := &domain.CallSession{
		ID:        invite.SessionID,
		Kind:      invite.Kind,
		StartedAt: time.Now(),
		Topology:  domain.Topology(m.cfg.Call.Topology),
	}
	self := domain.NewParticipant(m.identity.SelfID(), m.identity.DisplayName(), m.identity.Role())
	self.CameraOn = true
	m.beginSessionLocked(sess, self, tracks)
	m.cameraOn = true
	m.invited = map[domain.ParticipantID]bool{invite.From: true}
	m.setStateLocked(domain.StateConnecting, "")
	activeCh := m.activeCh
	m.mu.Unlock()

	// The buffered invite doubles as the caller's join: applying it keeps
	// the invitee's registry consistent with the caller's from the start.
	m.applyJoin(inviteEnv)

	env, err := domain.NewEnvelope(domain.MsgJoin, invite.SessionID, self.ID, domain.JoinPayload{
		DisplayName: self.DisplayName,
		Role:        self.Role,
		Accept:      true,
	})
	if err != nil {
		m.endCall(domain.EndHangup)
		return nil, err
	}
	// Broadcast: fellow invitees learn about this client too, not only
	// the caller.
	m.send(env)

	return m.awaitActive(ctx, activeCh, sess)
}

// DeclineIncoming refuses a pending invite without starting a session.
func (m *SessionManager) DeclineIncoming() error {
	m.mu.Lock()
	if m.state != domain.StateIncoming || m.pendingInvite == nil {
		m.mu.Unlock()
		return domain.ErrNotFound
	}
	invite := *m.pendingInvite
	m.pendingInvite = nil
	m.pendingInviteEnv = domain.Envelope{}
	m.setStateLocked(domain.StateIdle, "")
	m.mu.Unlock()

	env, err := domain.NewEnvelope(domain.MsgLeave, invite.SessionID, m.identity.SelfID(), domain.LeavePayload{Reason: domain.EndHangup})
	if err != nil {
		return err
	}
	env.To = invite.From
	m.send(env)
	return nil
}

// ToggleMute flips the local mute flag synchronously and broadcasts exactly
// one MediaStateChange. It never suspends.
func (m *SessionManager) ToggleMute() bool {
	return m.toggleMedia(func() { m.muted = !m.muted })
}

// ToggleVideo flips the local camera flag, same contract as ToggleMute.
func (m *SessionManager) ToggleVideo() bool {
	return m.toggleMedia(func() { m.cameraOn = !m.cameraOn })
}

func (m *SessionManager) toggleMedia(flip func()) bool {
	m.mu.Lock()
	if m.inCallLocked() {
		flip()
	} else {
		m.mu.Unlock()
		return false
	}
	env, err := m.mediaStateEnvelopeLocked()
	reg := m.registry
	m.mu.Unlock()
	if err != nil {
		return false
	}

	m.applyAndSend(reg, env)
	return true
}

// applyAndSend broadcasts one envelope and applies the stamped copy locally
// so local and remote views order the write identically.
func (m *SessionManager) applyAndSend(reg *core.Registry, env domain.Envelope) error {
	stamped, err := m.send(env)
	if err != nil && stamped.Seq == 0 {
		return err
	}
	if delta, applyErr := reg.Apply(stamped); applyErr == nil && !delta.Empty() {
		m.notify(StateChange{State: m.State(), Delta: delta})
	}
	return err
}

func (m *SessionManager) mediaStateEnvelopeLocked() (domain.Envelope, error) {
	return domain.NewEnvelope(domain.MsgMediaState, m.session.ID, m.registry.SelfID(), domain.MediaStatePayload{
		Muted:         m.muted,
		CameraOn:      m.cameraOn,
		ScreenSharing: m.sharing,
	})
}

// EndCall transitions to Ended, closes all peer links, releases local media
// and emits a Leave. Safe to call from any non-Idle, non-Ended state.
func (m *SessionManager) EndCall() {
	m.endCall(domain.EndHangup)
}

// Pin toggles the local-only pin flag for a participant.
func (m *SessionManager) Pin(id domain.ParticipantID, on bool) bool {
	m.mu.RLock()
	reg := m.registry
	m.mu.RUnlock()
	if reg == nil {
		return false
	}
	return reg.Pin(id, on)
}

// Spotlight broadcasts a session-wide spotlight change. Host/moderator
// only, like the mute directive.
func (m *SessionManager) Spotlight(target domain.ParticipantID, on bool) error {
	m.mu.RLock()
	if !m.inCallLocked() {
		m.mu.RUnlock()
		return domain.ErrNotFound
	}
	sess := m.session
	reg := m.registry
	m.mu.RUnlock()

	if !m.identity.Role().Privileged() {
		return domain.ErrForbidden
	}
	env, err := domain.NewEnvelope(domain.MsgSpotlight, sess.ID, reg.SelfID(), domain.SpotlightPayload{Target: target, On: on})
	if err != nil {
		return err
	}
	return m.applyAndSend(reg, env)
}

// MuteParticipant is the privileged mute-other directive.
func (m *SessionManager) MuteParticipant(target domain.ParticipantID, muted bool) error {
	m.mu.RLock()
	if !m.inCallLocked() {
		m.mu.RUnlock()
		return domain.ErrNotFound
	}
	sess := m.session
	reg := m.registry
	m.mu.RUnlock()

	if !m.identity.Role().Privileged() {
		return domain.ErrForbidden
	}
	env, err := domain.NewEnvelope(domain.MsgMuteDirective, sess.ID, reg.SelfID(), domain.MuteDirectivePayload{Target: target, Muted: muted})
	if err != nil {
		return err
	}
	return m.applyAndSend(reg, env)
}

// RaiseHand broadcasts the local hand-raise flag.
func (m *SessionManager) RaiseHand(raised bool) error {
	m.mu.RLock()
	if !m.inCallLocked() {
		m.mu.RUnlock()
		return domain.ErrNotFound
	}
	sess := m.session
	reg := m.registry
	m.mu.RUnlock()

	env, err := domain.NewEnvelope(domain.MsgHandRaise, sess.ID, reg.SelfID(), domain.HandRaisePayload{Raised: raised})
	if err != nil {
		return err
	}
	return m.applyAndSend(reg, env)
}

// --- internals ------------------------------------------------------------

// beginSessionLocked sets up per-call state. Caller holds m.mu.
func (m *SessionManager) beginSessionLocked(sess *domain.CallSession, self *domain.Participant, tracks []core.LocalTrack) {
	m.session = sess
	m.registry = core.NewRegistry(sess.ID, self)
	m.reorder = make(map[domain.ParticipantID]*core.ReorderBuffer)
	m.peers = make(map[domain.ParticipantID]core.PeerLink)
	m.offering = make(map[domain.ParticipantID]bool)
	m.tracks = tracks
	m.muted = false
	m.sharing = false
	m.activeCh = make(chan struct{})
	sess.Participants = append(sess.Participants, self.ID)

	m.waiting = NewWaitingRoom(m.cfg.Waiting, m.identity, sess.ID, m.send, func(id domain.ParticipantID, join domain.Envelope) {
		m.mu.Lock()
		if m.invited == nil {
			m.invited = make(map[domain.ParticipantID]bool)
		}
		m.invited[id] = true
		m.mu.Unlock()
		// The gated join finally enters the call.
		m.applyJoin(join)
	})
	m.collab = NewCollab(sess.ID, m.identity.SelfID(), m.send)

	monCtx, monCancel := context.WithCancel(context.Background())
	m.monCancel = monCancel
	m.monitor = NewMonitor(m.cfg.Quality, MonitorHooks{
		Links:     m.linksSnapshot,
		Reconnect: m.reconnectPeer,
		Drop:      m.dropPeer,
		Report:    m.reportQuality,
		Overall:   m.reportOwnQuality,
	})
	go m.waiting.Run(monCtx)
	go m.monitor.Run(monCtx)
}

func (m *SessionManager) inCallLocked() bool {
	switch m.state {
	case domain.StateOutgoing, domain.StateConnecting, domain.StateActive:
		return m.session != nil
	}
	return false
}

func (m *SessionManager) setStateLocked(s domain.CallState, reason domain.EndReason) {
	if m.state == s {
		return
	}
	log.Info().Str("module", "app.session").Str("from", string(m.state)).Str("to", string(s)).Msg("state transition")
	m.state = s
	go m.notify(StateChange{State: s, Reason: reason})
}

func (m *SessionManager) awaitActive(ctx context.Context, activeCh chan struct{}, sess *domain.CallSession) (*domain.CallSession, error) {
	timeout := time.NewTimer(m.cfg.Call.ConnectTimeout)
	defer timeout.Stop()
	select {
	case <-activeCh:
		return sess, nil
	case <-timeout.C:
		m.endCall(domain.EndTimeout)
		return nil, domain.ErrTimeout
	case <-ctx.Done():
		m.endCall(domain.EndHangup)
		return nil, ctx.Err()
	}
}

func (m *SessionManager) endCall(reason domain.EndReason) {
	m.mu.Lock()
	if m.state == domain.StateIdle || m.state == domain.StateEnded {
		m.mu.Unlock()
		return
	}
	sess := m.session
	peers := m.peers
	waiting := m.waiting
	monCancel := m.monCancel
	m.setStateLocked(domain.StateEnded, reason)
	m.mu.Unlock()

	if monCancel != nil {
		monCancel()
	}
	if waiting != nil {
		waiting.DenyAll()
	}
	for _, link := range peers {
		link.Close()
	}
	m.media.Release()

	if sess != nil && reason != domain.EndChannelLost {
		if env, err := domain.NewEnvelope(domain.MsgLeave, sess.ID, m.identity.SelfID(), domain.LeavePayload{Reason: reason}); err == nil {
			m.send(env)
		}
	}

	m.mu.Lock()
	m.session = nil
	m.registry = nil
	m.reorder = nil
	m.peers = nil
	m.offering = nil
	m.invited = nil
	m.waiting = nil
	m.collab = nil
	m.monitor = nil
	m.tracks = nil
	m.screen = nil
	m.pendingInvite = nil
	m.pendingInviteEnv = domain.Envelope{}
	m.admitCh = nil
	// Ended is terminal for the session value; the manager itself returns
	// to Idle so a new CallSession can be created.
	m.state = domain.StateIdle
	m.mu.Unlock()
}

func (m *SessionManager) send(env domain.Envelope) (domain.Envelope, error) {
	stamped, err := m.transport.Send(env)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("type", string(env.Type)).Msg("send failed")
	}
	return stamped, err
}

func (m *SessionManager) linksSnapshot() map[domain.ParticipantID]core.PeerLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.peers == nil {
		return nil
	}
	return lo.Assign(map[domain.ParticipantID]core.PeerLink{}, m.peers)
}

// reportQuality records the local monitor's verdict about one peer in the
// local registry view. Seq 0 marks it as a synthetic local write outside
// the peer's message stream.
func (m *SessionManager) reportQuality(id domain.ParticipantID, level domain.QualityLevel) {
	m.mu.RLock()
	reg := m.registry
	sess := m.session
	m.mu.RUnlock()
	if reg == nil || sess == nil {
		return
	}
	env, err := domain.NewEnvelope(domain.MsgQualityReport, sess.ID, id, domain.QualityReportPayload{Level: level})
	if err != nil {
		return
	}
	if delta, err := reg.Apply(env); err == nil && !delta.Empty() {
		m.notify(StateChange{State: m.State(), Delta: delta})
	}
}

// reportOwnQuality broadcasts the worst link level as this client's own
// QualityReport.
func (m *SessionManager) reportOwnQuality(level domain.QualityLevel) {
	m.mu.RLock()
	reg := m.registry
	sess := m.session
	m.mu.RUnlock()
	if reg == nil || sess == nil {
		return
	}
	env, err := domain.NewEnvelope(domain.MsgQualityReport, sess.ID, reg.SelfID(), domain.QualityReportPayload{Level: level})
	if err != nil {
		return
	}
	_ = m.applyAndSend(reg, env)
}
