package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// dispatchLoop is the single goroutine that applies inbound signaling to
// the session. All registry mutations from the network serialize here. The
// ticker time-bounds reorder gaps: seqs targeted at other participants
// never arrive here, so held envelopes are released after the hold bound.
func (m *SessionManager) dispatchLoop(ctx context.Context) {
	defer close(m.done)
	hold := m.cfg.Signal.ReorderHold
	if hold <= 0 {
		hold = 500 * time.Millisecond
	}
	ticker := time.NewTicker(hold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.transport.Events():
			if !ok {
				return
			}
			m.handleChannelEvent(ev)
		case env, ok := <-m.transport.Inbound():
			if !ok {
				return
			}
			m.ingest(env)
		case <-ticker.C:
			m.releaseHeld(time.Now())
		}
	}
}

// ingest restores per-sender order before applying.
func (m *SessionManager) ingest(env domain.Envelope) {
	if env.SenderID == m.identity.SelfID() {
		return
	}
	if !env.Type.Known() {
		log.Warn().Str("module", "app.session").Str("type", string(env.Type)).Msg("unknown message type ignored")
		return
	}

	m.mu.Lock()
	if m.reorder == nil {
		m.mu.Unlock()
		// Idle: only invites are meaningful, and they carry their own order.
		m.handle(env)
		return
	}
	buf, ok := m.reorder[env.SenderID]
	if !ok {
		buf = core.NewReorderBuffer(env.SenderID, m.cfg.Signal.ReorderWindow, m.cfg.Signal.ReorderHold)
		m.reorder[env.SenderID] = buf
	}
	released := buf.Offer(env)
	m.mu.Unlock()

	for _, e := range released {
		m.handle(e)
	}
}

// releaseHeld delivers envelopes whose gap wait exceeded the hold bound.
func (m *SessionManager) releaseHeld(now time.Time) {
	m.mu.Lock()
	var released []domain.Envelope
	for _, buf := range m.reorder {
		released = append(released, buf.Flush(now)...)
	}
	m.mu.Unlock()

	for _, e := range released {
		m.handle(e)
	}
}

func (m *SessionManager) handle(env domain.Envelope) {
	switch env.Type {
	case domain.MsgJoin:
		m.handleJoin(env)
	case domain.MsgLeave:
		m.handleLeave(env)
	case domain.MsgOffer:
		m.handleOffer(env)
	case domain.MsgAnswer:
		m.handleAnswer(env)
	case domain.MsgIceCandidate:
		m.handleCandidate(env)
	case domain.MsgAdmitDecision:
		m.handleAdmitDecision(env)
	case domain.MsgCollabEvent:
		m.handleCollab(env)
	case domain.MsgMediaState, domain.MsgMuteDirective, domain.MsgSpotlight,
		domain.MsgHandRaise, domain.MsgQualityReport:
		m.applyToRegistry(env)
	case domain.MsgPing, domain.MsgPong:
	}
}

func (m *SessionManager) applyToRegistry(env domain.Envelope) {
	m.mu.RLock()
	reg := m.registry
	sess := m.session
	m.mu.RUnlock()
	if reg == nil || sess == nil || sess.ID != env.SessionID {
		return
	}
	delta, err := reg.Apply(env)
	if err != nil {
		// Unauthorized mutations are dropped without session teardown.
		log.Warn().Err(err).Str("module", "app.session").
			Str("sender", string(env.SenderID)).Str("type", string(env.Type)).Msg("mutation rejected")
		return
	}
	if !delta.Empty() {
		m.notify(StateChange{State: m.State(), Delta: delta})
	}
}

func (m *SessionManager) handleJoin(env domain.Envelope) {
	var p domain.JoinPayload
	if err := domain.DecodePayload(env, &p); err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("bad join payload")
		return
	}

	m.mu.Lock()
	switch {
	case m.state == domain.StateIdle && env.To == m.identity.SelfID() && !p.Accept:
		// Invite received while idle.
		m.pendingInvite = &IncomingCall{SessionID: env.SessionID, From: env.SenderID, Kind: p.Kind}
		m.pendingInviteEnv = env
		m.setStateLocked(domain.StateIncoming, "")
		m.mu.Unlock()
		return

	case m.session == nil || m.session.ID != env.SessionID:
		m.mu.Unlock()
		return

	case !p.Accept && !m.invited[env.SenderID] && m.waiting != nil:
		// Unknown join request: every client gates it until a privileged
		// participant decides.
		waiting := m.waiting
		m.mu.Unlock()
		waiting.Hold(env, p.DisplayName)
		return
	}

	waiting := m.waiting
	if m.state == domain.StateOutgoing {
		m.setStateLocked(domain.StateConnecting, "")
	}
	m.mu.Unlock()

	if waiting != nil {
		// An accepted join supersedes any stale pending entry.
		waiting.ApplyDecision(env.SenderID, true)
	}
	m.applyJoin(env)
}

// applyJoin admits one remote participant into the local view. On a new
// entry the deterministic initiation rule runs: the larger id offers, so
// the common path is glare-free. A broadcast join additionally gets a
// targeted announce back so the newcomer's registry learns this client.
func (m *SessionManager) applyJoin(env domain.Envelope) {
	m.mu.RLock()
	reg := m.registry
	sess := m.session
	m.mu.RUnlock()
	if reg == nil || sess == nil || sess.ID != env.SessionID {
		return
	}

	delta, err := reg.Apply(env)
	if err != nil {
		return
	}
	newcomer := len(delta.Joined) > 0
	if newcomer {
		m.mu.Lock()
		sess.Participants = append(sess.Participants, env.SenderID)
		m.mu.Unlock()
	}
	if !delta.Empty() {
		m.notify(StateChange{State: m.State(), Delta: delta})
	}
	if !newcomer {
		return
	}

	if m.identity.SelfID() > env.SenderID {
		m.negotiate(env.SenderID, false)
	}
	if env.To == "" {
		m.announceTo(env.SenderID)
	}
}

// announceTo sends a targeted accepted-join so a newly discovered
// participant learns about the local client; mesh links between invitees
// that never exchanged invites form through these announces.
func (m *SessionManager) announceTo(peer domain.ParticipantID) {
	m.mu.RLock()
	sess := m.session
	m.mu.RUnlock()
	if sess == nil {
		return
	}
	env, err := domain.NewEnvelope(domain.MsgJoin, sess.ID, m.identity.SelfID(), domain.JoinPayload{
		DisplayName: m.identity.DisplayName(),
		Role:        m.identity.Role(),
		Accept:      true,
	})
	if err != nil {
		return
	}
	env.To = peer
	m.send(env)
}

func (m *SessionManager) handleLeave(env domain.Envelope) {
	m.mu.RLock()
	reg := m.registry
	sess := m.session
	m.mu.RUnlock()
	if reg == nil || sess == nil || sess.ID != env.SessionID {
		return
	}

	delta, err := reg.Apply(env)
	if err != nil {
		return
	}
	m.removePeerLink(env.SenderID)
	if !delta.Empty() {
		m.notify(StateChange{State: m.State(), Delta: delta})
	}

	if reg.Count() <= 1 && m.State() == domain.StateActive {
		m.endCall(domain.EndLastLeave)
	}
}

func (m *SessionManager) handleAdmitDecision(env domain.Envelope) {
	var p domain.AdmitDecisionPayload
	if err := domain.DecodePayload(env, &p); err != nil {
		return
	}

	if p.Target == m.identity.SelfID() {
		m.mu.Lock()
		ch := m.admitCh
		m.admitCh = nil
		m.mu.Unlock()
		if ch != nil {
			ch <- p.Admitted
		}
		return
	}

	// Another privileged participant decided; mirror the outcome locally
	// and apply the gated join on admission.
	m.mu.RLock()
	reg := m.registry
	waiting := m.waiting
	m.mu.RUnlock()
	if reg == nil || waiting == nil {
		return
	}
	if actor, ok := reg.Get(env.SenderID); !ok || !actor.Role.Privileged() {
		log.Warn().Str("module", "app.session").Str("sender", string(env.SenderID)).Msg("admit decision from unprivileged sender ignored")
		return
	}
	if p.Admitted {
		m.mu.Lock()
		if m.invited == nil {
			m.invited = make(map[domain.ParticipantID]bool)
		}
		m.invited[p.Target] = true
		m.mu.Unlock()
	}
	if join, ok := waiting.ApplyDecision(p.Target, p.Admitted); ok && p.Admitted {
		m.applyJoin(join)
	}
}

func (m *SessionManager) handleCollab(env domain.Envelope) {
	m.mu.RLock()
	collab := m.collab
	sess := m.session
	m.mu.RUnlock()
	if collab == nil || sess == nil || sess.ID != env.SessionID {
		return
	}
	if collab.Apply(env) {
		m.notify(StateChange{State: m.State()})
	}
}

func (m *SessionManager) handleChannelEvent(ev core.ChannelEvent) {
	switch ev.Kind {
	case core.ChannelLost:
		// Equivalent to every peer reporting disconnected.
		log.Error().Str("module", "app.session").Msg("signaling channel lost")
		m.endCall(domain.EndChannelLost)
	case core.ChannelBacklogged:
		log.Warn().Str("module", "app.session").Msg("outbound signaling backlog")
	case core.ChannelConnected, core.ChannelDisconnected:
		log.Info().Str("module", "app.session").Str("event", string(ev.Kind)).Msg("channel state")
	}
}
