package app

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// ensurePeerLink returns the link for peer, creating and wiring it on
// first use. Local tracks are attached before any negotiation.
func (m *SessionManager) ensurePeerLink(peer domain.ParticipantID) (core.PeerLink, error) {
	m.mu.Lock()
	if m.peers == nil {
		m.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	if link, ok := m.peers[peer]; ok {
		m.mu.Unlock()
		return link, nil
	}
	tracks := m.tracks
	screen := m.screen
	sess := m.session
	m.mu.Unlock()

	link, err := m.newLink(peer)
	if err != nil {
		return nil, fmt.Errorf("peer link %s: %w", peer, err)
	}

	link.OnUsable(func() { m.onLinkUsable(peer) })
	link.OnLocalCandidate(func(c domain.CandidatePayload) {
		env, err := domain.NewEnvelope(domain.MsgIceCandidate, sess.ID, m.identity.SelfID(), c)
		if err != nil {
			return
		}
		env.To = peer
		m.send(env)
	})
	link.OnRemoteTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.media.RenderRemoteTrack(peer, track)
	})
	link.OnClosed(func() {
		log.Info().Str("module", "app.media").Str("peer", string(peer)).Msg("peer link closed")
	})

	for _, t := range tracks {
		if err := link.AddLocalTrack(t); err != nil {
			log.Error().Err(err).Str("module", "app.media").Str("peer", string(peer)).Msg("add local track")
		}
	}
	if screen != nil {
		if err := link.AddLocalTrack(screen); err != nil {
			log.Error().Err(err).Str("module", "app.media").Str("peer", string(peer)).Msg("add screen track")
		}
	}

	m.mu.Lock()
	// Another goroutine may have raced us; keep the first link.
	if existing, ok := m.peers[peer]; ok {
		m.mu.Unlock()
		link.Close()
		return existing, nil
	}
	m.peers[peer] = link
	m.mu.Unlock()
	return link, nil
}

// negotiate runs one offer round toward peer. Reneg marks renegotiation of
// an established link (track added or removed).
func (m *SessionManager) negotiate(peer domain.ParticipantID, reneg bool) {
	link, err := m.ensurePeerLink(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "app.media").Str("peer", string(peer)).Msg("negotiate")
		return
	}

	m.mu.Lock()
	if m.offering == nil || m.offering[peer] {
		m.mu.Unlock()
		return
	}
	m.offering[peer] = true
	sess := m.session
	m.mu.Unlock()

	sdp, err := link.Offer(m.ctx)
	if err != nil {
		m.clearOffering(peer)
		log.Error().Err(err).Str("module", "app.media").Str("peer", string(peer)).Msg("create offer")
		return
	}
	env, err := domain.NewEnvelope(domain.MsgOffer, sess.ID, m.identity.SelfID(), domain.OfferPayload{SDP: sdp, Reneg: reneg})
	if err != nil {
		m.clearOffering(peer)
		return
	}
	env.To = peer
	m.send(env)
}

func (m *SessionManager) clearOffering(peer domain.ParticipantID) {
	m.mu.Lock()
	if m.offering != nil {
		delete(m.offering, peer)
	}
	m.mu.Unlock()
}

func (m *SessionManager) handleOffer(env domain.Envelope) {
	m.mu.RLock()
	sess := m.session
	outstanding := m.offering != nil && m.offering[env.SenderID]
	m.mu.RUnlock()
	if sess == nil || sess.ID != env.SessionID {
		return
	}

	// Glare: both sides offered in the same window. The side with the
	// lexicographically smaller id yields; the other ignores the colliding
	// offer and waits for its answer.
	if outstanding {
		if m.identity.SelfID() > env.SenderID {
			log.Info().Str("module", "app.media").Str("peer", string(env.SenderID)).Msg("glare: holding own offer")
			return
		}
		log.Info().Str("module", "app.media").Str("peer", string(env.SenderID)).Msg("glare: yielding")
		m.clearOffering(env.SenderID)
	}

	var p domain.OfferPayload
	if err := domain.DecodePayload(env, &p); err != nil {
		log.Error().Err(err).Str("module", "app.media").Msg("bad offer payload")
		return
	}

	link, err := m.ensurePeerLink(env.SenderID)
	if err != nil {
		return
	}
	answer, err := link.HandleOffer(m.ctx, p.SDP)
	if err != nil {
		log.Error().Err(err).Str("module", "app.media").Str("peer", string(env.SenderID)).Msg("handle offer")
		return
	}
	resp, err := domain.NewEnvelope(domain.MsgAnswer, sess.ID, m.identity.SelfID(), domain.AnswerPayload{SDP: answer})
	if err != nil {
		return
	}
	resp.To = env.SenderID
	m.send(resp)
}

func (m *SessionManager) handleAnswer(env domain.Envelope) {
	m.mu.RLock()
	sess := m.session
	link := m.peers[env.SenderID]
	m.mu.RUnlock()
	if sess == nil || sess.ID != env.SessionID || link == nil {
		return
	}

	var p domain.AnswerPayload
	if err := domain.DecodePayload(env, &p); err != nil {
		return
	}
	if err := link.HandleAnswer(p.SDP); err != nil {
		log.Error().Err(err).Str("module", "app.media").Str("peer", string(env.SenderID)).Msg("handle answer")
	}
	m.clearOffering(env.SenderID)
}

func (m *SessionManager) handleCandidate(env domain.Envelope) {
	m.mu.RLock()
	sess := m.session
	link := m.peers[env.SenderID]
	m.mu.RUnlock()
	if sess == nil || sess.ID != env.SessionID {
		return
	}
	if link == nil {
		log.Warn().Str("module", "app.media").Str("peer", string(env.SenderID)).Msg("candidate before link")
		return
	}
	var p domain.CandidatePayload
	if err := domain.DecodePayload(env, &p); err != nil {
		return
	}
	if err := link.AddRemoteCandidate(p); err != nil {
		log.Error().Err(err).Str("module", "app.media").Str("peer", string(env.SenderID)).Msg("add candidate")
	}
}

// onLinkUsable fires when a link first reports a usable media path; the
// first one moves Connecting to Active.
func (m *SessionManager) onLinkUsable(peer domain.ParticipantID) {
	m.mu.Lock()
	if m.state == domain.StateConnecting || m.state == domain.StateOutgoing {
		m.setStateLocked(domain.StateActive, "")
		if m.activeCh != nil {
			close(m.activeCh)
			m.activeCh = nil
		}
	}
	m.mu.Unlock()
	log.Info().Str("module", "app.media").Str("peer", string(peer)).Msg("media path usable")
}

// StartScreenShare requests a display track and renegotiates with every
// connected peer. Failure to acquire leaves the call untouched.
func (m *SessionManager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if !m.inCallLocked() {
		m.mu.Unlock()
		return domain.ErrNotFound
	}
	if m.sharing {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	track, err := m.media.AcquireDisplayMedia(ctx)
	if err != nil {
		// User canceled the prompt or capture failed: only the flag path
		// is reverted, the call itself must not tear down.
		return fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	m.mu.Lock()
	m.screen = track
	m.sharing = true
	peers := make([]domain.ParticipantID, 0, len(m.peers))
	for id, link := range m.peers {
		if err := link.AddLocalTrack(track); err != nil {
			log.Error().Err(err).Str("module", "app.media").Str("peer", string(id)).Msg("add screen track")
			continue
		}
		peers = append(peers, id)
	}
	env, envErr := m.mediaStateEnvelopeLocked()
	reg := m.registry
	m.mu.Unlock()

	// Renegotiate only the affected peers, never a full session restart.
	for _, id := range peers {
		m.negotiate(id, true)
	}
	if envErr == nil {
		m.applyAndSend(reg, env)
	}
	return nil
}

// StopScreenShare removes the display track and renegotiates.
func (m *SessionManager) StopScreenShare() error {
	m.mu.Lock()
	if !m.sharing {
		m.mu.Unlock()
		return nil
	}
	m.sharing = false
	m.screen = nil
	peers := make([]domain.ParticipantID, 0, len(m.peers))
	for id, link := range m.peers {
		if err := link.RemoveLocalTrack(core.TrackScreen); err != nil {
			log.Error().Err(err).Str("module", "app.media").Str("peer", string(id)).Msg("remove screen track")
			continue
		}
		peers = append(peers, id)
	}
	env, envErr := m.mediaStateEnvelopeLocked()
	reg := m.registry
	m.mu.Unlock()

	for _, id := range peers {
		m.negotiate(id, true)
	}
	if envErr == nil {
		m.applyAndSend(reg, env)
	}
	return nil
}

// removePeerLink closes and forgets the link for one peer.
func (m *SessionManager) removePeerLink(peer domain.ParticipantID) {
	m.mu.Lock()
	link := m.peers[peer]
	delete(m.peers, peer)
	delete(m.offering, peer)
	delete(m.reorder, peer)
	m.mu.Unlock()
	if link != nil {
		link.Close()
	}
}

// reconnectPeer tears down and recreates only the affected link via a
// fresh offer round. Called by the quality monitor.
func (m *SessionManager) reconnectPeer(ctx context.Context, peer domain.ParticipantID) error {
	m.mu.Lock()
	link := m.peers[peer]
	delete(m.peers, peer)
	delete(m.offering, peer)
	m.mu.Unlock()
	if link != nil {
		link.Close()
	}

	log.Info().Str("module", "app.media").Str("peer", string(peer)).Msg("reconnecting peer link")
	if _, err := m.ensurePeerLink(peer); err != nil {
		return err
	}
	m.negotiate(peer, true)
	return nil
}

// dropPeer gives up on a peer after reconnection attempts are exhausted:
// the peer alone is removed and a synthetic Leave is applied on its behalf.
func (m *SessionManager) dropPeer(peer domain.ParticipantID, cause error) {
	m.mu.RLock()
	reg := m.registry
	sess := m.session
	m.mu.RUnlock()
	if reg == nil || sess == nil {
		return
	}

	log.Warn().Err(cause).Str("module", "app.media").Str("peer", string(peer)).Msg("peer unreachable, dropping")
	m.removePeerLink(peer)

	env, err := domain.NewEnvelope(domain.MsgLeave, sess.ID, peer, domain.LeavePayload{
		Reason:    domain.EndHangup,
		Synthetic: true,
	})
	if err != nil {
		return
	}
	delta, err := reg.Apply(env)
	if err == nil && !delta.Empty() {
		m.notify(StateChange{State: m.State(), Delta: delta})
	}

	if reg.Count() <= 1 && m.State() == domain.StateActive {
		m.endCall(domain.EndLastLeave)
	}
}
