// Package rtc wraps one pion PeerConnection per remote participant.
package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// NewFactory returns a core.LinkFactory building pion-backed links.
func NewFactory(cfg webrtc.Configuration) core.LinkFactory {
	return func(peer domain.ParticipantID) (core.PeerLink, error) {
		return NewLink(cfg, peer)
	}
}

// Link implements core.PeerLink over a pion PeerConnection. Offers use
// trickle ICE: candidates are emitted through OnLocalCandidate as they are
// gathered, never batched into the SDP.
type Link struct {
	peer domain.ParticipantID
	pc   *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[core.TrackKind]*webrtc.RTPSender

	usableOnce sync.Once
	closedOnce sync.Once

	cbMu        sync.RWMutex
	onUsable    func()
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onCandidate func(domain.CandidatePayload)
	onClosed    func()
}

func NewLink(cfg webrtc.Configuration, peer domain.ParticipantID) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &Link{
		peer:    peer,
		pc:      pc,
		senders: make(map[core.TrackKind]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		p := domain.CandidatePayload{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		}
		l.cbMu.RLock()
		fn := l.onCandidate
		l.cbMu.RUnlock()
		if fn != nil {
			fn(p)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).
			Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		l.cbMu.RLock()
		fn := l.onTrack
		l.cbMu.RUnlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.usableOnce.Do(func() {
				l.cbMu.RLock()
				fn := l.onUsable
				l.cbMu.RUnlock()
				if fn != nil {
					fn()
				}
			})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.fireClosed()
		}
	})

	return l, nil
}

func (l *Link) PeerID() domain.ParticipantID { return l.peer }

func (l *Link) OnUsable(fn func()) {
	l.cbMu.Lock()
	l.onUsable = fn
	l.cbMu.Unlock()
}

func (l *Link) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	l.cbMu.Lock()
	l.onTrack = fn
	l.cbMu.Unlock()
}

func (l *Link) OnLocalCandidate(fn func(domain.CandidatePayload)) {
	l.cbMu.Lock()
	l.onCandidate = fn
	l.cbMu.Unlock()
}

func (l *Link) OnClosed(fn func()) {
	l.cbMu.Lock()
	l.onClosed = fn
	l.cbMu.Unlock()
}

// Offer creates and applies a local offer, returning its SDP.
func (l *Link) Offer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// HandleOffer applies a remote offer and returns the local answer SDP. An
// outstanding local offer is rolled back first: this is the yielding side
// of glare resolution.
func (l *Link) HandleOffer(ctx context.Context, sdp string) (string, error) {
	if l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := l.pc.SetLocalDescription(rollback); err != nil {
			return "", fmt.Errorf("rollback local offer: %w", err)
		}
		log.Info().Str("module", "rtc").Str("peer", string(l.peer)).Msg("rolled back local offer")
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// HandleAnswer applies the remote answer to a previously sent offer.
func (l *Link) HandleAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (l *Link) AddRemoteCandidate(c domain.CandidatePayload) error {
	ci := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	return l.pc.AddICECandidate(ci)
}

func (l *Link) AddLocalTrack(track core.LocalTrack) error {
	sender, err := l.pc.AddTrack(track.Track())
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.Kind(), err)
	}
	l.mu.Lock()
	l.senders[track.Kind()] = sender
	l.mu.Unlock()
	return nil
}

func (l *Link) RemoveLocalTrack(kind core.TrackKind) error {
	l.mu.Lock()
	sender, ok := l.senders[kind]
	delete(l.senders, kind)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track %s: %w", kind, err)
	}
	return nil
}

// Stats samples the connection for the quality monitor. RTT and loss come
// from remote-inbound RTP stats, with the ICE candidate pair RTT as a
// fallback.
func (l *Link) Stats(ctx context.Context) (domain.QualitySample, error) {
	report := l.pc.GetStats()

	sample := domain.QualitySample{At: time.Now()}
	var found bool
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			sample.RTT = time.Duration(st.RoundTripTime * float64(time.Second))
			sample.PacketLoss = st.FractionLost
			found = true
		case webrtc.InboundRTPStreamStats:
			sample.Jitter = time.Duration(st.Jitter * float64(time.Second))
			found = true
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && sample.RTT == 0 {
				sample.RTT = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
				found = true
			}
		case webrtc.TransportStats:
			sample.Bitrate = int64(st.BytesReceived) * 8
		}
	}
	if !found {
		return domain.QualitySample{}, fmt.Errorf("stats for %s: %w", l.peer, domain.ErrPeerUnreachable)
	}
	return sample, nil
}

func (l *Link) fireClosed() {
	l.closedOnce.Do(func() {
		l.cbMu.RLock()
		fn := l.onClosed
		l.cbMu.RUnlock()
		if fn != nil {
			fn()
		}
	})
}

func (l *Link) Close() {
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(l.peer)).Msg("close error")
	}
	l.fireClosed()
}
