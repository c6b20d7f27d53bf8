package core

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Huddle/internal/domain"
)

// Delta is the observable result of applying one message, for UI diffing.
type Delta struct {
	Joined  []domain.Participant
	Left    []domain.ParticipantID
	Updated []domain.Participant
}

func (d Delta) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0 && len(d.Updated) == 0
}

type spotlightClaim struct {
	target domain.ParticipantID
	seq    uint64
	byHost bool
	set    bool
}

// Registry is the authoritative local view of participant state for one
// call session. It is only ever mutated by applying a signaling message or
// a local intent translated into one, which keeps every state change
// replayable. Reconciliation rules:
//
//   - mute/camera/screen: each participant is the sole writer of their own
//     flags; a MediaStateChange about anyone else is rejected, unless it is
//     a MuteDirective from a host/moderator.
//   - spotlight: host/moderator only; last-writer-wins by sequence number,
//     host messages break ties on equal sequence numbers.
//   - pin: local-only, set directly, never broadcast.
type Registry struct {
	mu      sync.RWMutex
	session domain.CallID
	self    domain.ParticipantID
	byID    map[domain.ParticipantID]*domain.Participant
	order   []domain.ParticipantID
	lastSeq map[domain.ParticipantID]uint64

	spotlight spotlightClaim
}

func NewRegistry(session domain.CallID, self *domain.Participant) *Registry {
	r := &Registry{
		session: session,
		self:    self.ID,
		byID:    make(map[domain.ParticipantID]*domain.Participant),
		lastSeq: make(map[domain.ParticipantID]uint64),
	}
	p := *self
	r.byID[p.ID] = &p
	r.order = append(r.order, p.ID)
	return r
}

// Apply mutates the registry with one signaling message and returns the
// delta. Duplicate deliveries (seq already applied for that sender) are
// no-ops. Unknown message types are skipped, never an error.
func (r *Registry) Apply(env domain.Envelope) (Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !env.Type.Known() {
		log.Warn().Str("module", "core.registry").Str("type", string(env.Type)).Msg("unknown message type skipped")
		return Delta{}, nil
	}
	if env.Seq != 0 && env.Seq <= r.lastSeq[env.SenderID] {
		return Delta{}, nil
	}

	delta, err := r.applyLocked(env)
	if err != nil {
		return Delta{}, err
	}
	if env.Seq != 0 {
		r.lastSeq[env.SenderID] = env.Seq
	}
	return delta, nil
}

func (r *Registry) applyLocked(env domain.Envelope) (Delta, error) {
	switch env.Type {
	case domain.MsgJoin:
		var p domain.JoinPayload
		if err := domain.DecodePayload(env, &p); err != nil {
			return Delta{}, fmt.Errorf("join payload: %w", err)
		}
		return r.join(env.SenderID, p), nil

	case domain.MsgLeave:
		return r.leave(env.SenderID), nil

	case domain.MsgMediaState:
		var p domain.MediaStatePayload
		if err := domain.DecodePayload(env, &p); err != nil {
			return Delta{}, fmt.Errorf("media state payload: %w", err)
		}
		return r.mediaState(env.SenderID, p)

	case domain.MsgMuteDirective:
		var p domain.MuteDirectivePayload
		if err := domain.DecodePayload(env, &p); err != nil {
			return Delta{}, fmt.Errorf("mute directive payload: %w", err)
		}
		return r.muteDirective(env.SenderID, p)

	case domain.MsgSpotlight:
		var p domain.SpotlightPayload
		if err := domain.DecodePayload(env, &p); err != nil {
			return Delta{}, fmt.Errorf("spotlight payload: %w", err)
		}
		return r.spotlightChange(env, p)

	case domain.MsgHandRaise:
		var p domain.HandRaisePayload
		if err := domain.DecodePayload(env, &p); err != nil {
			return Delta{}, fmt.Errorf("hand raise payload: %w", err)
		}
		return r.flagUpdate(env.SenderID, func(pt *domain.Participant) { pt.HandRaised = p.Raised }), nil

	case domain.MsgQualityReport:
		var p domain.QualityReportPayload
		if err := domain.DecodePayload(env, &p); err != nil {
			return Delta{}, fmt.Errorf("quality report payload: %w", err)
		}
		return r.flagUpdate(env.SenderID, func(pt *domain.Participant) { pt.Quality = p.Level }), nil
	}

	// Offer/Answer/Candidate/Admit/Collab do not touch participant state.
	return Delta{}, nil
}

func (r *Registry) join(id domain.ParticipantID, p domain.JoinPayload) Delta {
	if existing, ok := r.byID[id]; ok {
		// Exactly one entry per identity; a repeated Join refreshes meta.
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		if p.Role != "" {
			existing.Role = p.Role
		}
		return Delta{Updated: []domain.Participant{*existing}}
	}
	pt := domain.NewParticipant(id, p.DisplayName, p.Role)
	r.byID[id] = pt
	r.order = append(r.order, id)
	log.Info().Str("module", "core.registry").Str("participant", string(id)).Msg("participant joined")
	return Delta{Joined: []domain.Participant{*pt}}
}

func (r *Registry) leave(id domain.ParticipantID) Delta {
	if _, ok := r.byID[id]; !ok {
		return Delta{}
	}
	delete(r.byID, id)
	r.order = lo.Without(r.order, id)
	if r.spotlight.set && r.spotlight.target == id {
		r.spotlight = spotlightClaim{}
	}
	log.Info().Str("module", "core.registry").Str("participant", string(id)).Msg("participant left")
	return Delta{Left: []domain.ParticipantID{id}}
}

func (r *Registry) mediaState(sender domain.ParticipantID, p domain.MediaStatePayload) (Delta, error) {
	pt, ok := r.byID[sender]
	if !ok {
		return Delta{}, nil
	}
	pt.Muted = p.Muted
	pt.CameraOn = p.CameraOn
	pt.ScreenSharing = p.ScreenSharing
	return Delta{Updated: []domain.Participant{*pt}}, nil
}

func (r *Registry) muteDirective(actor domain.ParticipantID, p domain.MuteDirectivePayload) (Delta, error) {
	a, ok := r.byID[actor]
	if !ok || !a.Role.Privileged() {
		log.Warn().Str("module", "core.registry").Str("actor", string(actor)).
			Str("target", string(p.Target)).Msg("mute directive rejected")
		return Delta{}, domain.ErrUnauthorized
	}
	target, ok := r.byID[p.Target]
	if !ok {
		return Delta{}, nil
	}
	target.Muted = p.Muted
	return Delta{Updated: []domain.Participant{*target}}, nil
}

func (r *Registry) spotlightChange(env domain.Envelope, p domain.SpotlightPayload) (Delta, error) {
	sender, ok := r.byID[env.SenderID]
	if !ok || !sender.Role.Privileged() {
		log.Warn().Str("module", "core.registry").Str("actor", string(env.SenderID)).
			Str("target", string(p.Target)).Msg("spotlight change rejected")
		return Delta{}, domain.ErrUnauthorized
	}
	byHost := sender.Role == domain.RoleHost

	// Last-writer-wins by seq; the comparison also covers clear writes so an
	// older "on" cannot override a newer "off".
	if cur := r.spotlight; cur.seq != 0 {
		if env.Seq < cur.seq {
			return Delta{}, nil
		}
		if env.Seq == cur.seq && !(byHost && !cur.byHost) {
			return Delta{}, nil
		}
	}

	var updated []domain.Participant
	if !p.On {
		if r.spotlight.set && r.spotlight.target == p.Target {
			if pt, ok := r.byID[p.Target]; ok {
				pt.Spotlighted = false
				updated = append(updated, *pt)
			}
			r.spotlight = spotlightClaim{seq: env.Seq, byHost: byHost}
		}
		return Delta{Updated: updated}, nil
	}

	// At most one spotlighted participant per session.
	for id, pt := range r.byID {
		if pt.Spotlighted && id != p.Target {
			pt.Spotlighted = false
			updated = append(updated, *pt)
		}
	}
	if pt, ok := r.byID[p.Target]; ok {
		pt.Spotlighted = true
		updated = append(updated, *pt)
	}
	r.spotlight = spotlightClaim{target: p.Target, seq: env.Seq, byHost: byHost, set: true}
	return Delta{Updated: updated}, nil
}

func (r *Registry) flagUpdate(id domain.ParticipantID, fn func(*domain.Participant)) Delta {
	pt, ok := r.byID[id]
	if !ok {
		return Delta{}
	}
	fn(pt)
	return Delta{Updated: []domain.Participant{*pt}}
}

// Pin toggles the local-only pin flag. It deliberately bypasses the message
// path because pin state is never broadcast.
func (r *Registry) Pin(id domain.ParticipantID, on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.byID[id]
	if !ok {
		return false
	}
	pt.Pinned = on
	return true
}

// Snapshot returns a consistent copy of all participants in join order.
func (r *Registry) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.FilterMap(r.order, func(id domain.ParticipantID, _ int) (domain.Participant, bool) {
		pt, ok := r.byID[id]
		if !ok {
			return domain.Participant{}, false
		}
		return *pt, true
	})
}

// Get returns one participant by id.
func (r *Registry) Get(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pt, ok := r.byID[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *pt, true
}

// Self returns the local participant entry.
func (r *Registry) Self() domain.Participant {
	p, _ := r.Get(r.self)
	return p
}

// SelfID returns the local participant id.
func (r *Registry) SelfID() domain.ParticipantID { return r.self }

// Count returns the number of known participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Spotlighted returns the currently spotlighted participant, if any.
func (r *Registry) Spotlighted() (domain.ParticipantID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.spotlight.set {
		return r.spotlight.target, true
	}
	return "", false
}
