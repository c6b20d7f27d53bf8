package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type sendFunc func(domain.Envelope) (domain.Envelope, error)

// WaitingRoom buffers would-be participants until a host admits or denies
// them. Every client gates unknown join requests here; only privileged
// clients decide, everyone else mirrors the broadcast decision through
// ApplyDecision. Entries have a bounded lifetime; unanswered entries are
// auto-denied so the waiting participant is never left hanging. Entries
// are processed independently; denying one never affects others.
type WaitingRoom struct {
	cfg      config.WaitingConfig
	identity core.Identity
	session  domain.CallID
	send     sendFunc
	onAdmit  func(domain.ParticipantID, domain.Envelope)

	mu      sync.Mutex
	entries map[domain.ParticipantID]*waitingEntry
}

// waitingEntry pairs the visible metadata with the buffered Join envelope,
// applied on admission.
type waitingEntry struct {
	meta domain.WaitingEntry
	join domain.Envelope
}

func NewWaitingRoom(
	cfg config.WaitingConfig,
	identity core.Identity,
	session domain.CallID,
	send sendFunc,
	onAdmit func(domain.ParticipantID, domain.Envelope),
) *WaitingRoom {
	return &WaitingRoom{
		cfg:      cfg,
		identity: identity,
		session:  session,
		send:     send,
		onAdmit:  onAdmit,
		entries:  make(map[domain.ParticipantID]*waitingEntry),
	}
}

// Run sweeps expired entries until ctx is canceled.
func (w *WaitingRoom) Run(ctx context.Context) {
	interval := w.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(time.Now())
		}
	}
}

// Hold buffers a pending join request. Idempotent per participant.
func (w *WaitingRoom) Hold(join domain.Envelope, name string) {
	id := join.SenderID
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[id]; ok {
		return
	}
	w.entries[id] = &waitingEntry{
		meta: domain.WaitingEntry{
			Participant: id,
			DisplayName: name,
			SessionID:   w.session,
			ArrivedAt:   time.Now(),
			State:       domain.WaitingPending,
		},
		join: join,
	}
	log.Info().Str("module", "app.waiting").Str("participant", string(id)).Msg("join request queued")
}

// Pending returns a snapshot of pending entries, oldest first.
func (w *WaitingRoom) Pending() []domain.WaitingEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := lo.Map(lo.Values(w.entries), func(e *waitingEntry, _ int) domain.WaitingEntry {
		return e.meta
	})
	sortByArrival(out)
	return out
}

// Admit is host-only. The entry is removed, the decision is broadcast into
// the session scope, and the buffered join is handed to onAdmit so the
// participant actually enters the call.
func (w *WaitingRoom) Admit(id domain.ParticipantID) error {
	return w.decide(id, domain.WaitingAdmitted, false)
}

// Deny is host-only.
func (w *WaitingRoom) Deny(id domain.ParticipantID) error {
	return w.decide(id, domain.WaitingDenied, false)
}

// ApplyDecision resolves an entry for a decision made by another
// privileged participant or relayed by the system. No decision message is
// emitted and onAdmit is not invoked; the buffered join is returned so the
// caller can apply it.
func (w *WaitingRoom) ApplyDecision(id domain.ParticipantID, admitted bool) (domain.Envelope, bool) {
	w.mu.Lock()
	entry, ok := w.entries[id]
	if !ok || entry.meta.State != domain.WaitingPending {
		w.mu.Unlock()
		return domain.Envelope{}, false
	}
	if admitted {
		entry.meta.State = domain.WaitingAdmitted
	} else {
		entry.meta.State = domain.WaitingDenied
	}
	delete(w.entries, id)
	w.mu.Unlock()
	return entry.join, true
}

// decide resolves one entry. System decisions (expiry, session teardown)
// bypass the host-only check; the decision is only put on the wire when
// the local client is privileged.
func (w *WaitingRoom) decide(id domain.ParticipantID, outcome domain.WaitingState, system bool) error {
	if !system && !w.identity.Role().Privileged() {
		return domain.ErrForbidden
	}

	w.mu.Lock()
	entry, ok := w.entries[id]
	if !ok || entry.meta.State != domain.WaitingPending {
		w.mu.Unlock()
		return domain.ErrNotFound
	}
	entry.meta.State = outcome
	delete(w.entries, id)
	w.mu.Unlock()

	admitted := outcome == domain.WaitingAdmitted
	if w.identity.Role().Privileged() {
		env, err := domain.NewEnvelope(domain.MsgAdmitDecision, w.session, w.identity.SelfID(), domain.AdmitDecisionPayload{
			Target:   id,
			Admitted: admitted,
			Expired:  outcome == domain.WaitingExpired,
		})
		if err != nil {
			return err
		}
		// Broadcast: session members mirror the outcome and the hub relays
		// it to the requester as well.
		w.send(env)
	}

	if admitted && w.onAdmit != nil {
		w.onAdmit(id, entry.join)
	}
	log.Info().Str("module", "app.waiting").Str("participant", string(id)).
		Str("outcome", string(outcome)).Msg("admission decided")
	return nil
}

// sweep auto-denies entries older than the TTL. Each entry expires exactly
// once: removal under the decide lock guarantees it.
func (w *WaitingRoom) sweep(now time.Time) {
	w.mu.Lock()
	var expired []domain.ParticipantID
	for id, e := range w.entries {
		if now.Sub(e.meta.ArrivedAt) >= w.cfg.EntryTTL {
			expired = append(expired, id)
		}
	}
	w.mu.Unlock()

	for _, id := range expired {
		if err := w.decide(id, domain.WaitingExpired, true); err == nil {
			log.Info().Str("module", "app.waiting").Str("participant", string(id)).Msg("entry expired")
		}
	}
}

// DenyAll denies every pending entry; used when the call ends while the
// waiting room still holds requests.
func (w *WaitingRoom) DenyAll() {
	w.mu.Lock()
	ids := lo.Keys(w.entries)
	w.mu.Unlock()
	for _, id := range ids {
		_ = w.decide(id, domain.WaitingDenied, true)
	}
}

func sortByArrival(entries []domain.WaitingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ArrivedAt.Before(entries[j].ArrivedAt)
	})
}
