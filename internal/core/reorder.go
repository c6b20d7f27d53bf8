package core

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
)

// ReorderBuffer restores per-sender sequence order for the subset of a
// sender's stream that is visible here. Senders stamp one counter across
// targeted and broadcast envelopes, so a receiver legitimately never sees
// the seqs that were targeted at someone else: the first arrival anchors
// the stream, and a gap is only waited on for a bounded hold time before
// delivery resumes past it. Duplicates (seq already released) are dropped.
// The buffer is also size-bounded: when more than window envelopes are
// pending, the gap is abandoned immediately. Not safe for concurrent use;
// callers serialize per sender.
type ReorderBuffer struct {
	sender  domain.ParticipantID
	next    uint64 // 0 until the first arrival anchors the stream
	pending map[uint64]heldEnvelope
	window  int
	hold    time.Duration
}

type heldEnvelope struct {
	env domain.Envelope
	at  time.Time
}

func NewReorderBuffer(sender domain.ParticipantID, window int, hold time.Duration) *ReorderBuffer {
	if window <= 0 {
		window = 64
	}
	if hold <= 0 {
		hold = 500 * time.Millisecond
	}
	return &ReorderBuffer{
		sender:  sender,
		pending: make(map[uint64]heldEnvelope),
		window:  window,
		hold:    hold,
	}
}

// Offer accepts one arrival and returns the envelopes now deliverable, in
// sequence order. A duplicate or stale arrival returns nil.
func (b *ReorderBuffer) Offer(env domain.Envelope) []domain.Envelope {
	if b.next == 0 {
		b.next = env.Seq
	}
	if env.Seq < b.next {
		log.Debug().Str("module", "core.reorder").Str("sender", string(b.sender)).
			Uint64("seq", env.Seq).Uint64("next", b.next).Msg("duplicate dropped")
		return nil
	}
	if _, ok := b.pending[env.Seq]; ok {
		return nil
	}
	b.pending[env.Seq] = heldEnvelope{env: env, at: time.Now()}

	out := b.drain()
	if len(b.pending) > b.window {
		// Size bound exceeded: skip the gap and resume from the lowest
		// buffered seq so one unseen message cannot stall the stream.
		lowest := b.lowestPending()
		log.Warn().Str("module", "core.reorder").Str("sender", string(b.sender)).
			Uint64("from", b.next).Uint64("to", lowest).Msg("reorder window exceeded, skipping gap")
		b.next = lowest
		out = append(out, b.drain()...)
	}
	return out
}

// Flush releases envelopes that have been held past the hold bound. A gap
// in the visible stream usually means the missing seqs were targeted at
// other participants, so the wait for them is time-bounded.
func (b *ReorderBuffer) Flush(now time.Time) []domain.Envelope {
	if len(b.pending) == 0 {
		return nil
	}
	oldest := now
	for _, h := range b.pending {
		if h.at.Before(oldest) {
			oldest = h.at
		}
	}
	if now.Sub(oldest) < b.hold {
		return nil
	}
	lowest := b.lowestPending()
	log.Debug().Str("module", "core.reorder").Str("sender", string(b.sender)).
		Uint64("from", b.next).Uint64("to", lowest).Msg("hold bound reached, releasing past gap")
	b.next = lowest
	return b.drain()
}

// Next returns the next expected sequence number.
func (b *ReorderBuffer) Next() uint64 { return b.next }

func (b *ReorderBuffer) drain() []domain.Envelope {
	var out []domain.Envelope
	for {
		h, ok := b.pending[b.next]
		if !ok {
			return out
		}
		delete(b.pending, b.next)
		b.next++
		out = append(out, h.env)
	}
}

func (b *ReorderBuffer) lowestPending() uint64 {
	var lowest uint64
	for seq := range b.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest
}
