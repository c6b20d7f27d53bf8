// Package server is the coordination side of the signaling channel: it
// authenticates clients, relays envelopes between call participants, and
// tracks which participant belongs to which session.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Huddle/internal/domain"
)

type inboundFrame struct {
	from *Client
	data []byte
}

// SessionInfo is the admin view of one active session.
type SessionInfo struct {
	ID           domain.CallID          `json:"id"`
	Participants []domain.ParticipantID `json:"participants"`
}

// Hub relays envelopes between clients. A single dispatch goroutine
// processes frames in arrival order, so the per-sender ordering a client
// put on the wire survives fan-out.
type Hub struct {
	limiter *JoinRateLimiter

	mu       sync.RWMutex
	clients  map[domain.ParticipantID]*Client
	sessions map[domain.CallID]map[domain.ParticipantID]struct{}

	dispatch chan inboundFrame
}

func NewHub(joinLimit int, joinWindow time.Duration) *Hub {
	return &Hub{
		limiter:  NewJoinRateLimiter(joinLimit, joinWindow),
		clients:  make(map[domain.ParticipantID]*Client),
		sessions: make(map[domain.CallID]map[domain.ParticipantID]struct{}),
		dispatch: make(chan inboundFrame, 512),
	}
}

// Run processes inbound frames until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-h.dispatch:
			h.route(f)
		}
	}
}

// Register binds a freshly upgraded connection and starts its pumps. An
// existing connection for the same participant is displaced.
func (h *Hub) Register(ctx context.Context, c *Client) {
	h.mu.Lock()
	if old, ok := h.clients[c.id]; ok {
		old.Close()
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	log.Info().Str("module", "server").Str("participant", string(c.id)).Msg("client registered")

	go c.writePump(ctx)
	go c.readPump(ctx, h)
}

// Unregister drops a client and removes it from every session.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	for sid, members := range h.sessions {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.sessions, sid)
		}
	}
	h.mu.Unlock()
	c.Close()
}

// Ingest hands one raw frame to the dispatch loop. Full dispatch queue
// drops the frame; clients retry through their own queues.
func (h *Hub) Ingest(c *Client, data []byte) {
	select {
	case h.dispatch <- inboundFrame{from: c, data: data}:
	default:
		log.Warn().Str("module", "server").Str("participant", string(c.id)).Msg("dispatch queue full, frame dropped")
	}
}

func (h *Hub) route(f inboundFrame) {
	env, err := domain.DecodeEnvelope(f.data)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("bad envelope")
		return
	}
	// The authenticated connection is the source of truth for identity.
	if env.SenderID != f.from.id {
		log.Warn().Str("module", "server").Str("claimed", string(env.SenderID)).
			Str("actual", string(f.from.id)).Msg("sender spoof rejected")
		return
	}

	switch env.Type {
	case domain.MsgJoin:
		if !h.limiter.Allow(f.from.id) {
			log.Warn().Str("module", "server").Str("participant", string(f.from.id)).Msg("join rate limited")
			return
		}
		var p domain.JoinPayload
		_ = domain.DecodePayload(env, &p)
		// A cold join request to a live session stays outside the fan-out
		// scope until a member admits it; invites, accepted joins and the
		// session-creating join enter directly.
		if p.Accept || env.To != "" || !h.hasSession(env.SessionID) || h.isMember(env.SessionID, f.from.id) {
			h.joinSession(env.SessionID, f.from.id)
		}
	case domain.MsgLeave:
		h.leaveSession(env.SessionID, f.from.id)
	case domain.MsgAdmitDecision:
		h.routeAdmit(f, env)
		return
	case domain.MsgPing:
		h.pong(f.from, env)
		return
	}

	h.deliver(env, f.data)
}

// routeAdmit relays an admission decision to the session members and to
// the requester, who is not a member yet. An admitted requester enters the
// session scope.
func (h *Hub) routeAdmit(f inboundFrame, env domain.Envelope) {
	var p domain.AdmitDecisionPayload
	if err := domain.DecodePayload(env, &p); err != nil || p.Target == "" {
		return
	}
	if !h.isMember(env.SessionID, f.from.id) {
		log.Warn().Str("module", "server").Str("participant", string(f.from.id)).Msg("admit decision from non-member dropped")
		return
	}

	h.mu.RLock()
	var targets []*Client
	for id := range h.sessions[env.SessionID] {
		if id == env.SenderID || id == p.Target {
			continue
		}
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	if c, ok := h.clients[p.Target]; ok {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if p.Admitted {
		h.joinSession(env.SessionID, p.Target)
	}
	for _, c := range targets {
		if err := c.TrySend(f.data); err != nil {
			log.Warn().Err(err).Str("module", "server").
				Str("to", string(c.id)).Msg("admit delivery failed")
		}
	}
}

func (h *Hub) hasSession(sid domain.CallID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[sid]
	return ok
}

func (h *Hub) isMember(sid domain.CallID, id domain.ParticipantID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members, ok := h.sessions[sid]
	if !ok {
		return false
	}
	_, ok = members[id]
	return ok
}

func (h *Hub) joinSession(sid domain.CallID, id domain.ParticipantID) {
	h.mu.Lock()
	members, ok := h.sessions[sid]
	if !ok {
		members = make(map[domain.ParticipantID]struct{})
		h.sessions[sid] = members
	}
	members[id] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leaveSession(sid domain.CallID, id domain.ParticipantID) {
	h.mu.Lock()
	if members, ok := h.sessions[sid]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.sessions, sid)
		}
	}
	h.mu.Unlock()
}

// deliver forwards the raw frame: targeted when To is set, otherwise to
// every session member except the sender. Targeted delivery works even
// before the recipient joins the session, which is how invites reach
// idle participants.
func (h *Hub) deliver(env domain.Envelope, data []byte) {
	h.mu.RLock()
	var targets []*Client
	if env.To != "" {
		if c, ok := h.clients[env.To]; ok {
			targets = append(targets, c)
		}
	} else {
		for id := range h.sessions[env.SessionID] {
			if id == env.SenderID {
				continue
			}
			if c, ok := h.clients[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "server").
				Str("to", string(c.id)).Str("type", string(env.Type)).Msg("delivery failed")
		}
	}
}

func (h *Hub) pong(c *Client, ping domain.Envelope) {
	env, err := domain.NewEnvelope(domain.MsgPong, ping.SessionID, "", nil)
	if err != nil {
		return
	}
	env.To = ping.SenderID
	env.Seq = ping.Seq
	data, err := domain.EncodeEnvelope(env)
	if err != nil {
		return
	}
	_ = c.TrySend(data)
}

// Sessions returns the active sessions for the admin endpoint.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.MapToSlice(h.sessions, func(sid domain.CallID, members map[domain.ParticipantID]struct{}) SessionInfo {
		return SessionInfo{ID: sid, Participants: lo.Keys(members)}
	})
}

// JoinRateLimiter bounds join attempts per participant in a sliding window.
type JoinRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
}

func NewJoinRateLimiter(limit int, interval time.Duration) *JoinRateLimiter {
	return &JoinRateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *JoinRateLimiter) Allow(id domain.ParticipantID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		return false
	}

	fresh = append(fresh, now)
	rl.history[id] = fresh
	return true
}
