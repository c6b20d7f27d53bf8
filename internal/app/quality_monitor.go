package app

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// MonitorHooks connect the monitor back to the session manager without a
// direct dependency, so tests can drive it with fakes.
type MonitorHooks struct {
	// Links returns the currently active peer links.
	Links func() map[domain.ParticipantID]core.PeerLink
	// Reconnect tears down and recreates one peer link.
	Reconnect func(ctx context.Context, peer domain.ParticipantID) error
	// Drop removes a peer whose reconnection attempts are exhausted.
	Drop func(peer domain.ParticipantID, cause error)
	// Report records the classified level for one peer in the local view.
	Report func(peer domain.ParticipantID, level domain.QualityLevel)
	// Overall broadcasts the worst level across links as own quality.
	Overall func(level domain.QualityLevel)
}

type peerHealth struct {
	window       []domain.QualitySample
	lastSuccess  time.Time
	streak       int
	attempts     int
	reconnecting bool
}

// Monitor samples every active peer link on a fixed interval, classifies
// quality from a rolling window, and drives the per-peer reconnection
// policy. A single poor sample never triggers reconnection; only a streak
// does, and attempts are capped with backoff. Exhaustion drops that peer
// alone, never the session.
type Monitor struct {
	cfg   config.QualityConfig
	hooks MonitorHooks

	mu    sync.Mutex
	peers map[domain.ParticipantID]*peerHealth
}

func NewMonitor(cfg config.QualityConfig, hooks MonitorHooks) *Monitor {
	return &Monitor{
		cfg:   cfg,
		hooks: hooks,
		peers: make(map[domain.ParticipantID]*peerHealth),
	}
}

// Run ticks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.SampleInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one sampling round. Exposed for tests.
func (m *Monitor) Tick(ctx context.Context) {
	links := m.hooks.Links()
	if len(links) == 0 {
		return
	}

	now := time.Now()
	worst := domain.QualityExcellent
	for id, link := range links {
		level := m.samplePeer(ctx, id, link, now)
		if qualityWorse(level, worst) {
			worst = level
		}
	}
	if m.hooks.Overall != nil {
		m.hooks.Overall(worst)
	}

	m.gc(links)
}

func (m *Monitor) samplePeer(ctx context.Context, id domain.ParticipantID, link core.PeerLink, now time.Time) domain.QualityLevel {
	sampleCtx, cancel := context.WithTimeout(ctx, time.Second)
	sample, err := link.Stats(sampleCtx)
	cancel()

	m.mu.Lock()
	h, ok := m.peers[id]
	if !ok {
		h = &peerHealth{lastSuccess: now}
		m.peers[id] = h
	}

	if err == nil {
		sample.At = now
		h.lastSuccess = now
		h.window = append(h.window, sample)
		if max := m.windowSize(); len(h.window) > max {
			h.window = h.window[len(h.window)-max:]
		}
	}

	level := domain.Classify(h.window)
	if err != nil && now.Sub(h.lastSuccess) >= m.cfg.GracePeriod {
		// No successful sample within the grace period.
		level = domain.QualityDisconnected
		h.window = nil
	}

	if level == domain.QualityPoor || level == domain.QualityDisconnected {
		h.streak++
	} else {
		h.streak = 0
		h.attempts = 0
	}

	shouldReconnect := h.streak >= m.cfg.PoorStreak && !h.reconnecting
	attempts := h.attempts
	if shouldReconnect {
		if attempts >= m.cfg.ReconnectCap {
			delete(m.peers, id)
			m.mu.Unlock()
			m.hooks.Report(id, domain.QualityDisconnected)
			m.hooks.Drop(id, domain.ErrPeerUnreachable)
			return domain.QualityDisconnected
		}
		h.attempts++
		h.reconnecting = true
		h.streak = 0
	}
	m.mu.Unlock()

	m.hooks.Report(id, level)

	if shouldReconnect {
		go m.runReconnect(ctx, id, attempts)
	}
	return level
}

// runReconnect waits out the backoff for this attempt then recreates the
// link. Backoff doubles per attempt with jitter.
func (m *Monitor) runReconnect(ctx context.Context, id domain.ParticipantID, attempt int) {
	defer func() {
		m.mu.Lock()
		if h, ok := m.peers[id]; ok {
			h.reconnecting = false
		}
		m.mu.Unlock()
	}()

	delay := backoffDelay(m.cfg.ReconnectBase, attempt)
	log.Info().Str("module", "app.monitor").Str("peer", string(id)).
		Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnect scheduled")

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := m.hooks.Reconnect(ctx, id); err != nil {
		log.Error().Err(err).Str("module", "app.monitor").Str("peer", string(id)).Msg("reconnect failed")
	}
}

// gc forgets peers whose links are gone.
func (m *Monitor) gc(links map[domain.ParticipantID]core.PeerLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.peers {
		if _, ok := links[id]; !ok {
			delete(m.peers, id)
		}
	}
}

func (m *Monitor) windowSize() int {
	if m.cfg.WindowSize <= 0 {
		return 5
	}
	return m.cfg.WindowSize
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt)
	// 50-150% jitter to avoid synchronized retries.
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

var qualityOrder = map[domain.QualityLevel]int{
	domain.QualityExcellent:    0,
	domain.QualityGood:         1,
	domain.QualityPoor:         2,
	domain.QualityDisconnected: 3,
}

func qualityWorse(a, b domain.QualityLevel) bool { return qualityOrder[a] > qualityOrder[b] }
