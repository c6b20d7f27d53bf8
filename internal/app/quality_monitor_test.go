package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type monitorHarness struct {
	mu         sync.Mutex
	links      map[domain.ParticipantID]core.PeerLink
	reconnects []domain.ParticipantID
	drops      []domain.ParticipantID
	reports    map[domain.ParticipantID]domain.QualityLevel
	overall    domain.QualityLevel
}

func newMonitorHarness(links ...*fakeLink) *monitorHarness {
	h := &monitorHarness{
		links:   make(map[domain.ParticipantID]core.PeerLink),
		reports: make(map[domain.ParticipantID]domain.QualityLevel),
	}
	for _, l := range links {
		h.links[l.id] = l
	}
	return h
}

func (h *monitorHarness) hooks() MonitorHooks {
	return MonitorHooks{
		Links: func() map[domain.ParticipantID]core.PeerLink {
			h.mu.Lock()
			defer h.mu.Unlock()
			out := make(map[domain.ParticipantID]core.PeerLink, len(h.links))
			for k, v := range h.links {
				out[k] = v
			}
			return out
		},
		Reconnect: func(_ context.Context, peer domain.ParticipantID) error {
			h.mu.Lock()
			h.reconnects = append(h.reconnects, peer)
			h.mu.Unlock()
			return nil
		},
		Drop: func(peer domain.ParticipantID, _ error) {
			h.mu.Lock()
			h.drops = append(h.drops, peer)
			delete(h.links, peer)
			h.mu.Unlock()
		},
		Report: func(peer domain.ParticipantID, level domain.QualityLevel) {
			h.mu.Lock()
			h.reports[peer] = level
			h.mu.Unlock()
		},
		Overall: func(level domain.QualityLevel) {
			h.mu.Lock()
			h.overall = level
			h.mu.Unlock()
		},
	}
}

func (h *monitorHarness) reconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reconnects)
}

func (h *monitorHarness) dropCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.drops)
}

func poorSample() (domain.QualitySample, error) {
	return domain.QualitySample{RTT: 2 * time.Second, PacketLoss: 0.3, At: time.Now()}, nil
}

func monitorConfig() config.QualityConfig {
	return config.QualityConfig{
		SampleInterval: time.Hour, // ticks are driven manually
		WindowSize:     3,
		PoorStreak:     2,
		GracePeriod:    time.Minute,
		ReconnectCap:   2,
		ReconnectBase:  time.Millisecond,
	}
}

func TestMonitorReportsLevels(t *testing.T) {
	good := newFakeLink("alice")
	bad := newFakeLink("bob")
	bad.statsFn = poorSample
	h := newMonitorHarness(good, bad)
	mon := NewMonitor(monitorConfig(), h.hooks())

	mon.Tick(context.Background())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, domain.QualityExcellent, h.reports["alice"])
	assert.Equal(t, domain.QualityPoor, h.reports["bob"])
	assert.Equal(t, domain.QualityPoor, h.overall, "own level is the worst across links")
}

func TestMonitorSinglePoorSampleDoesNotReconnect(t *testing.T) {
	bad := newFakeLink("bob")
	bad.statsFn = poorSample
	h := newMonitorHarness(bad)
	mon := NewMonitor(monitorConfig(), h.hooks())

	mon.Tick(context.Background())
	assert.Never(t, func() bool { return h.reconnectCount() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestMonitorReconnectsAfterStreakThenDrops(t *testing.T) {
	bad := newFakeLink("bob")
	bad.statsFn = poorSample
	h := newMonitorHarness(bad)
	mon := NewMonitor(monitorConfig(), h.hooks())
	ctx := context.Background()

	// A sustained poor streak first triggers capped reconnect attempts.
	mon.Tick(ctx)
	require.Eventually(t, func() bool {
		mon.Tick(ctx)
		return h.reconnectCount() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.dropCount())

	// Attempts exhausted: the peer is dropped, not reconnected again.
	require.Eventually(t, func() bool {
		mon.Tick(ctx)
		return h.dropCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.reconnectCount(), "reconnects are capped")

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []domain.ParticipantID{"bob"}, h.drops)
	assert.Equal(t, domain.QualityDisconnected, h.reports["bob"])
}

func TestMonitorRecoveryResetsStreak(t *testing.T) {
	var poor bool
	var mu sync.Mutex
	link := newFakeLink("bob")
	link.statsFn = func() (domain.QualitySample, error) {
		mu.Lock()
		defer mu.Unlock()
		if poor {
			return poorSample()
		}
		return domain.QualitySample{RTT: 40 * time.Millisecond, At: time.Now()}, nil
	}
	h := newMonitorHarness(link)
	cfg := monitorConfig()
	cfg.WindowSize = 1
	mon := NewMonitor(cfg, h.hooks())
	ctx := context.Background()

	mu.Lock()
	poor = true
	mu.Unlock()
	mon.Tick(ctx)

	// A good sample between poor ones keeps the streak below the threshold.
	mu.Lock()
	poor = false
	mu.Unlock()
	mon.Tick(ctx)

	mu.Lock()
	poor = true
	mu.Unlock()
	mon.Tick(ctx)

	assert.Never(t, func() bool { return h.reconnectCount() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}
