package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func testConfig() config.SignalConfig {
	return config.SignalConfig{
		QueueSize:      4,
		ReorderWindow:  64,
		BackoffBase:    10 * time.Millisecond,
		BackoffCap:     50 * time.Millisecond,
		ReconnectLimit: 30 * time.Second,
		WriteTimeout:   time.Second,
	}
}

// echoServer upgrades connections, records received envelopes and can push
// envelopes back to the client.
type echoServer struct {
	t  *testing.T
	mu sync.Mutex

	received []domain.Envelope
	conn     *websocket.Conn
	auth     string
}

func newEchoServer(t *testing.T) (*echoServer, string) {
	s := &echoServer{t: t}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := domain.DecodeEnvelope(data)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, env)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *echoServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *echoServer) envelope(i int) domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[i]
}

func (s *echoServer) push(t *testing.T, env domain.Envelope) {
	t.Helper()
	data, err := domain.EncodeEnvelope(env)
	require.NoError(t, err)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestSendStampsSenderAndSequence(t *testing.T) {
	c := NewChannel(testConfig(), "alice", "ws://unused", "")
	defer c.Close()

	for i := uint64(1); i <= 3; i++ {
		stamped, err := c.Send(domain.Envelope{Type: domain.MsgOffer, SessionID: "call-1"})
		require.NoError(t, err)
		assert.Equal(t, i, stamped.Seq)
		assert.Equal(t, domain.ParticipantID("alice"), stamped.SenderID)
		assert.Equal(t, domain.EnvelopeVersion, stamped.V)
		assert.NotZero(t, stamped.TS)
	}
}

func TestQueueShedsNonCriticalFirst(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	c := NewChannel(cfg, "alice", "ws://unused", "")
	defer c.Close()

	_, err := c.Send(domain.Envelope{Type: domain.MsgQualityReport})
	require.NoError(t, err)
	_, err = c.Send(domain.Envelope{Type: domain.MsgOffer})
	require.NoError(t, err)

	// Queue full: the oldest non-critical entry makes room.
	_, err = c.Send(domain.Envelope{Type: domain.MsgAnswer})
	require.NoError(t, err)

	c.mu.Lock()
	types := make([]domain.MessageType, 0, len(c.queue))
	for _, e := range c.queue {
		types = append(types, e.Type)
	}
	c.mu.Unlock()
	assert.Equal(t, []domain.MessageType{domain.MsgOffer, domain.MsgAnswer}, types)
}

func TestQueueNeverDropsCritical(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	c := NewChannel(cfg, "alice", "ws://unused", "")
	defer c.Close()

	_, err := c.Send(domain.Envelope{Type: domain.MsgOffer})
	require.NoError(t, err)
	_, err = c.Send(domain.Envelope{Type: domain.MsgAnswer})
	require.NoError(t, err)

	// Nothing sheddable: the critical message is queued anyway and the
	// caller is informed of the backlog.
	stamped, err := c.Send(domain.Envelope{Type: domain.MsgLeave})
	assert.ErrorIs(t, err, domain.ErrBacklog)
	assert.NotZero(t, stamped.Seq)

	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	assert.Equal(t, 3, queued)

	// A non-critical message with a full critical queue is dropped.
	_, err = c.Send(domain.Envelope{Type: domain.MsgQualityReport})
	assert.ErrorIs(t, err, domain.ErrBacklog)
	c.mu.Lock()
	queued = len(c.queue)
	c.mu.Unlock()
	assert.Equal(t, 3, queued)
}

func TestChannelDeliversInOrder(t *testing.T) {
	srv, url := newEchoServer(t)
	c := NewChannel(testConfig(), "alice", url, "token-1")
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		select {
		case ev := <-c.Events():
			return ev.Kind == core.ChannelConnected
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := c.Send(domain.Envelope{Type: domain.MsgOffer, SessionID: "call-1"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return srv.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint64(i+1), srv.envelope(i).Seq)
	}

	srv.mu.Lock()
	auth := srv.auth
	srv.mu.Unlock()
	assert.Equal(t, "Bearer token-1", auth)

	// Inbound path: a server push surfaces on Inbound.
	srv.push(t, domain.Envelope{V: 1, Type: domain.MsgJoin, SessionID: "call-1", SenderID: "bob", Seq: 1})
	select {
	case env := <-c.Inbound():
		assert.Equal(t, domain.MsgJoin, env.Type)
		assert.Equal(t, domain.ParticipantID("bob"), env.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound envelope not delivered")
	}
}

func TestChannelLostAfterReconnectWindow(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectLimit = 50 * time.Millisecond
	// No server listening here.
	c := NewChannel(cfg, "alice", "ws://127.0.0.1:1", "")
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == core.ChannelLost {
				assert.ErrorIs(t, ev.Err, domain.ErrChannelLost)
				return
			}
		case <-deadline:
			t.Fatal("channel lost event not emitted")
		}
	}
}

func TestDialBackoffIsCappedWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	ceil := time.Second
	for attempt := 0; attempt < 20; attempt++ {
		d := dialBackoff(base, ceil, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.5))
		assert.LessOrEqual(t, d, time.Duration(float64(ceil)*1.5))
	}
}
