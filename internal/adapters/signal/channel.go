// Package signal implements the websocket signaling channel to the
// coordination server: per-sender sequence stamping, a bounded outbound
// queue with priority shedding, and reconnection with exponential backoff.
package signal

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const pingInterval = 45 * time.Second

// Channel is a core.SignalTransport over one websocket connection. One
// logical channel serves every call session the user participates in;
// envelopes are tagged with their session id.
type Channel struct {
	cfg   config.SignalConfig
	self  domain.ParticipantID
	url   string
	token string

	// Dialer is swappable for tests.
	Dialer *websocket.Dialer

	seq atomic.Uint64

	mu    sync.Mutex
	queue []domain.Envelope
	wake  chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	inbound chan domain.Envelope
	events  chan core.ChannelEvent

	closeOnce sync.Once
	done      chan struct{}
}

func NewChannel(cfg config.SignalConfig, self domain.ParticipantID, url, token string) *Channel {
	return &Channel{
		cfg:     cfg,
		self:    self,
		url:     url,
		token:   token,
		Dialer:  websocket.DefaultDialer,
		wake:    make(chan struct{}, 1),
		inbound: make(chan domain.Envelope, 256),
		events:  make(chan core.ChannelEvent, 8),
		done:    make(chan struct{}),
	}
}

func (c *Channel) Inbound() <-chan domain.Envelope { return c.inbound }
func (c *Channel) Events() <-chan core.ChannelEvent { return c.events }

// Send stamps sender, sequence and timestamp, then queues the envelope.
// When the queue is full the oldest non-critical message is shed first;
// critical messages are never dropped, the caller is only informed of the
// backlog via domain.ErrBacklog.
func (c *Channel) Send(env domain.Envelope) (domain.Envelope, error) {
	if env.SenderID == "" {
		env.SenderID = c.self
	}
	env.V = domain.EnvelopeVersion
	env.Seq = c.seq.Add(1)
	if env.TS == 0 {
		env.TS = time.Now().UnixMilli()
	}

	var err error
	c.mu.Lock()
	if len(c.queue) >= c.cfg.QueueSize {
		if !c.shedLocked() {
			if !env.Type.Critical() {
				c.mu.Unlock()
				return env, domain.ErrBacklog
			}
			err = domain.ErrBacklog
		}
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	if err != nil {
		c.emit(core.ChannelEvent{Kind: core.ChannelBacklogged, Err: err})
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return env, err
}

// shedLocked drops the oldest non-critical queued message, if any.
func (c *Channel) shedLocked() bool {
	for i, e := range c.queue {
		if !e.Type.Critical() {
			log.Warn().Str("module", "signal").Str("type", string(e.Type)).Msg("queue full, shedding")
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Run drives the connect/read loop until ctx is canceled, Close is called,
// or the reconnection window is exhausted (ChannelLost).
func (c *Channel) Run(ctx context.Context) {
	defer close(c.inbound)

	attempt := 0
	var downSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		conn, resp, err := c.Dialer.DialContext(ctx, c.url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if downSince.IsZero() {
				downSince = time.Now()
			}
			if time.Since(downSince) > c.cfg.ReconnectLimit {
				log.Error().Err(err).Str("module", "signal").Msg("reconnection window exhausted")
				c.emit(core.ChannelEvent{Kind: core.ChannelLost, Err: domain.ErrChannelLost})
				return
			}
			delay := dialBackoff(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
			attempt++
			log.Warn().Err(err).Str("module", "signal").Dur("retry_in", delay).Msg("dial failed")
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		downSince = time.Time{}
		c.setConn(conn)
		c.emit(core.ChannelEvent{Kind: core.ChannelConnected})
		log.Info().Str("module", "signal").Str("url", c.url).Msg("channel connected")

		writeCtx, stopWrite := context.WithCancel(ctx)
		go c.writePump(writeCtx, conn)
		c.readPump(ctx, conn)
		stopWrite()
		c.setConn(nil)
		_ = conn.Close()

		select {
		case <-c.done:
			return
		default:
		}
		c.emit(core.ChannelEvent{Kind: core.ChannelDisconnected})
		downSince = time.Now()
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.wake:
			if !c.flush(conn) {
				return
			}
		}
	}
}

// flush writes queued envelopes in order. On write failure the envelope is
// requeued at the front so retry preserves per-sender ordering.
func (c *Channel) flush(conn *websocket.Conn) bool {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		env := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		data, err := domain.EncodeEnvelope(env)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("encode envelope")
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("write failed, requeueing")
			c.mu.Lock()
			c.queue = append([]domain.Envelope{env}, c.queue...)
			c.mu.Unlock()
			return false
		}
	}
}

func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("read error")
			return
		}
		env, err := domain.DecodeEnvelope(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad envelope skipped")
			continue
		}
		select {
		case c.inbound <- env:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Channel) emit(ev core.ChannelEvent) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("module", "signal").Str("event", string(ev.Kind)).Msg("event dropped, consumer slow")
	}
}

// Close stops the channel for good.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()
	})
}

func dialBackoff(base, ceil time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	if ceil <= 0 {
		ceil = 30 * time.Second
	}
	d := base << uint(attempt)
	if d > ceil || d <= 0 {
		d = ceil
	}
	// 50-150% jitter.
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
