package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// Client is one connected participant on the coordination server.
type Client struct {
	id   domain.ParticipantID
	name string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newClient(id domain.ParticipantID, name string, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		name: name,
		conn: conn,
		send: make(chan []byte, 64),
	}
}

func (c *Client) ID() domain.ParticipantID { return c.id }

// TrySend queues data for the write pump without blocking. A slow reader
// gets ErrBackpressure instead of stalling the hub.
func (c *Client) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "server").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "server").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, h *Hub) {
	defer func() {
		log.Info().Str("module", "server").Str("participant", string(c.id)).Msg("readPump closing")
		h.Unregister(c)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			h.Ingest(c, data)
		}
	}
}
