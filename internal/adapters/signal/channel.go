// Package signal is the client side of the relay: a websocket scoped to one room.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrNotConnected     = errors.New("signal channel not connected")
	ErrAlreadyConnected = errors.New("signal channel already connected")
	ErrClosed           = errors.New("signal channel closed")
)

const writeWait = 5 * time.Second

type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL        string
	PingPeriod time.Duration
	ReadLimit  int64
	SendBuffer int
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Channel implements core.SignalChannel.
type Channel struct {
	opts Options
	msgs chan core.Message
	send chan core.Frame
	done chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewChannel(opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		opts: opts,
		msgs: make(chan core.Message, opts.SendBuffer),
		send: make(chan core.Frame, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Channel) Connect(ctx context.Context, room domain.SessionID, authToken string) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.conn != nil:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", string(room))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	ws, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.conn = ws
	c.mu.Unlock()

	pongWait := c.opts.PingPeriod * 3 / 2
	ws.SetReadLimit(c.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	log.Info().Str("module", "signal").Str("session", string(room)).Msg("connected to relay")
	go c.writePump(ws)
	go c.readPump(ws, room)
	return nil
}

func (c *Channel) Messages() <-chan core.Message { return c.msgs }

// Send queues m for the relay. It never blocks.
func (c *Channel) Send(m core.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.conn == nil:
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close drops the connection without producing a disconnected message.
// Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.conn
	close(c.done)
	c.mu.Unlock()

	if ws == nil {
		close(c.msgs)
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return ws.Close()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) writePump(ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				_ = ws.Close()
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				_ = ws.Close()
				return
			}
		}
	}
}

// readPump owns msgs: it is the only writer and closes it on exit.
func (c *Channel) readPump(ws *websocket.Conn, room domain.SessionID) {
	defer close(c.msgs)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				log.Info().Str("module", "signal").Str("session", string(room)).Msg("readPump closed locally")
				return
			}
			log.Warn().Err(err).Str("module", "signal").Str("session", string(room)).Msg("readPump read error")
			_ = ws.Close()
			c.deliver(core.Message{Type: core.KindDisconnected})
			return
		}
		var m core.Message
		if err := json.Unmarshal(data, &m); err != nil || m.Type == "" {
			log.Warn().Err(err).Str("module", "signal").Msg("bad frame from relay")
			continue
		}
		log.Debug().Str("module", "signal").Str("type", string(m.Type)).Msg("message")
		if !c.deliver(m) {
			return
		}
	}
}

func (c *Channel) deliver(m core.Message) bool {
	select {
	case c.msgs <- m:
		return true
	case <-c.done:
		return false
	}
}
