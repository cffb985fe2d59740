// Package relay is a development signaling relay for interview rooms. It
// keeps rooms in memory and forwards the message contract between clients.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/liveroom/internal/config"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// wsConn is one client websocket. It implements core.SignalConnection.
type wsConn struct {
	id   string
	user domain.UserID
	role domain.Role
	// hint is the room named in the handshake query, if any.
	hint domain.SessionID
	conn *websocket.Conn
	send chan core.Frame

	// room is touched only by the connection's read pump.
	room *Room

	// strikes counts overflows since the last frame that fit.
	strikes atomic.Int32

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		c.strikes.Store(0)
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
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

// joined returns the room c is a live member of.
func (c *wsConn) joined() *Room {
	if c.room == nil || !c.room.IsMember(c.user, c) {
		return nil
	}
	return c.room
}

type Server struct {
	cfg      *config.Config
	rooms    *Rooms
	limiter  *RoomRateLimiter
	presence Presence
	policy   Policy
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, presence Presence) *Server {
	if presence == nil {
		presence = NopPresence{}
	}
	return &Server{
		cfg:      cfg,
		rooms:    NewRooms(),
		limiter:  NewRoomRateLimiter(cfg.Relay.JoinRateLimit, cfg.Relay.JoinRateInterval),
		presence: presence,
		policy:   StrikePolicy{Limit: cfg.Relay.BackpressureStrikes},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Stats() Stats { return s.rooms.Stats() }

// HandleWS upgrades an authenticated request. JWTAuth must run first.
func (s *Server) HandleWS(ctx context.Context, c *gin.Context) {
	uid, _ := c.Get("user_id")
	role, _ := c.Get("role")
	user, _ := uid.(domain.UserID)
	r, _ := role.(domain.Role)
	if user == "" || r == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	conn := &wsConn{
		id:   uuid.NewString(),
		user: user,
		role: r,
		hint: domain.SessionID(c.Query("room")),
		conn: ws,
		send: make(chan core.Frame, s.cfg.Relay.SendBuffer),
	}
	log.Info().
		Str("module", "relay").
		Str("conn", conn.id).
		Str("user", string(user)).
		Str("role", string(r)).
		Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go s.writePump(ctx, conn)
	go s.readPump(ctx, cancel, conn)
}

func (s *Server) sendJSON(c *wsConn, kind core.Kind, payload any) {
	m, err := core.NewMessage(kind, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	s.deliver(c.room, c, m)
}

func (s *Server) deliver(room *Room, c *wsConn, m core.Message) {
	f, err := encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode")
		return
	}
	if err := c.TrySend(f); err != nil {
		s.onDropped(room, c, err)
	}
}

// sendTo routes m to uid inside room.
func (s *Server) sendTo(room *Room, uid domain.UserID, m core.Message) error {
	f, err := encode(m)
	if err != nil {
		return err
	}
	target, err := room.SendTo(uid, f)
	if target != nil && err != nil {
		s.onDropped(room, target, err)
	}
	return err
}

func (s *Server) broadcast(room *Room, from domain.UserID, m core.Message) {
	f, err := encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode")
		return
	}
	res := room.Broadcast(from, f)
	for _, c := range res.Dropped {
		s.onDropped(room, c, ErrBackpressure)
	}
}

func (s *Server) onDropped(room *Room, c *wsConn, err error) {
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	action := s.policy.OnBackPressure(c)
	ev := log.Debug()
	if action == KickMember {
		ev = log.Warn()
	}
	if room != nil {
		ev = ev.Str("session", string(room.ID()))
	}
	ev.Str("module", "relay").
		Str("user", string(c.user)).
		Stringer("action", action).
		Int32("strikes", c.strikes.Load()).
		Msg("member backpressure")
	if action == KickMember {
		c.Close()
	}
}

func (s *Server) presenceCall(room domain.SessionID, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("session", string(room)).Msg("presence update failed")
	}
}
