package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func encode(m core.Message) (core.Frame, error) {
	return json.Marshal(m)
}

func (s *Server) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "relay").Str("conn", c.id).Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "relay").Str("conn", c.id).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "relay").Msg("writePump ping failed")
				c.Close()
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer func() {
		log.Info().Str("module", "relay").Str("conn", c.id).Str("user", string(c.user)).Msg("readPump closing")
		s.leave(c)
		cancel()
		c.Close()
	}()

	pongWait := s.cfg.PingPeriod * 3 / 2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Str("conn", c.id).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "relay").Str("conn", c.id).Msg("readPump read error")
				}
				return
			}
			s.handleSignal(c, data)
		}
	}
}

func (s *Server) handleSignal(c *wsConn, data []byte) {
	var m core.Message
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("bad json")
		return
	}
	log.Debug().Str("module", "relay").Str("user", string(c.user)).Str("type", string(m.Type)).Msg("message")

	switch m.Type {
	case core.KindJoinRoom:
		s.handleJoin(c, m)
	case core.KindLeaveRoom:
		s.leave(c)
	case core.KindCallUser:
		s.handleCall(c, m)
	case core.KindAnswerCall:
		s.handleAnswer(c, m)
	case core.KindICECandidate:
		s.handleCandidate(c, m)
	case core.KindToggleAudio:
		s.handleToggle(c, m, domain.MediaAudio)
	case core.KindToggleVideo:
		s.handleToggle(c, m, domain.MediaVideo)
	case core.KindEndSession:
		s.handleEndSession(c)
	default:
		log.Warn().Str("module", "relay").Str("type", string(m.Type)).Msg("unknown signal")
	}
}
