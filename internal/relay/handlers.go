package relay

import (
	"context"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (s *Server) joinError(c *wsConn, reason string) {
	log.Warn().Str("module", "relay").Str("user", string(c.user)).Str("reason", reason).Msg("join rejected")
	s.sendJSON(c, core.KindRoomJoinError, core.RoomJoinError{Reason: reason})
}

func (s *Server) handleJoin(c *wsConn, m core.Message) {
	var p core.JoinRoom
	if err := m.Decode(&p); err != nil {
		s.joinError(c, "bad payload")
		return
	}
	sid := p.SessionID
	if sid == "" {
		sid = c.hint
	}
	switch {
	case sid == "":
		s.joinError(c, "session id required")
		return
	case c.hint != "" && sid != c.hint:
		s.joinError(c, "session id does not match the connection")
		return
	case c.joined() != nil:
		s.joinError(c, "already joined")
		return
	case !s.limiter.Allow(c.user):
		s.joinError(c, "too many join attempts")
		return
	}

	self := domain.Participant{
		UserID:     c.user,
		Role:       c.role,
		JoinedAt:   time.Now().UTC(),
		MediaState: domain.DefaultMediaState(),
	}
	room, err := s.rooms.Join(sid, self, c, s.cfg.Relay.MaxParticipants)
	if err != nil {
		s.joinError(c, err.Error())
		return
	}
	c.room = room

	log.Info().Str("module", "relay").Str("session", string(sid)).Str("user", string(c.user)).Msg("join")
	s.presenceCall(sid, func(ctx context.Context) error { return s.presence.Add(ctx, sid, c.user) })

	s.sendJSON(c, core.KindRoomJoined, core.RoomJoined{SessionID: sid, Participants: room.Snapshot()})
	s.broadcast(room, c.user, core.MustMessage(core.KindUserJoined, core.UserJoined{UserID: c.user, Role: c.role}))
}

// leave removes c from its room, if any. The connection stays open.
func (s *Server) leave(c *wsConn) {
	room := c.room
	c.room = nil
	if room == nil || !room.Remove(c.user, c) {
		return
	}
	log.Info().Str("module", "relay").Str("session", string(room.ID())).Str("user", string(c.user)).Msg("leave")
	s.presenceCall(room.ID(), func(ctx context.Context) error { return s.presence.Remove(ctx, room.ID(), c.user) })
	s.broadcast(room, c.user, core.MustMessage(core.KindUserLeft, core.UserLeft{UserID: c.user}))
	s.rooms.RemoveIfEmpty(room)
}

func (s *Server) callError(c *wsConn, target domain.UserID, reason string) {
	log.Warn().Str("module", "relay").Str("user", string(c.user)).Str("target", string(target)).Str("reason", reason).Msg("call error")
	s.sendJSON(c, core.KindCallError, core.CallError{Error: reason, TargetUserID: target})
}

func (s *Server) handleCall(c *wsConn, m core.Message) {
	var p core.CallUser
	if err := m.Decode(&p); err != nil {
		s.callError(c, "", "bad payload")
		return
	}
	room := c.joined()
	switch {
	case room == nil:
		s.callError(c, p.TargetUserID, "not in a room")
		return
	case p.TargetUserID == c.user:
		s.callError(c, p.TargetUserID, "cannot call yourself")
		return
	}
	out := core.MustMessage(core.KindIncomingCall, core.IncomingCall{
		CallerUserID: c.user,
		CallerRole:   c.role,
		Offer:        p.Offer,
	})
	if err := s.sendTo(room, p.TargetUserID, out); err != nil {
		s.callError(c, p.TargetUserID, err.Error())
	}
}

func (s *Server) handleAnswer(c *wsConn, m core.Message) {
	var p core.AnswerCall
	if err := m.Decode(&p); err != nil {
		s.callError(c, "", "bad payload")
		return
	}
	room := c.joined()
	if room == nil {
		s.callError(c, p.CallerUserID, "not in a room")
		return
	}
	out := core.MustMessage(core.KindCallAnswered, core.CallAnswered{
		AnswererUserID: c.user,
		Answer:         p.Answer,
	})
	if err := s.sendTo(room, p.CallerUserID, out); err != nil {
		s.callError(c, p.CallerUserID, err.Error())
	}
}

func (s *Server) handleCandidate(c *wsConn, m core.Message) {
	var p core.ICECandidate
	if err := m.Decode(&p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("bad candidate payload")
		return
	}
	room := c.joined()
	if room == nil {
		return
	}
	out := core.MustMessage(core.KindICECandidate, core.ICECandidate{
		FromUserID: c.user,
		Candidate:  p.Candidate,
	})
	if err := s.sendTo(room, p.TargetUserID, out); err != nil {
		log.Debug().Err(err).Str("module", "relay").Str("target", string(p.TargetUserID)).Msg("candidate dropped")
	}
}

func (s *Server) handleToggle(c *wsConn, m core.Message, kind domain.MediaType) {
	var p core.ToggleMedia
	if err := m.Decode(&p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("bad toggle payload")
		return
	}
	room := c.joined()
	if room == nil {
		return
	}
	room.SetMedia(c.user, kind, p.IsEnabled)
	s.broadcast(room, c.user, core.MustMessage(core.KindMediaToggled, core.MediaToggled{
		UserID:    c.user,
		MediaType: kind,
		IsEnabled: p.IsEnabled,
	}))
}

// handleEndSession ends the room for everyone, the instructor included.
func (s *Server) handleEndSession(c *wsConn) {
	room := c.joined()
	switch {
	case room == nil:
		s.sendJSON(c, core.KindEndSessionError, core.CallError{Error: "not in a room"})
		return
	case c.role != domain.RoleInstructor:
		s.sendJSON(c, core.KindEndSessionError, core.CallError{Error: "only the instructor can end the session"})
		return
	}

	members := room.End()
	s.rooms.Remove(room)
	c.room = nil

	ended := core.MustMessage(core.KindSessionEnded, core.SessionEnded{
		SessionID: room.ID(),
		EndedBy:   c.user,
		Reason:    "ended by instructor",
	})
	for _, mc := range members {
		s.deliver(room, mc, ended)
	}
	s.presenceCall(room.ID(), func(ctx context.Context) error { return s.presence.Clear(ctx, room.ID()) })
	log.Info().Str("module", "relay").Str("session", string(room.ID())).Int("members", len(members)).Msg("session ended")
}
