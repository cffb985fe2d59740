package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoomFull        = errors.New("room is full")
	ErrInstructorTaken = errors.New("room already has an instructor")
	ErrAlreadyInRoom   = errors.New("user is already in the room")
	ErrSessionOver     = errors.New("session has ended")
	ErrNotInRoom       = errors.New("user not found in room")
)

type member struct {
	info domain.Participant
	conn *wsConn
}

type PublishResult struct {
	SendTo  int
	Dropped []*wsConn
}

// Room is a threadsafe in-memory interview room.
// It never closes adapter-owned resources.
type Room struct {
	id domain.SessionID

	mu      sync.RWMutex
	members map[domain.UserID]*member
	ended   bool
}

func NewRoom(id domain.SessionID) *Room {
	return &Room{id: id, members: make(map[domain.UserID]*member)}
}

func (r *Room) ID() domain.SessionID { return r.id }

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Add admits p on conn c, enforcing the capacity and the single instructor.
func (r *Room) Add(p domain.Participant, c *wsConn, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.ended:
		return ErrSessionOver
	case r.members[p.UserID] != nil:
		return ErrAlreadyInRoom
	case max > 0 && len(r.members) >= max:
		return ErrRoomFull
	}
	if p.Role == domain.RoleInstructor {
		for _, m := range r.members {
			if m.info.Role == domain.RoleInstructor {
				return ErrInstructorTaken
			}
		}
	}
	r.members[p.UserID] = &member{info: p, conn: c}
	log.Info().Str("module", "relay.room").Str("session", string(r.id)).Str("user", string(p.UserID)).Msg("member added")
	return nil
}

// Remove drops uid if it is still bound to c. It reports whether anything
// was removed.
func (r *Room) Remove(uid domain.UserID, c *wsConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[uid]
	if !ok || m.conn != c {
		return false
	}
	delete(r.members, uid)
	log.Info().Str("module", "relay.room").Str("session", string(r.id)).Str("user", string(uid)).Msg("member removed")
	return true
}

func (r *Room) IsMember(uid domain.UserID, c *wsConn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[uid]
	return ok && m.conn == c
}

// End closes the room to new members and returns everyone who was in it.
func (r *Room) End() []*wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	out := make([]*wsConn, 0, len(r.members))
	for uid, m := range r.members {
		out = append(out, m.conn)
		delete(r.members, uid)
	}
	return out
}

func (r *Room) SetMedia(uid domain.UserID, kind domain.MediaType, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[uid]; ok {
		m.info.MediaState = m.info.MediaState.With(kind, on)
	}
}

// Snapshot lists the members in join order.
func (r *Room) Snapshot() []core.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ParticipantInfo, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, core.InfoOf(m.info))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// SendTo delivers f to uid only.
func (r *Room) SendTo(uid domain.UserID, f core.Frame) (*wsConn, error) {
	r.mu.RLock()
	m, ok := r.members[uid]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotInRoom
	}
	return m.conn, m.conn.TrySend(f)
}

// Broadcast delivers f to every member except from.
func (r *Room) Broadcast(from domain.UserID, f core.Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for uid, m := range r.members {
		if uid == from {
			continue
		}
		if err := m.conn.TrySend(f); err != nil {
			res.Dropped = append(res.Dropped, m.conn)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "relay.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
