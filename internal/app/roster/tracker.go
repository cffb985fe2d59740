// Package roster keeps the local view of who is in the room.
package roster

import (
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

// Roster is an ordered participant list. Values are never mutated in place;
// Reduce always returns a fresh slice.
type Roster []domain.Participant

func (r Roster) Find(id domain.UserID) (domain.Participant, bool) {
	for _, p := range r {
		if p.UserID == id {
			return p, true
		}
	}
	return domain.Participant{}, false
}

func (r Roster) Has(id domain.UserID) bool {
	_, ok := r.Find(id)
	return ok
}

// With appends p unless a participant with the same id is already present.
func (r Roster) With(p domain.Participant) Roster {
	if r.Has(p.UserID) {
		return r
	}
	out := make(Roster, 0, len(r)+1)
	out = append(out, r...)
	return append(out, p)
}

func (r Roster) Without(id domain.UserID) Roster {
	out := make(Roster, 0, len(r))
	for _, p := range r {
		if p.UserID != id {
			out = append(out, p)
		}
	}
	return out
}

// Instructors counts participants with the instructor role.
func (r Roster) Instructors() int {
	n := 0
	for _, p := range r {
		if p.Role == domain.RoleInstructor {
			n++
		}
	}
	return n
}

// Reduce applies one room-lifecycle message. Messages that do not concern
// membership leave the roster unchanged. room-join-error is returned as a
// *domain.SignalingError with the roster untouched.
func Reduce(r Roster, msg core.Message) (Roster, error) {
	switch msg.Type {
	case core.KindRoomJoined:
		var p core.RoomJoined
		if err := msg.Decode(&p); err != nil {
			return r, err
		}
		out := make(Roster, 0, len(p.Participants))
		for _, info := range p.Participants {
			out = out.With(info.Participant())
		}
		return out, nil

	case core.KindRoomJoinError:
		var p core.RoomJoinError
		_ = msg.Decode(&p)
		return r, &domain.SignalingError{Kind: domain.SignalingJoinRejected, Reason: p.Reason}

	case core.KindUserJoined:
		var p core.UserJoined
		if err := msg.Decode(&p); err != nil {
			return r, err
		}
		return r.With(domain.NewParticipant(p.UserID, p.Role)), nil

	case core.KindUserLeft:
		var p core.UserLeft
		if err := msg.Decode(&p); err != nil {
			return r, err
		}
		if !r.Has(p.UserID) {
			return r, nil
		}
		return r.Without(p.UserID), nil

	case core.KindMediaToggled:
		var p core.MediaToggled
		if err := msg.Decode(&p); err != nil {
			return r, err
		}
		// A toggle can race with a leave; unknown users are ignored.
		if !r.Has(p.UserID) {
			return r, nil
		}
		out := make(Roster, len(r))
		for i, part := range r {
			if part.UserID == p.UserID {
				part.MediaState = part.MediaState.With(p.MediaType, p.IsEnabled)
			}
			out[i] = part
		}
		return out, nil
	}
	return r, nil
}
