package relay

import "github.com/dkeye/liveroom/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop"
	case KickMember:
		return "kick"
	}
	return "none"
}

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(member *wsConn) BackpressureAction
}

// StrikePolicy drops frames for a slow member and kicks it after Limit
// overflows in a row. A successful send clears the count. The instructor
// gets twice the limit since every link in the room depends on them.
// A non-positive Limit kicks on the first overflow.
type StrikePolicy struct {
	Limit int
}

func (p StrikePolicy) OnBackPressure(c *wsConn) BackpressureAction {
	limit := p.Limit
	if limit <= 0 {
		return KickMember
	}
	if c.role == domain.RoleInstructor {
		limit *= 2
	}
	if int(c.strikes.Add(1)) < limit {
		return DropFrame
	}
	return KickMember
}
