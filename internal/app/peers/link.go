package peers

import (
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// rank orders states; offering and answering share a rank.
func (s State) rank() int {
	switch s {
	case StateIdle:
		return 0
	case StateOffering, StateAnswering:
		return 1
	case StateConnected:
		return 2
	}
	return 3
}

// Link models one media connection to one remote participant.
// Only the Registry mutates it.
type Link struct {
	userID    domain.UserID
	initiator bool
	state     State
	history   []State

	transport core.PeerTransport
	remote    core.RemoteStream
	timer     *time.Timer
}

func newLink(id domain.UserID, initiator bool) *Link {
	return &Link{userID: id, initiator: initiator, state: StateIdle, history: []State{StateIdle}}
}

func (l *Link) UserID() domain.UserID           { return l.userID }
func (l *Link) Initiator() bool                 { return l.initiator }
func (l *Link) State() State                    { return l.state }
func (l *Link) RemoteStream() core.RemoteStream { return l.remote }

// History returns every state the link has been in, oldest first.
func (l *Link) History() []State {
	out := make([]State, len(l.history))
	copy(out, l.history)
	return out
}

// advance moves the link forward. Backward or sideways moves are refused.
func (l *Link) advance(to State) bool {
	if to.rank() <= l.state.rank() {
		return false
	}
	l.state = to
	l.history = append(l.history, to)
	return true
}

// Info is a read-only snapshot for callers outside the registry.
type Info struct {
	UserID    domain.UserID
	Initiator bool
	State     State
	HasStream bool
}

func (l *Link) info() Info {
	return Info{UserID: l.userID, Initiator: l.initiator, State: l.state, HasStream: l.remote != nil}
}
