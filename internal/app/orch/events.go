package orch

import (
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	// EventWarning carries a non-fatal error, such as a camera that could not
	// be opened while the join itself succeeded.
	EventWarning
	EventParticipantJoined
	EventParticipantLeft
	EventMediaToggled
	EventStreamAdded
	EventStreamRemoved
	EventLinkConnected
	EventLinkFailed
	// EventLeft is the last event of a session. Err is nil after a plain Leave.
	EventLeft
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventWarning:
		return "warning"
	case EventParticipantJoined:
		return "participant-joined"
	case EventParticipantLeft:
		return "participant-left"
	case EventMediaToggled:
		return "media-toggled"
	case EventStreamAdded:
		return "stream-added"
	case EventStreamRemoved:
		return "stream-removed"
	case EventLinkConnected:
		return "link-connected"
	case EventLinkFailed:
		return "link-failed"
	case EventLeft:
		return "left"
	}
	return "unknown"
}

// Event is what the presentation layer sees of a session.
type Event struct {
	Kind        EventKind
	State       State
	UserID      domain.UserID
	Participant domain.Participant
	Stream      core.RemoteStream
	Err         error
}

// emit never blocks the loop: a slow consumer loses events, not the session.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		log.Warn().
			Str("module", "app.orch").
			Str("event", ev.Kind.String()).
			Str("peer", string(ev.UserID)).
			Msg("event buffer full, dropped")
	}
}
