package orch

import (
	"errors"

	"github.com/dkeye/liveroom/internal/app/peers"
	"github.com/dkeye/liveroom/internal/app/roster"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleLocked(m core.Message) {
	if o.left {
		return
	}
	log.Debug().Str("module", "app.orch").Str("type", string(m.Type)).Msg("inbound")
	if o.state == StateConnecting && holdsUntilJoined(m.Type) {
		o.held = append(o.held, m)
		return
	}

	switch m.Type {
	case core.KindRoomJoined:
		o.onRoomJoined(m)
	case core.KindRoomJoinError:
		_, err := roster.Reduce(o.roster, m)
		o.teardownLocked(err)
	case core.KindUserJoined:
		o.onUserJoined(m)
	case core.KindUserLeft:
		o.onUserLeft(m)
	case core.KindMediaToggled:
		o.onMediaToggled(m)
	case core.KindIncomingCall:
		o.onIncomingCall(m)
	case core.KindCallAnswered:
		var p core.CallAnswered
		if o.decode(m, &p) && o.joinedLocked(m) {
			o.links.RouteSignal(p.AnswererUserID, p.Answer)
		}
	case core.KindICECandidate:
		var p core.ICECandidate
		if o.decode(m, &p) && o.joinedLocked(m) {
			o.links.RouteSignal(p.FromUserID, p.Candidate)
		}
	case core.KindCallError:
		o.onCallError(m)
	case core.KindSessionEnded:
		var p core.SessionEnded
		_ = m.Decode(&p)
		o.teardownLocked(&domain.SignalingError{Kind: domain.SignalingSessionEnded, Reason: p.Reason})
	case core.KindEndSessionError:
		var p core.CallError
		_ = m.Decode(&p)
		o.emit(Event{Kind: EventWarning, Err: errors.New(p.Error)})
	case core.KindDisconnected:
		o.channelOpen = false
		o.teardownLocked(&domain.SignalingError{Kind: domain.SignalingTransportDisconnected})
	default:
		log.Warn().Str("module", "app.orch").Str("type", string(m.Type)).Msg("unexpected message")
	}
}

func (o *Orchestrator) decode(m core.Message, v any) bool {
	if err := m.Decode(v); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("drop message")
		return false
	}
	return true
}

// joinedLocked gates link traffic on the joined state.
func (o *Orchestrator) joinedLocked(m core.Message) bool {
	if o.state != StateJoined {
		log.Warn().Str("module", "app.orch").Str("type", string(m.Type)).Str("state", o.state.String()).Msg("not joined, dropped")
		return false
	}
	return true
}

func (o *Orchestrator) self() domain.Participant {
	p := domain.NewParticipant(o.cfg.Self.UserID, o.cfg.Self.Role)
	p.MediaState = domain.MediaState{
		AudioEnabled: o.media.AudioEnabled(),
		VideoEnabled: o.media.VideoEnabled(),
	}
	return p
}

// withSelf puts the local participant in r with its actual media state; the
// relay cannot know whether the camera opened.
func withSelf(r roster.Roster, self domain.Participant) roster.Roster {
	if !r.Has(self.UserID) {
		return r.With(self)
	}
	out := make(roster.Roster, len(r))
	for i, p := range r {
		if p.UserID == self.UserID {
			p.MediaState = self.MediaState
			if p.JoinedAt.IsZero() {
				p.JoinedAt = self.JoinedAt
			}
		}
		out[i] = p
	}
	return out
}

func (o *Orchestrator) onRoomJoined(m core.Message) {
	next, err := roster.Reduce(o.roster, m)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("bad room-joined")
		return
	}
	if o.cfg.Self.Role == domain.RoleInstructor {
		for _, p := range next {
			if p.Role == domain.RoleInstructor && p.UserID != o.cfg.Self.UserID {
				o.teardownLocked(&domain.SignalingError{
					Kind:   domain.SignalingJoinRejected,
					Reason: "room already has an instructor",
				})
				return
			}
		}
	}
	next = withSelf(next, o.self())

	// A repeated room-joined replaces the roster; links to users who are no
	// longer listed go with it.
	prev := o.roster
	for _, p := range prev {
		if !next.Has(p.UserID) {
			o.dropHeld(p.UserID)
			o.links.CloseLink(p.UserID)
		}
	}
	o.roster = next

	for _, p := range next {
		if p.UserID == o.cfg.Self.UserID {
			continue
		}
		if !prev.Has(p.UserID) {
			o.emit(Event{Kind: EventParticipantJoined, UserID: p.UserID, Participant: p})
		}
		if o.state == StateJoined {
			o.ensureLink(p)
		}
	}
	o.roomJoined = true
	o.enterJoinedLocked()
}

// enterJoinedLocked completes the join once room-joined has arrived and the
// capture has resolved. Links deferred until then are opened with the
// resolved tracks and held signaling is replayed in arrival order.
func (o *Orchestrator) enterJoinedLocked() {
	if o.state != StateConnecting || !o.roomJoined || !o.mediaReady {
		return
	}
	o.roster = withSelf(o.roster, o.self())
	o.setStateLocked(StateJoined)
	close(o.joined)
	log.Info().
		Str("module", "app.orch").
		Str("session", string(o.session)).
		Int("participants", len(o.roster)).
		Int("held", len(o.held)).
		Msg("joined")
	if o.captureErr != nil {
		o.emit(Event{Kind: EventWarning, Err: o.captureErr})
	}

	for _, p := range o.roster {
		if p.UserID != o.cfg.Self.UserID {
			o.ensureLink(p)
		}
	}
	held := o.held
	o.held = nil
	for _, m := range held {
		o.handleLocked(m)
	}
}

func holdsUntilJoined(kind core.Kind) bool {
	switch kind {
	case core.KindIncomingCall, core.KindCallAnswered, core.KindICECandidate:
		return true
	}
	return false
}

// heldFrom reports which user a held message came from.
func heldFrom(m core.Message) domain.UserID {
	switch m.Type {
	case core.KindIncomingCall:
		var p core.IncomingCall
		_ = m.Decode(&p)
		return p.CallerUserID
	case core.KindCallAnswered:
		var p core.CallAnswered
		_ = m.Decode(&p)
		return p.AnswererUserID
	case core.KindICECandidate:
		var p core.ICECandidate
		_ = m.Decode(&p)
		return p.FromUserID
	}
	return ""
}

// dropHeld forgets held signaling from a user who has left.
func (o *Orchestrator) dropHeld(id domain.UserID) {
	kept := o.held[:0]
	for _, m := range o.held {
		if heldFrom(m) != id {
			kept = append(kept, m)
		}
	}
	o.held = kept
}

func (o *Orchestrator) onUserJoined(m core.Message) {
	var p core.UserJoined
	if !o.decode(m, &p) || p.UserID == o.cfg.Self.UserID {
		return
	}
	known := o.roster.Has(p.UserID)
	next, err := roster.Reduce(o.roster, m)
	if err != nil {
		return
	}
	o.roster = next
	part, _ := next.Find(p.UserID)
	if !known {
		o.emit(Event{Kind: EventParticipantJoined, UserID: p.UserID, Participant: part})
	}
	if o.state == StateJoined {
		o.ensureLink(part)
	}
}

func (o *Orchestrator) onUserLeft(m core.Message) {
	var p core.UserLeft
	if !o.decode(m, &p) {
		return
	}
	part, known := o.roster.Find(p.UserID)
	next, err := roster.Reduce(o.roster, m)
	if err != nil {
		return
	}
	o.roster = next
	o.dropHeld(p.UserID)
	if o.links != nil {
		o.links.CloseLink(p.UserID)
	}
	if known {
		o.emit(Event{Kind: EventParticipantLeft, UserID: p.UserID, Participant: part})
	}
}

func (o *Orchestrator) onMediaToggled(m core.Message) {
	var p core.MediaToggled
	if !o.decode(m, &p) {
		return
	}
	next, err := roster.Reduce(o.roster, m)
	if err != nil {
		return
	}
	o.roster = next
	if part, ok := next.Find(p.UserID); ok {
		o.emit(Event{Kind: EventMediaToggled, UserID: p.UserID, Participant: part})
	}
}

func (o *Orchestrator) onIncomingCall(m core.Message) {
	var p core.IncomingCall
	if !o.decode(m, &p) || !o.joinedLocked(m) {
		return
	}
	_, err := o.links.AcceptIncoming(p.CallerUserID, p.Offer)
	switch {
	case err == nil:
	case errors.Is(err, peers.ErrLinkExists), errors.Is(err, peers.ErrUnexpectedOffer):
		// Logged by the registry; the live link is untouched.
	default:
		o.emit(Event{Kind: EventLinkFailed, UserID: p.CallerUserID, Err: err})
	}
}

func (o *Orchestrator) onCallError(m core.Message) {
	var p core.CallError
	if !o.decode(m, &p) {
		return
	}
	log.Warn().Str("module", "app.orch").Str("peer", string(p.TargetUserID)).Str("error", p.Error).Msg("relay could not route call")
	if p.TargetUserID == "" || o.links == nil {
		return
	}
	if _, ok := o.links.Get(p.TargetUserID); !ok {
		return
	}
	o.links.CloseLink(p.TargetUserID)
	o.emit(Event{
		Kind:   EventLinkFailed,
		UserID: p.TargetUserID,
		Err:    &domain.LinkError{Kind: domain.LinkTransportFailure, UserID: p.TargetUserID, Err: errors.New(p.Error)},
	})
}

func (o *Orchestrator) ensureLink(p domain.Participant) {
	if !peers.ShouldInitiate(o.cfg.Self.Role, p.Role) {
		return
	}
	if _, err := o.links.EnsureLink(p); err != nil {
		o.emit(Event{Kind: EventLinkFailed, UserID: p.UserID, Err: err})
	}
}
