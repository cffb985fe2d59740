package orch

import (
	"github.com/dkeye/liveroom/internal/app/peers"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// linkHooks binds registry callbacks to the session. They run on the loop
// with mu held.
func (o *Orchestrator) linkHooks() peers.Hooks {
	return peers.Hooks{
		Send: o.cfg.Channel.Send,
		OnStream: func(id domain.UserID, s core.RemoteStream) {
			o.emit(Event{Kind: EventStreamAdded, UserID: id, Stream: s})
		},
		OnStreamRemoved: func(id domain.UserID) {
			o.emit(Event{Kind: EventStreamRemoved, UserID: id})
		},
		OnConnected: func(id domain.UserID) {
			o.emit(Event{Kind: EventLinkConnected, UserID: id})
		},
		OnFailed: func(id domain.UserID, err error) {
			o.emit(Event{Kind: EventLinkFailed, UserID: id, Err: err})
		},
	}
}

// ToggleAudio flips the microphone and tells the room. It returns the new state.
func (o *Orchestrator) ToggleAudio() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setMediaLocked(domain.MediaAudio, !o.media.AudioEnabled())
}

// ToggleVideo flips the camera and tells the room. It returns the new state.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setMediaLocked(domain.MediaVideo, !o.media.VideoEnabled())
}

// SetMediaEnabled sets one local track explicitly. Setting the current value
// still broadcasts it, which is harmless for the room.
func (o *Orchestrator) SetMediaEnabled(kind domain.MediaType, on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.setMediaLocked(kind, on)
	return err
}

func (o *Orchestrator) setMediaLocked(kind domain.MediaType, on bool) (bool, error) {
	if o.state != StateJoined {
		return false, ErrNotJoined
	}
	msgKind := core.KindToggleAudio
	if kind == domain.MediaAudio {
		if !o.media.HasAudio() {
			return false, ErrNoDevice
		}
		o.media.SetAudioEnabled(on)
	} else {
		if !o.media.HasVideo() {
			return false, ErrNoDevice
		}
		o.media.SetVideoEnabled(on)
		msgKind = core.KindToggleVideo
	}
	o.roster = withSelf(o.roster, o.self())

	log.Info().
		Str("module", "app.orch").
		Str("kind", string(kind)).
		Bool("enabled", on).
		Msg("local media toggled")
	if err := o.sendLocked(msgKind, core.ToggleMedia{IsEnabled: on}); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("type", string(msgKind)).Msg("broadcast toggle")
		return on, err
	}
	return on, nil
}

// EndSession asks the relay to end the session for everyone. The local
// teardown follows when session-ended comes back.
func (o *Orchestrator) EndSession() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.Self.Role != domain.RoleInstructor {
		return ErrNotInstructor
	}
	if o.state != StateJoined {
		return ErrNotJoined
	}
	log.Info().Str("module", "app.orch").Str("session", string(o.session)).Msg("ending session")
	return o.sendLocked(core.KindEndSession, nil)
}
