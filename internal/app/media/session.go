// Package media owns the local camera and microphone for one room session.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// Session holds at most one audio and one video track.
// Only the orchestrator may toggle or release it; peer links read Tracks().
type Session struct {
	mu       sync.Mutex
	audio    core.LocalTrack
	video    core.LocalTrack
	released bool

	failOnce  sync.Once
	onFailure func(error)
}

// Acquire opens camera and microphone with the preferred constraints. When the
// device cannot satisfy them it retries exactly once with minimal constraints.
func Acquire(ctx context.Context, capturer core.Capturer, preferred core.Constraints) (*Session, error) {
	tracks, err := capturer.Capture(ctx, preferred)
	if err != nil && errors.Is(err, domain.ErrConstraintsUnsatisfiable) && !preferred.IsMinimal() {
		log.Warn().Err(err).Str("module", "app.media").Msg("preferred constraints unsatisfiable, falling back")
		tracks, err = capturer.Capture(ctx, core.MinimalConstraints())
	}
	if err != nil {
		return nil, classify(ctx, err)
	}

	s := &Session{}
	for _, t := range tracks {
		switch t.Kind() {
		case domain.MediaAudio:
			if s.audio == nil {
				s.audio = t
				continue
			}
		case domain.MediaVideo:
			if s.video == nil {
				s.video = t
				continue
			}
		}
		// Extra tracks are not owned by anyone; release them now.
		t.Stop()
	}
	log.Info().
		Str("module", "app.media").
		Bool("audio", s.audio != nil).
		Bool("video", s.video != nil).
		Msg("local media acquired")
	return s, nil
}

func classify(ctx context.Context, err error) error {
	var ce *domain.CaptureError
	if errors.As(err, &ce) {
		return err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return &domain.CaptureError{Kind: domain.CaptureUnknown, Err: err}
}

// Tracks returns the live tracks to attach to peer links.
func (s *Session) Tracks() []core.LocalTrack {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	out := make([]core.LocalTrack, 0, 2)
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *Session) HasAudio() bool { return s.track(domain.MediaAudio) != nil }
func (s *Session) HasVideo() bool { return s.track(domain.MediaVideo) != nil }

func (s *Session) AudioEnabled() bool { return s.enabled(domain.MediaAudio) }
func (s *Session) VideoEnabled() bool { return s.enabled(domain.MediaVideo) }

// SetAudioEnabled mutates the track in place. No renegotiation happens.
func (s *Session) SetAudioEnabled(on bool) { s.setEnabled(domain.MediaAudio, on) }
func (s *Session) SetVideoEnabled(on bool) { s.setEnabled(domain.MediaVideo, on) }

func (s *Session) track(kind domain.MediaType) core.LocalTrack {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	if kind == domain.MediaAudio {
		return s.audio
	}
	return s.video
}

func (s *Session) enabled(kind domain.MediaType) bool {
	t := s.track(kind)
	return t != nil && t.Enabled()
}

func (s *Session) setEnabled(kind domain.MediaType, on bool) {
	t := s.track(kind)
	if t == nil || t.Enabled() == on {
		return
	}
	t.SetEnabled(on)
	log.Debug().Str("module", "app.media").Str("kind", string(kind)).Bool("enabled", on).Msg("track toggled")
}

// OnFailure registers fn to run once if any track ends with an error before
// Release. fn runs on an arbitrary goroutine.
func (s *Session) OnFailure(fn func(error)) {
	s.mu.Lock()
	s.onFailure = fn
	tracks := []core.LocalTrack{s.audio, s.video}
	s.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		go s.watch(t)
	}
}

func (s *Session) watch(t core.LocalTrack) {
	<-t.Done()
	err := t.Err()
	if err == nil {
		return
	}
	s.mu.Lock()
	released, fn := s.released, s.onFailure
	s.mu.Unlock()
	if released || fn == nil {
		return
	}
	s.failOnce.Do(func() {
		log.Error().Err(err).Str("module", "app.media").Str("track", t.ID()).Msg("capture device failed")
		fn(err)
	})
}

// Release disables and stops every owned track. Safe to call more than once.
func (s *Session) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	audio, video := s.audio, s.video
	s.mu.Unlock()

	for _, t := range []core.LocalTrack{audio, video} {
		if t == nil {
			continue
		}
		t.SetEnabled(false)
		t.Stop()
	}
	log.Info().Str("module", "app.media").Msg("local media released")
}
