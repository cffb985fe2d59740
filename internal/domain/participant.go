package domain

import "time"

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// MediaState is what a participant has published about its own tracks.
type MediaState struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

// DefaultMediaState is assumed until the participant publishes a toggle.
func DefaultMediaState() MediaState {
	return MediaState{AudioEnabled: true, VideoEnabled: true}
}

func (s MediaState) With(kind MediaType, enabled bool) MediaState {
	switch kind {
	case MediaAudio:
		s.AudioEnabled = enabled
	case MediaVideo:
		s.VideoEnabled = enabled
	}
	return s
}

// Participant represents one member of a room as seen by the local process.
// No transport or lifecycle logic here.
type Participant struct {
	UserID     UserID     `json:"userId"`
	Role       Role       `json:"role"`
	JoinedAt   time.Time  `json:"joinedAt"`
	MediaState MediaState `json:"mediaState"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id UserID, role Role) Participant {
	return Participant{
		UserID:     id,
		Role:       role,
		JoinedAt:   time.Now(),
		MediaState: DefaultMediaState(),
	}
}
