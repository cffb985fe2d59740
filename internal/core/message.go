package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/liveroom/internal/domain"
)

var ErrBadPayload = errors.New("bad payload")

// Kind names a message of the relay contract.
type Kind string

const (
	KindJoinRoom        Kind = "join-room"
	KindRoomJoined      Kind = "room-joined"
	KindRoomJoinError   Kind = "room-join-error"
	KindUserJoined      Kind = "user-joined"
	KindUserLeft        Kind = "user-left"
	KindCallUser        Kind = "call-user"
	KindIncomingCall    Kind = "incoming-call"
	KindAnswerCall      Kind = "answer-call"
	KindCallAnswered    Kind = "call-answered"
	KindICECandidate    Kind = "ice-candidate"
	KindToggleAudio     Kind = "toggle-audio"
	KindToggleVideo     Kind = "toggle-video"
	KindMediaToggled    Kind = "media-toggled"
	KindLeaveRoom       Kind = "leave-room"
	KindEndSession      Kind = "end-session"
	KindSessionEnded    Kind = "session-ended"
	KindEndSessionError Kind = "end-session-error"
	KindCallError       Kind = "call-error"

	// KindDisconnected never travels on the wire. The channel produces it
	// locally when the transport drops.
	KindDisconnected Kind = "disconnected"
)

// Message is one envelope of the relay contract.
type Message struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewMessage(kind Kind, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: kind}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Message{Type: kind, Data: b}, nil
}

// MustMessage is NewMessage for payloads that are known to encode.
func MustMessage(kind Kind, payload any) Message {
	m, err := NewMessage(kind, payload)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrBadPayload, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, m.Type, err)
	}
	return nil
}

// Payload is an opaque transport negotiation blob (offer, answer or candidate).
type Payload = json.RawMessage

type JoinRoom struct {
	SessionID domain.SessionID `json:"sessionId"`
}

// ParticipantInfo is the wire view of a participant. MediaState is optional
// and defaults to everything enabled.
type ParticipantInfo struct {
	UserID     domain.UserID      `json:"userId"`
	Role       domain.Role        `json:"role"`
	JoinedAt   time.Time          `json:"joinedAt"`
	MediaState *domain.MediaState `json:"mediaState,omitempty"`
}

func (p ParticipantInfo) Participant() domain.Participant {
	out := domain.Participant{
		UserID:     p.UserID,
		Role:       p.Role,
		JoinedAt:   p.JoinedAt,
		MediaState: domain.DefaultMediaState(),
	}
	if p.MediaState != nil {
		out.MediaState = *p.MediaState
	}
	return out
}

func InfoOf(p domain.Participant) ParticipantInfo {
	ms := p.MediaState
	return ParticipantInfo{UserID: p.UserID, Role: p.Role, JoinedAt: p.JoinedAt, MediaState: &ms}
}

type RoomJoined struct {
	SessionID    domain.SessionID  `json:"sessionId,omitempty"`
	Participants []ParticipantInfo `json:"participants"`
}

type RoomJoinError struct {
	Reason string `json:"reason"`
}

type UserJoined struct {
	UserID domain.UserID `json:"userId"`
	Role   domain.Role   `json:"role"`
}

type UserLeft struct {
	UserID domain.UserID `json:"userId"`
}

type CallUser struct {
	TargetUserID domain.UserID `json:"targetUserId"`
	Offer        Payload       `json:"offer"`
}

type IncomingCall struct {
	CallerUserID domain.UserID `json:"callerUserId"`
	CallerRole   domain.Role   `json:"callerRole,omitempty"`
	Offer        Payload       `json:"offer"`
}

type AnswerCall struct {
	CallerUserID domain.UserID `json:"callerUserId"`
	Answer       Payload       `json:"answer"`
}

type CallAnswered struct {
	AnswererUserID domain.UserID `json:"answererUserId"`
	Answer         Payload       `json:"answer"`
}

// ICECandidate travels both ways: TargetUserID is set outbound, FromUserID inbound.
type ICECandidate struct {
	TargetUserID domain.UserID `json:"targetUserId,omitempty"`
	FromUserID   domain.UserID `json:"fromUserId,omitempty"`
	Candidate    Payload       `json:"candidate"`
}

type ToggleMedia struct {
	IsEnabled bool `json:"isEnabled"`
}

type MediaToggled struct {
	UserID    domain.UserID    `json:"userId"`
	MediaType domain.MediaType `json:"mediaType"`
	IsEnabled bool             `json:"isEnabled"`
}

type SessionEnded struct {
	SessionID domain.SessionID `json:"sessionId"`
	EndedBy   domain.UserID    `json:"endedBy"`
	Reason    string           `json:"reason"`
}

type CallError struct {
	Error        string        `json:"error"`
	TargetUserID domain.UserID `json:"targetUserId,omitempty"`
}
