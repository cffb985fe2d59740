package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestCaptureError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("acquire: %w", &CaptureError{Kind: CapturePermissionDenied, Device: "camera", Err: errors.New("EACCES")})

	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if errors.Is(err, ErrDeviceBusy) {
		t.Errorf("permission error must not match ErrDeviceBusy")
	}
}

func TestSignalingError_IsMatchesKind(t *testing.T) {
	err := &SignalingError{Kind: SignalingJoinRejected, Reason: "no booking"}

	if !errors.Is(err, ErrJoinRejected) {
		t.Fatalf("expected ErrJoinRejected, got %v", err)
	}
	if errors.Is(err, ErrTransportDisconnected) {
		t.Errorf("join rejection must not match ErrTransportDisconnected")
	}
}

func TestLinkError_IsMatchesKind(t *testing.T) {
	err := &LinkError{Kind: LinkNegotiationTimeout, UserID: "l1"}

	if !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("expected ErrNegotiationTimeout, got %v", err)
	}
	if errors.Is(err, ErrTransportFailure) {
		t.Errorf("timeout must not match ErrTransportFailure")
	}
}

func TestUserMessage_Distinct(t *testing.T) {
	errs := []error{
		ErrPermissionDenied,
		ErrDeviceNotFound,
		ErrDeviceBusy,
		ErrConstraintsUnsatisfiable,
		ErrCaptureUnknown,
		ErrRoomUnreachable,
		ErrTransportDisconnected,
		ErrJoinRejected,
		ErrSessionEnded,
	}
	seen := make(map[string]error)
	for _, err := range errs {
		msg := UserMessage(err)
		if msg == "" {
			t.Errorf("empty message for %v", err)
			continue
		}
		if prev, ok := seen[msg]; ok {
			t.Errorf("%v and %v share message %q", prev, err, msg)
		}
		seen[msg] = err
	}
}

func TestParseRole(t *testing.T) {
	cases := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"instructor", RoleInstructor, false},
		{"learner", RoleLearner, false},
		{"student", RoleLearner, false},
		{"admin", "", true},
	}
	for _, tc := range cases {
		got, err := ParseRole(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownRole) {
				t.Errorf("ParseRole(%q): expected ErrUnknownRole, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseRole(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestMediaState_With(t *testing.T) {
	s := DefaultMediaState().With(MediaVideo, false)
	if !s.AudioEnabled || s.VideoEnabled {
		t.Errorf("unexpected state %+v", s)
	}
	s = s.With(MediaType("screen"), false)
	if !s.AudioEnabled || s.VideoEnabled {
		t.Errorf("unknown media type must not change state, got %+v", s)
	}
}
