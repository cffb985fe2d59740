package domain

import (
	"errors"
	"fmt"
)

type CaptureKind int

const (
	CaptureUnknown CaptureKind = iota
	CapturePermissionDenied
	CaptureDeviceNotFound
	CaptureDeviceBusy
	CaptureConstraintsUnsatisfiable
)

func (k CaptureKind) String() string {
	switch k {
	case CapturePermissionDenied:
		return "permission denied"
	case CaptureDeviceNotFound:
		return "device not found"
	case CaptureDeviceBusy:
		return "device busy"
	case CaptureConstraintsUnsatisfiable:
		return "constraints unsatisfiable"
	}
	return "unknown capture failure"
}

// CaptureError classifies a failure to acquire the local camera or microphone.
type CaptureError struct {
	Kind   CaptureKind
	Device string
	Err    error
}

func (e *CaptureError) Error() string {
	msg := "capture: " + e.Kind.String()
	if e.Device != "" {
		msg += " (" + e.Device + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Is matches any *CaptureError of the same kind, so the Err* values below work
// as sentinels with errors.Is.
func (e *CaptureError) Is(target error) bool {
	t, ok := target.(*CaptureError)
	return ok && t.Kind == e.Kind
}

type SignalingKind int

const (
	SignalingJoinRejected SignalingKind = iota + 1
	SignalingTransportDisconnected
	SignalingRoomUnreachable
	SignalingSessionEnded
)

func (k SignalingKind) String() string {
	switch k {
	case SignalingJoinRejected:
		return "join rejected"
	case SignalingTransportDisconnected:
		return "transport disconnected"
	case SignalingRoomUnreachable:
		return "room unreachable"
	case SignalingSessionEnded:
		return "session ended"
	}
	return "signaling failure"
}

type SignalingError struct {
	Kind   SignalingKind
	Reason string
	Err    error
}

func (e *SignalingError) Error() string {
	msg := "signaling: " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SignalingError) Unwrap() error { return e.Err }

func (e *SignalingError) Is(target error) bool {
	t, ok := target.(*SignalingError)
	return ok && t.Kind == e.Kind
}

type LinkKind int

const (
	LinkNegotiationTimeout LinkKind = iota + 1
	LinkTransportFailure
)

func (k LinkKind) String() string {
	switch k {
	case LinkNegotiationTimeout:
		return "negotiation timeout"
	case LinkTransportFailure:
		return "transport failure"
	}
	return "link failure"
}

// LinkError is always scoped to the single remote participant in UserID.
type LinkError struct {
	Kind   LinkKind
	UserID UserID
	Err    error
}

func (e *LinkError) Error() string {
	msg := fmt.Sprintf("link %s: %s", e.UserID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LinkError) Unwrap() error { return e.Err }

func (e *LinkError) Is(target error) bool {
	t, ok := target.(*LinkError)
	return ok && t.Kind == e.Kind
}

var (
	ErrPermissionDenied         = &CaptureError{Kind: CapturePermissionDenied}
	ErrDeviceNotFound           = &CaptureError{Kind: CaptureDeviceNotFound}
	ErrDeviceBusy               = &CaptureError{Kind: CaptureDeviceBusy}
	ErrConstraintsUnsatisfiable = &CaptureError{Kind: CaptureConstraintsUnsatisfiable}
	ErrCaptureUnknown           = &CaptureError{Kind: CaptureUnknown}

	ErrJoinRejected          = &SignalingError{Kind: SignalingJoinRejected}
	ErrTransportDisconnected = &SignalingError{Kind: SignalingTransportDisconnected}
	ErrRoomUnreachable       = &SignalingError{Kind: SignalingRoomUnreachable}
	ErrSessionEnded          = &SignalingError{Kind: SignalingSessionEnded}

	ErrNegotiationTimeout = &LinkError{Kind: LinkNegotiationTimeout}
	ErrTransportFailure   = &LinkError{Kind: LinkTransportFailure}
)

// UserMessage maps an error from this subsystem to the text shown to the user.
func UserMessage(err error) string {
	var ce *CaptureError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case CapturePermissionDenied:
			return "Camera unavailable: allow access to the camera and microphone."
		case CaptureDeviceNotFound:
			return "Camera unavailable: no camera or microphone was found."
		case CaptureDeviceBusy:
			return "Camera unavailable: the camera or microphone is in use by another application."
		case CaptureConstraintsUnsatisfiable:
			return "Camera unavailable: your device does not support the requested video settings."
		}
		return "Camera unavailable."
	}
	var se *SignalingError
	if errors.As(err, &se) {
		switch se.Kind {
		case SignalingJoinRejected:
			if se.Reason != "" {
				return "Could not join the room: " + se.Reason
			}
			return "Could not join the room."
		case SignalingRoomUnreachable:
			return "Could not reach the room. Check your connection and try again."
		case SignalingTransportDisconnected:
			return "Lost connection to the room."
		case SignalingSessionEnded:
			return "The interview session has ended."
		}
	}
	var le *LinkError
	if errors.As(err, &le) {
		return "Connection to a participant was lost."
	}
	if err == nil {
		return ""
	}
	return "Something went wrong."
}
