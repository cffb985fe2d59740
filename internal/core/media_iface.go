package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// VideoConstraints are lower bounds a capture device must meet. Zero means "any".
type VideoConstraints struct {
	MinWidth  int
	MinHeight int
	FrameRate float64
}

type AudioConstraints struct {
	EchoCancellation bool
}

// Constraints describe what the caller wants from the camera and microphone.
type Constraints struct {
	Video VideoConstraints
	Audio AudioConstraints
}

// MinimalConstraints accepts any camera and any microphone.
func MinimalConstraints() Constraints { return Constraints{} }

func (c Constraints) IsMinimal() bool { return c == Constraints{} }

// LocalTrack is one captured audio or video track.
// Enabled mirrors the hardware mute state; a disabled track keeps its
// transceiver but stops producing media.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaType
	Enabled() bool
	SetEnabled(bool)
	// Stop releases the device. Safe to call more than once.
	Stop()
	// Done is closed once the track stops producing media, for any reason.
	Done() <-chan struct{}
	// Err reports why the track ended; nil after a normal Stop.
	Err() error
	// TrackLocal is what gets attached to a peer connection. May be nil in tests.
	TrackLocal() webrtc.TrackLocal
}

// Capturer opens the local camera and microphone.
// Failures are reported as *domain.CaptureError.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) ([]LocalTrack, error)
}

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is produced by a transport and must reach the remote peer verbatim.
type Signal struct {
	Type    SignalType
	Payload json.RawMessage
}

// StreamSink receives the RTP forwarded from a remote stream.
type StreamSink interface {
	WriteRTP(kind domain.MediaType, pkt *rtp.Packet) error
}

type StreamStats struct {
	Packets uint64
	Bytes   uint64
}

// RemoteStream is the media a remote participant sends over one link.
type RemoteStream interface {
	ID() string
	Kinds() []domain.MediaType
	AddSink(id string, sink StreamSink)
	RemoveSink(id string)
	Stats() StreamStats
	// Stop ends forwarding to every sink.
	Stop()
}

// LinkHandler receives transport events. Calls may come from any goroutine.
type LinkHandler interface {
	OnSignal(Signal)
	OnStream(RemoteStream)
	OnConnected()
	OnClosed()
	OnError(error)
}

type LinkConfig struct {
	RemoteID  domain.UserID
	Initiator bool
	Tracks    []LocalTrack
}

// PeerTransport is a black-box media connection to one remote participant.
type PeerTransport interface {
	// Signal feeds a remote offer, answer or candidate.
	Signal(payload json.RawMessage) error
	// Destroy should stop all underlying media resources.
	Destroy()
}

// PeerConnector creates transports. An initiator transport emits its offer
// through the handler once it is created.
type PeerConnector interface {
	Open(cfg LinkConfig, h LinkHandler) (PeerTransport, error)
}
