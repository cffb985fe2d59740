// Package rtc implements peer transports over pion/webrtc.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnexpectedSignal = errors.New("unexpected signal for this side")
	ErrPeerFailed       = errors.New("peer connection failed")
)

const pliInterval = 3 * time.Second

type Options struct {
	// ICEServers are STUN/TURN urls. Empty means host candidates only.
	ICEServers []string
	// PortMin and PortMax bound the local UDP ports. Zero leaves them to the OS.
	PortMin, PortMax uint16
	// Loopback gathers loopback candidates over UDP4 only, so two peers in one
	// process can connect without a network.
	Loopback bool
}

func DefaultOptions() Options {
	return Options{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// Connector opens one pion peer connection per link. It implements core.PeerConnector.
type Connector struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewConnector(opts Options) (*Connector, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if opts.PortMin > 0 && opts.PortMax >= opts.PortMin {
		if err := se.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	cfg := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &Connector{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		cfg: cfg,
	}, nil
}

// Transport is one peer connection. Signal and Destroy are called from the
// owner's loop; pion callbacks arrive on pion goroutines and only reach the
// owner through the LinkHandler.
type Transport struct {
	pc        *webrtc.PeerConnection
	remote    domain.UserID
	initiator bool
	h         core.LinkHandler
	stream    *Stream

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	// Local candidates wait in outbox until the local description is out.
	outbox    []core.Signal
	localSent bool

	connected atomic.Bool
	closing   atomic.Bool
}

// payload is the opaque signal encoding: a session description or a
// trickled candidate.
type payload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func (c *Connector) Open(cfg core.LinkConfig, h core.LinkHandler) (core.PeerTransport, error) {
	pc, err := c.api.NewPeerConnection(c.cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		pc:        pc,
		remote:    cfg.RemoteID,
		initiator: cfg.Initiator,
		h:         h,
		stream:    newStream(uuid.NewString()),
	}

	sending := map[domain.MediaType]bool{}
	for _, tr := range cfg.Tracks {
		tl := tr.TrackLocal()
		if tl == nil {
			continue
		}
		sender, err := pc.AddTrack(tl)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", tr.Kind(), err)
		}
		sending[tr.Kind()] = true
		go drainRTCP(sender)
	}
	// An initiator without a camera still offers to receive both kinds.
	if cfg.Initiator {
		for kind, codec := range map[domain.MediaType]webrtc.RTPCodecType{
			domain.MediaAudio: webrtc.RTPCodecTypeAudio,
			domain.MediaVideo: webrtc.RTPCodecTypeVideo,
		} {
			if sending[kind] {
				continue
			}
			if _, err := pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	t.bind()

	if cfg.Initiator {
		if err := t.offer(); err != nil {
			t.Destroy()
			return nil, err
		}
	}
	return t, nil
}

func (t *Transport) bind() {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.localCandidate(c.ToJSON())
	})

	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(t.remote)).
			Str("peer_connection_state", s.String()).
			Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if t.connected.CompareAndSwap(false, true) {
				t.h.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if !t.closing.Load() {
				t.h.OnError(ErrPeerFailed)
			}
		case webrtc.PeerConnectionStateClosed:
			if !t.closing.Load() {
				t.h.OnClosed()
			}
		}
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(t.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("OnTrack received")
		kind := domain.MediaAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.MediaVideo
			go t.requestKeyframes(track)
		}
		if first := t.stream.addTrack(kind, track); first {
			t.h.OnStream(t.stream)
		}
	})
}

// requestKeyframes sends a PLI now and periodically, so a late sink gets a
// decodable picture quickly.
func (t *Transport) requestKeyframes(track *webrtc.TrackRemote) {
	send := func() error {
		return t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
	}
	if err := send(); err != nil {
		return
	}
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stream.done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) offer() error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return t.emitDescription(core.SignalOffer)
}

func (t *Transport) localCandidate(cand webrtc.ICECandidateInit) {
	b, err := json.Marshal(payload{Type: string(core.SignalCandidate), Candidate: &cand})
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("encode candidate")
		return
	}
	s := core.Signal{Type: core.SignalCandidate, Payload: b}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.localSent {
		t.outbox = append(t.outbox, s)
		return
	}
	t.h.OnSignal(s)
}

// emitDescription sends the local description, then the candidates gathered
// before it.
func (t *Transport) emitDescription(kind core.SignalType) error {
	desc := t.pc.LocalDescription()
	b, err := json.Marshal(payload{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.OnSignal(core.Signal{Type: kind, Payload: b})
	t.localSent = true
	for _, s := range t.outbox {
		t.h.OnSignal(s)
	}
	t.outbox = nil
	return nil
}

// Signal applies a remote offer, answer or candidate. Candidates that arrive
// before the remote description are held until it is set.
func (t *Transport) Signal(raw json.RawMessage) error {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	switch p.Type {
	case "offer":
		if t.initiator {
			return ErrUnexpectedSignal
		}
		if err := t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
			return err
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return t.fatal(fmt.Errorf("create answer: %w", err))
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return t.fatal(fmt.Errorf("set local answer: %w", err))
		}
		return t.emitDescription(core.SignalAnswer)

	case "answer":
		if !t.initiator {
			return ErrUnexpectedSignal
		}
		return t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP})

	case "candidate":
		if p.Candidate == nil {
			return fmt.Errorf("decode signal: candidate missing")
		}
		t.mu.Lock()
		if !t.remoteSet {
			t.pending = append(t.pending, *p.Candidate)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		return t.pc.AddICECandidate(*p.Candidate)
	}
	return fmt.Errorf("decode signal: unknown type %q", p.Type)
}

func (t *Transport) setRemote(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return t.fatal(fmt.Errorf("set remote %s: %w", desc.Type, err))
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("peer", string(t.remote)).Msg("add held candidate")
		}
	}
	return nil
}

// fatal reports a negotiation failure the link cannot recover from.
func (t *Transport) fatal(err error) error {
	t.h.OnError(err)
	return err
}

func (t *Transport) Destroy() {
	if !t.closing.CompareAndSwap(false, true) {
		return
	}
	t.stream.Stop()
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(t.remote)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", string(t.remote)).Msg("closed")
	}
}
