// Package coretest provides in-memory implementations of the core interfaces
// for tests that need a channel, a capturer or a peer transport without any
// network or device.
package coretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ErrChannelClosed = errors.New("coretest: channel closed")

// Channel is a scripted core.SignalChannel. Tests push inbound messages with
// Deliver and inspect outbound ones with Sent.
type Channel struct {
	// ConnectErr is returned by Connect.
	ConnectErr error
	// Gate, when set, makes Connect wait until it is closed or ctx ends.
	Gate chan struct{}

	mu        sync.Mutex
	msgs      chan core.Message
	sent      []core.Message
	connected bool
	closed    bool
	closes    int
	room      domain.SessionID
	token     string
}

func NewChannel() *Channel {
	return &Channel{msgs: make(chan core.Message, 64)}
}

func (c *Channel) Connect(ctx context.Context, room domain.SessionID, token string) error {
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.connected = true
	c.room = room
	c.token = token
	return nil
}

func (c *Channel) Messages() <-chan core.Message { return c.msgs }

func (c *Channel) Send(m core.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.connected {
		return ErrChannelClosed
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.msgs)
	return nil
}

// Deliver pushes an inbound message. It reports false once the channel is closed.
func (c *Channel) Deliver(m core.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.msgs <- m
	return true
}

// Drop simulates losing the transport: a disconnected message, then end of stream.
func (c *Channel) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.msgs <- core.Message{Type: core.KindDisconnected}
	c.closed = true
	close(c.msgs)
}

func (c *Channel) Sent() []core.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentKinds lists the types of outbound messages in order.
func (c *Channel) SentKinds() []core.Kind {
	sent := c.Sent()
	out := make([]core.Kind, len(sent))
	for i, m := range sent {
		out[i] = m.Type
	}
	return out
}

func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Channel) Room() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Track is a fake local track.
type Track struct {
	id   string
	kind domain.MediaType

	mu      sync.Mutex
	enabled bool
	stops   int
	err     error
	done    chan struct{}
}

func NewTrack(kind domain.MediaType) *Track {
	return &Track{id: "fake-" + string(kind), kind: kind, enabled: true, done: make(chan struct{})}
}

func (t *Track) ID() string                    { return t.id }
func (t *Track) Kind() domain.MediaType        { return t.kind }
func (t *Track) Done() <-chan struct{}         { return t.done }
func (t *Track) TrackLocal() webrtc.TrackLocal { return nil }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	if t.stops == 1 && t.err == nil {
		close(t.done)
	}
}

func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *Track) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Fail ends the track as if the device went away.
func (t *Track) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil || t.stops > 0 {
		return
	}
	t.err = err
	close(t.done)
}

// Capturer returns one audio and one video Track, or Err.
type Capturer struct {
	Err error
	// Gate, when set, makes Capture wait until it is closed or ctx ends.
	Gate chan struct{}

	mu     sync.Mutex
	calls  int
	tracks []*Track
}

func (c *Capturer) Capture(ctx context.Context, _ core.Constraints) ([]core.LocalTrack, error) {
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.Err != nil {
		return nil, c.Err
	}
	a, v := NewTrack(domain.MediaAudio), NewTrack(domain.MediaVideo)
	c.tracks = append(c.tracks, a, v)
	return []core.LocalTrack{a, v}, nil
}

func (c *Capturer) Tracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Track, len(c.tracks))
	copy(out, c.tracks)
	return out
}

// Transport is a fake peer transport. Tests drive the link through its
// Handler: Connect, Emit, Stream and Fail.
type Transport struct {
	Remote    domain.UserID
	Initiator bool
	Tracks    int
	Handler   core.LinkHandler
	SignalErr error

	mu        sync.Mutex
	signals   []json.RawMessage
	destroyed int
}

func (t *Transport) Signal(p json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, p)
	return t.SignalErr
}

func (t *Transport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyed++
}

func (t *Transport) Signals() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]json.RawMessage, len(t.signals))
	copy(out, t.signals)
	return out
}

func (t *Transport) Destroyed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

func (t *Transport) Connect()           { t.Handler.OnConnected() }
func (t *Transport) Emit(s core.Signal) { t.Handler.OnSignal(s) }
func (t *Transport) Fail(err error)     { t.Handler.OnError(err) }
func (t *Transport) Stream(s *Stream)   { t.Handler.OnStream(s) }
func (t *Transport) CloseRemotely()     { t.Handler.OnClosed() }

// Offer is the payload fake initiators emit.
func Offer(to domain.UserID) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":"fake-offer-%s"}`, to))
}

func Answer(to domain.UserID) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"answer","sdp":"fake-answer-%s"}`, to))
}

// Connector opens Transports. Initiators emit an Offer from inside Open,
// answerers emit an Answer once they receive the offer when AutoAnswer is set.
type Connector struct {
	OpenErr    error
	AutoAnswer bool

	mu     sync.Mutex
	opened []*Transport
}

func (c *Connector) Open(cfg core.LinkConfig, h core.LinkHandler) (core.PeerTransport, error) {
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	t := &Transport{Remote: cfg.RemoteID, Initiator: cfg.Initiator, Tracks: len(cfg.Tracks), Handler: h}
	c.mu.Lock()
	c.opened = append(c.opened, t)
	c.mu.Unlock()
	if cfg.Initiator {
		h.OnSignal(core.Signal{Type: core.SignalOffer, Payload: Offer(cfg.RemoteID)})
	}
	if !cfg.Initiator && c.AutoAnswer {
		return &autoAnswer{Transport: t}, nil
	}
	return t, nil
}

func (c *Connector) Opened() []*Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Transport, len(c.opened))
	copy(out, c.opened)
	return out
}

// Last returns the most recent transport opened towards id.
func (c *Connector) Last(id domain.UserID) *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.opened) - 1; i >= 0; i-- {
		if c.opened[i].Remote == id {
			return c.opened[i]
		}
	}
	return nil
}

type autoAnswer struct {
	*Transport
	answered bool
}

func (a *autoAnswer) Signal(p json.RawMessage) error {
	if err := a.Transport.Signal(p); err != nil {
		return err
	}
	if !a.answered {
		a.answered = true
		a.Handler.OnSignal(core.Signal{Type: core.SignalAnswer, Payload: Answer(a.Remote)})
	}
	return nil
}

// Stream is a fake remote stream.
type Stream struct {
	id string

	mu      sync.Mutex
	sinks   map[string]core.StreamSink
	stopped int
}

func NewStream(id string) *Stream {
	return &Stream{id: id, sinks: make(map[string]core.StreamSink)}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Kinds() []domain.MediaType {
	return []domain.MediaType{domain.MediaAudio, domain.MediaVideo}
}

func (s *Stream) AddSink(id string, sink core.StreamSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks[id] = sink
}

func (s *Stream) RemoveSink(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, id)
}

func (s *Stream) Stats() core.StreamStats { return core.StreamStats{} }

func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	s.sinks = map[string]core.StreamSink{}
}

func (s *Stream) Stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
