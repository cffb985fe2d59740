package rtc

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/pion/webrtc/v4"
)

type testHandler struct {
	signals   chan core.Signal
	connected chan struct{}
	errs      chan error
	once      sync.Once
}

func newTestHandler() *testHandler {
	return &testHandler{
		signals:   make(chan core.Signal, 128),
		connected: make(chan struct{}),
		errs:      make(chan error, 4),
	}
}

func (h *testHandler) OnSignal(s core.Signal)     { h.signals <- s }
func (h *testHandler) OnStream(core.RemoteStream) {}
func (h *testHandler) OnConnected()               { h.once.Do(func() { close(h.connected) }) }
func (h *testHandler) OnClosed()                  {}
func (h *testHandler) OnError(err error)          { h.errs <- err }

func newLoopbackConnector(t *testing.T) *Connector {
	t.Helper()
	c, err := NewConnector(Options{Loopback: true})
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	return c
}

func TestInitiatorEmitsOffer(t *testing.T) {
	c := newLoopbackConnector(t)
	h := newTestHandler()

	tr, err := c.Open(core.LinkConfig{RemoteID: "l1", Initiator: true}, h)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Destroy()

	s := <-h.signals
	if s.Type != core.SignalOffer {
		t.Fatalf("first signal = %s", s.Type)
	}
	var p payload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Type != "offer" || p.SDP == "" {
		t.Errorf("offer payload = %+v", p)
	}
}

func TestSignalRejectsWrongSide(t *testing.T) {
	c := newLoopbackConnector(t)
	answerer, err := c.Open(core.LinkConfig{RemoteID: "i1"}, newTestHandler())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer answerer.Destroy()

	if err := answerer.Signal(json.RawMessage(`{"type":"answer","sdp":"v=0"}`)); !errors.Is(err, ErrUnexpectedSignal) {
		t.Errorf("answer on answerer: %v", err)
	}
	if err := answerer.Signal(json.RawMessage(`{"type":"bogus"}`)); err == nil {
		t.Errorf("unknown type accepted")
	}
	if err := answerer.Signal(json.RawMessage(`not json`)); err == nil {
		t.Errorf("garbage accepted")
	}
}

func TestCandidatesHeldUntilRemoteDescription(t *testing.T) {
	c := newLoopbackConnector(t)
	tr, err := c.Open(core.LinkConfig{RemoteID: "i1"}, newTestHandler())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Destroy()

	cand := json.RawMessage(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}}`)
	if err := tr.Signal(cand); err != nil {
		t.Fatalf("early candidate: %v", err)
	}

	rt := tr.(*Transport)
	rt.mu.Lock()
	held := len(rt.pending)
	rt.mu.Unlock()
	if held != 1 {
		t.Errorf("held %d candidates", held)
	}
}

func TestLocalCandidatesFollowDescription(t *testing.T) {
	c := newLoopbackConnector(t)
	hi, ha := newTestHandler(), newTestHandler()
	initiator, err := c.Open(core.LinkConfig{RemoteID: "l1", Initiator: true}, hi)
	if err != nil {
		t.Fatalf("open initiator: %v", err)
	}
	defer initiator.Destroy()
	offer := <-hi.signals
	if offer.Type != core.SignalOffer {
		t.Fatalf("initiator first signal = %s", offer.Type)
	}

	answerer, err := c.Open(core.LinkConfig{RemoteID: "i1"}, ha)
	if err != nil {
		t.Fatalf("open answerer: %v", err)
	}
	defer answerer.Destroy()
	early := webrtc.ICECandidateInit{Candidate: "candidate:9 1 udp 2130706431 127.0.0.1 50009 typ host"}
	answerer.(*Transport).localCandidate(early)

	select {
	case s := <-ha.signals:
		t.Fatalf("%s emitted before any description", s.Type)
	case <-time.After(20 * time.Millisecond):
	}

	if err := answerer.Signal(offer.Payload); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	if s := <-ha.signals; s.Type != core.SignalAnswer {
		t.Fatalf("first signal = %s, want answer", s.Type)
	}
	s := <-ha.signals
	var p payload
	if err := json.Unmarshal(s.Payload, &p); err != nil || s.Type != core.SignalCandidate || p.Candidate == nil {
		t.Fatalf("second signal = %s %s", s.Type, s.Payload)
	}
	if p.Candidate.Candidate != early.Candidate {
		t.Errorf("flushed %q", p.Candidate.Candidate)
	}
}

func TestLoopbackPairConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	c := newLoopbackConnector(t)
	ha, hb := newTestHandler(), newTestHandler()

	ta, err := c.Open(core.LinkConfig{RemoteID: "l1", Initiator: true}, ha)
	if err != nil {
		t.Fatalf("open initiator: %v", err)
	}
	defer ta.Destroy()
	tb, err := c.Open(core.LinkConfig{RemoteID: "i1"}, hb)
	if err != nil {
		t.Fatalf("open answerer: %v", err)
	}
	defer tb.Destroy()

	aConnected, bConnected := ha.connected, hb.connected
	deadline := time.After(15 * time.Second)
	for aConnected != nil || bConnected != nil {
		select {
		case s := <-ha.signals:
			if err := tb.Signal(s.Payload); err != nil {
				t.Fatalf("answerer signal %s: %v", s.Type, err)
			}
		case s := <-hb.signals:
			if err := ta.Signal(s.Payload); err != nil {
				t.Fatalf("initiator signal %s: %v", s.Type, err)
			}
		case <-aConnected:
			aConnected = nil
		case <-bConnected:
			bConnected = nil
		case err := <-ha.errs:
			t.Fatalf("initiator error: %v", err)
		case err := <-hb.errs:
			t.Fatalf("answerer error: %v", err)
		case <-deadline:
			t.Fatal("peers did not connect")
		}
	}
}
