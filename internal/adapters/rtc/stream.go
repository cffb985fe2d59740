package rtc

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type sinkState int32

const (
	sinkOk sinkState = iota
	sinkDelete
)

// outSink is one consumer of a remote stream.
type outSink struct {
	sink  core.StreamSink
	state atomic.Int32 // zero by default (sinkOk)
}

func (o *outSink) deleted() bool { return sinkState(o.state.Load()) == sinkDelete }
func (o *outSink) markDelete()   { o.state.Store(int32(sinkDelete)) }

// rtpSource is the part of *webrtc.TrackRemote the forwarding loop needs.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Stream forwards the RTP of one remote participant's tracks to its sinks.
// It implements core.RemoteStream.
type Stream struct {
	id string

	mu    sync.RWMutex
	kinds []domain.MediaType
	sinks map[string]*outSink

	packets atomic.Uint64
	bytes   atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
}

func newStream(id string) *Stream {
	return &Stream{
		id:    id,
		sinks: make(map[string]*outSink),
		stop:  make(chan struct{}),
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Kinds() []domain.MediaType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MediaType, len(s.kinds))
	copy(out, s.kinds)
	return out
}

func (s *Stream) AddSink(id string, sink core.StreamSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sinks[id]; ok {
		old.markDelete()
	}
	s.sinks[id] = &outSink{sink: sink}
}

func (s *Stream) RemoveSink(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.sinks[id]; ok {
		o.markDelete()
		delete(s.sinks, id)
	}
}

func (s *Stream) Stats() core.StreamStats {
	return core.StreamStats{Packets: s.packets.Load(), Bytes: s.bytes.Load()}
}

// Stop ends every forwarding loop and drops all sinks.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.markAllDelete()
	})
}

func (s *Stream) done() <-chan struct{} { return s.stop }

// addTrack starts forwarding src. It reports whether this is the stream's
// first track.
func (s *Stream) addTrack(kind domain.MediaType, src rtpSource) bool {
	s.mu.Lock()
	first := len(s.kinds) == 0
	s.kinds = append(s.kinds, kind)
	s.mu.Unlock()

	logger := log.With().
		Str("module", "rtc").
		Str("stream", s.id).
		Str("kind", string(kind)).
		Logger()
	go s.loop(kind, src, &logger)
	return first
}

// loop reads RTP packets from the source track and forwards them to all sinks.
func (s *Stream) loop(kind domain.MediaType, src rtpSource, logger *zerolog.Logger) {
	for {
		select {
		case <-s.stop:
			logger.Debug().Msg("stream stopped")
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("stream read RTP ended")
			return
		}
		s.forward(kind, pkt, logger)
	}
}

func (s *Stream) forward(kind domain.MediaType, pkt *rtp.Packet, logger *zerolog.Logger) {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))

	s.mu.RLock()
	snapshot := make(map[string]*outSink, len(s.sinks))
	maps.Copy(snapshot, s.sinks)
	s.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, o := range snapshot {
		if o.deleted() {
			dirty = append(dirty, id)
			continue
		}
		if err := o.sink.WriteRTP(kind, pkt); err != nil {
			logger.Warn().Err(err).Str("sink", id).Msg("sink write RTP error, removing sink")
			o.markDelete()
			dirty = append(dirty, id)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		s.cleanupDeleted(dirty)
	}
}

func (s *Stream) cleanupDeleted(dirty []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range dirty {
		if o, ok := s.sinks[id]; ok && o.deleted() {
			delete(s.sinks, id)
		}
	}
}

func (s *Stream) markAllDelete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.sinks {
		o.markDelete()
		delete(s.sinks, id)
	}
}
