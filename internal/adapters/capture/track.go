package capture

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/liveroom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	defaultFrameDuration = 33 * time.Millisecond
	oggPageDuration      = 20 * time.Millisecond
	opusSampleRate       = 48000
)

// errRewind asks the pump to start the file over.
var errRewind = errors.New("rewind")

type pump interface {
	// play writes samples until stop closes or the source ends. It returns
	// errRewind at a clean end of file.
	play(stop <-chan struct{}, write func(media.Sample) error) error
}

// fileTrack implements core.LocalTrack on top of a pion sample track.
type fileTrack struct {
	id     string
	kind   domain.MediaType
	device string
	local  *webrtc.TrackLocalStaticSample
	src    pump

	enabled atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func newFileTrack(kind domain.MediaType, device string, local *webrtc.TrackLocalStaticSample, src pump) *fileTrack {
	t := &fileTrack{
		id:     uuid.NewString(),
		kind:   kind,
		device: device,
		local:  local,
		src:    src,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *fileTrack) ID() string                    { return t.id }
func (t *fileTrack) Kind() domain.MediaType        { return t.kind }
func (t *fileTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *fileTrack) SetEnabled(on bool)            { t.enabled.Store(on) }
func (t *fileTrack) Done() <-chan struct{}         { return t.done }
func (t *fileTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *fileTrack) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fileTrack) start() {
	t.startOnce.Do(func() { go t.run() })
}

// Stop releases the device and waits for the pump to exit.
func (t *fileTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.startOnce.Do(func() { t.finish(nil) })
	<-t.done
}

func (t *fileTrack) run() {
	for {
		err := t.src.play(t.stop, t.write)
		if errors.Is(err, errRewind) {
			continue
		}
		t.finish(err)
		return
	}
}

// write drops samples while the track is muted, like a disabled hardware track.
func (t *fileTrack) write(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

func (t *fileTrack) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	unclaim(t.device)
	close(t.done)

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("module", "capture").
		Str("kind", string(t.kind)).
		Str("device", t.device).
		Msg("track ended")
}

type ivfPump struct{ file string }

func (p *ivfPump) play(stop <-chan struct{}, write func(media.Sample) error) error {
	f, r, header, err := rewind(p.file, ivfreader.NewWith)
	if err != nil {
		return err
	}
	defer f.Close()

	d := frameDuration(header)
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	frames := 0
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}
		frame, _, err := r.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if frames == 0 {
				return errEmptySource
			}
			return errRewind
		}
		if err != nil {
			return err
		}
		frames++
		if err := write(media.Sample{Data: frame, Duration: d}); err != nil {
			return err
		}
	}
}

func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseNumerator == 0 || h.TimebaseDenominator == 0 {
		return defaultFrameDuration
	}
	return time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
}

// frameRate is the nominal rate of an IVF file, assuming one frame per tick.
func frameRate(h *ivfreader.IVFFileHeader) float64 {
	return float64(time.Second) / float64(frameDuration(h))
}

type oggPump struct{ file string }

func (p *oggPump) play(stop <-chan struct{}, write func(media.Sample) error) error {
	f, r, _, err := rewind(p.file, oggreader.NewWith)
	if err != nil {
		return err
	}
	defer f.Close()

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	pages := 0
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}
		page, header, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if pages == 0 {
				return errEmptySource
			}
			return errRewind
		}
		if err != nil {
			return err
		}
		pages++
		samples := header.GranulePosition - lastGranule
		if header.GranulePosition < lastGranule {
			samples = 0
		}
		lastGranule = header.GranulePosition
		d := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
		if err := write(media.Sample{Data: page, Duration: d}); err != nil {
			return err
		}
	}
}
