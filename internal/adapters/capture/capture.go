// Package capture provides camera and microphone stand-ins backed by media
// files: IVF for video and Ogg/Opus for audio. Files are played in a loop and
// exposed as pion sample tracks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

var errEmptySource = errors.New("source has no media")

// Source names the files standing in for the devices. An empty path means
// the device is absent.
type Source struct {
	Video string
	Audio string
}

// Capturer implements core.Capturer.
type Capturer struct {
	src Source
}

func New(src Source) *Capturer {
	return &Capturer{src: src}
}

func (c *Capturer) Capture(ctx context.Context, cons core.Constraints) ([]core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.src.Video == "" && c.src.Audio == "" {
		return nil, &domain.CaptureError{Kind: domain.CaptureDeviceNotFound}
	}
	streamID := "liveroom-" + uuid.NewString()

	var tracks []core.LocalTrack
	fail := func(err error) ([]core.LocalTrack, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	if c.src.Video != "" {
		t, err := openVideo(c.src.Video, streamID, cons.Video)
		if err != nil {
			return fail(err)
		}
		tracks = append(tracks, t)
	}
	if c.src.Audio != "" {
		t, err := openAudio(c.src.Audio, streamID)
		if err != nil {
			return fail(err)
		}
		tracks = append(tracks, t)
	}

	for _, t := range tracks {
		t.(*fileTrack).start()
	}
	log.Info().
		Str("module", "capture").
		Str("stream", streamID).
		Int("tracks", len(tracks)).
		Msg("devices opened")
	return tracks, nil
}

// devices tracks which sources are in use, so a second capture of the same
// file reports the device as busy the way a real camera would.
var devices = struct {
	mu   sync.Mutex
	held map[string]bool
}{held: make(map[string]bool)}

func claim(path string) error {
	devices.mu.Lock()
	defer devices.mu.Unlock()
	if devices.held[path] {
		return &domain.CaptureError{Kind: domain.CaptureDeviceBusy, Device: path}
	}
	devices.held[path] = true
	return nil
}

func unclaim(path string) {
	devices.mu.Lock()
	defer devices.mu.Unlock()
	delete(devices.held, path)
}

func classifyOpen(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &domain.CaptureError{Kind: domain.CaptureDeviceNotFound, Device: path, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &domain.CaptureError{Kind: domain.CapturePermissionDenied, Device: path, Err: err}
	}
	return &domain.CaptureError{Kind: domain.CaptureUnknown, Device: path, Err: err}
}

func videoMime(fourcc string) (string, bool) {
	switch strings.ToUpper(fourcc) {
	case "VP80":
		return webrtc.MimeTypeVP8, true
	case "VP90":
		return webrtc.MimeTypeVP9, true
	case "AV01":
		return webrtc.MimeTypeAV1, true
	}
	return "", false
}

func openVideo(path, streamID string, want core.VideoConstraints) (*fileTrack, error) {
	if err := claim(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		unclaim(path)
		return nil, classifyOpen(path, err)
	}
	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		unclaim(path)
		return nil, &domain.CaptureError{Kind: domain.CaptureUnknown, Device: path, Err: err}
	}

	unsatisfiable := func(format string, args ...any) (*fileTrack, error) {
		_ = f.Close()
		unclaim(path)
		return nil, &domain.CaptureError{
			Kind:   domain.CaptureConstraintsUnsatisfiable,
			Device: path,
			Err:    fmt.Errorf(format, args...),
		}
	}
	if int(header.Width) < want.MinWidth || int(header.Height) < want.MinHeight {
		return unsatisfiable("%dx%d below %dx%d", header.Width, header.Height, want.MinWidth, want.MinHeight)
	}
	if fps := frameRate(header); want.FrameRate > 0 && fps < want.FrameRate {
		return unsatisfiable("%.1f fps below %.1f", fps, want.FrameRate)
	}
	mime, ok := videoMime(header.FourCC)
	if !ok {
		_ = f.Close()
		unclaim(path)
		return nil, &domain.CaptureError{Kind: domain.CaptureUnknown, Device: path, Err: fmt.Errorf("unsupported codec %q", header.FourCC)}
	}

	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
	if err != nil {
		_ = f.Close()
		unclaim(path)
		return nil, &domain.CaptureError{Kind: domain.CaptureUnknown, Device: path, Err: err}
	}
	_ = f.Close()
	return newFileTrack(domain.MediaVideo, path, local, &ivfPump{file: path}), nil
}

func openAudio(path, streamID string) (*fileTrack, error) {
	if err := claim(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		unclaim(path)
		return nil, classifyOpen(path, err)
	}
	_, _, err = oggreader.NewWith(f)
	_ = f.Close()
	if err != nil {
		unclaim(path)
		return nil, &domain.CaptureError{Kind: domain.CaptureUnknown, Device: path, Err: err}
	}

	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		unclaim(path)
		return nil, &domain.CaptureError{Kind: domain.CaptureUnknown, Device: path, Err: err}
	}
	return newFileTrack(domain.MediaAudio, path, local, &oggPump{file: path}), nil
}

// rewind reopens path and positions a reader after its header.
func rewind[R any, H any](path string, open func(io.Reader) (R, H, error)) (*os.File, R, H, error) {
	var (
		zeroR R
		zeroH H
	)
	f, err := os.Open(path)
	if err != nil {
		return nil, zeroR, zeroH, err
	}
	r, h, err := open(f)
	if err != nil {
		_ = f.Close()
		return nil, zeroR, zeroH, err
	}
	return f, r, h, nil
}
