package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

type ivfFile struct {
	width, height uint16
	// timebase is 1/rate seconds per frame.
	rate      uint32
	frames    int
	truncated bool
}

func writeIVF(t *testing.T, f ivfFile) string {
	t.Helper()
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:6], 0)
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:14], f.width)
	binary.LittleEndian.PutUint16(header[14:16], f.height)
	binary.LittleEndian.PutUint32(header[16:20], f.rate)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(f.frames))

	buf := header
	for i := 0; i < f.frames; i++ {
		frame := make([]byte, 12)
		binary.LittleEndian.PutUint32(frame[0:4], 4)
		binary.LittleEndian.PutUint64(frame[4:12], uint64(i))
		buf = append(buf, frame...)
		buf = append(buf, 0x10, 0x02, 0x00, 0x9d)
	}
	if f.truncated {
		frame := make([]byte, 12)
		binary.LittleEndian.PutUint32(frame[0:4], 100)
		buf = append(buf, frame...)
		buf = append(buf, 1, 2, 3)
	}

	path := filepath.Join(t.TempDir(), "camera.ivf")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write ivf: %v", err)
	}
	return path
}

func writeOgg(t *testing.T, pages int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		t.Fatalf("ogg writer: %v", err)
	}
	for i := 0; i < pages; i++ {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}
		if err := w.WriteRTP(pkt); err != nil {
			t.Fatalf("write ogg page: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close ogg: %v", err)
	}
	return path
}

func stopAll(tracks []core.LocalTrack) {
	for _, tr := range tracks {
		tr.Stop()
	}
}

func TestCaptureOpensBothTracks(t *testing.T) {
	c := New(Source{
		Video: writeIVF(t, ivfFile{width: 640, height: 480, rate: 30, frames: 3}),
		Audio: writeOgg(t, 5),
	})

	tracks, err := c.Capture(context.Background(), core.Constraints{
		Video: core.VideoConstraints{MinWidth: 640, MinHeight: 480, FrameRate: 24},
		Audio: core.AudioConstraints{EchoCancellation: true},
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks", len(tracks))
	}
	if tracks[0].Kind() != domain.MediaVideo || tracks[1].Kind() != domain.MediaAudio {
		t.Errorf("kinds = %s, %s", tracks[0].Kind(), tracks[1].Kind())
	}
	if tracks[0].TrackLocal().Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("video track local kind = %s", tracks[0].TrackLocal().Kind())
	}
	if tracks[0].TrackLocal().StreamID() != tracks[1].TrackLocal().StreamID() {
		t.Errorf("tracks belong to different streams")
	}
	for _, tr := range tracks {
		if !tr.Enabled() {
			t.Errorf("%s track starts disabled", tr.Kind())
		}
	}

	stopAll(tracks)
	for _, tr := range tracks {
		select {
		case <-tr.Done():
		default:
			t.Errorf("%s track not done after stop", tr.Kind())
		}
		if tr.Err() != nil {
			t.Errorf("%s track err after stop: %v", tr.Kind(), tr.Err())
		}
	}
}

func TestCaptureRejectsSmallCamera(t *testing.T) {
	c := New(Source{Video: writeIVF(t, ivfFile{width: 320, height: 240, rate: 30, frames: 1})})

	_, err := c.Capture(context.Background(), core.Constraints{
		Video: core.VideoConstraints{MinWidth: 1280, MinHeight: 720},
	})
	if !errors.Is(err, domain.ErrConstraintsUnsatisfiable) {
		t.Fatalf("err = %v", err)
	}

	tracks, err := c.Capture(context.Background(), core.MinimalConstraints())
	if err != nil {
		t.Fatalf("minimal capture after rejection: %v", err)
	}
	stopAll(tracks)
}

func TestCaptureRejectsLowFrameRate(t *testing.T) {
	c := New(Source{Video: writeIVF(t, ivfFile{width: 1280, height: 720, rate: 15, frames: 1})})

	_, err := c.Capture(context.Background(), core.Constraints{
		Video: core.VideoConstraints{FrameRate: 30},
	})
	if !errors.Is(err, domain.ErrConstraintsUnsatisfiable) {
		t.Fatalf("err = %v", err)
	}
}

func TestCaptureDeviceBusy(t *testing.T) {
	src := Source{Video: writeIVF(t, ivfFile{width: 640, height: 480, rate: 30, frames: 2})}

	first, err := New(src).Capture(context.Background(), core.MinimalConstraints())
	if err != nil {
		t.Fatalf("first capture: %v", err)
	}
	if _, err := New(src).Capture(context.Background(), core.MinimalConstraints()); !errors.Is(err, domain.ErrDeviceBusy) {
		t.Fatalf("second capture err = %v", err)
	}

	stopAll(first)
	again, err := New(src).Capture(context.Background(), core.MinimalConstraints())
	if err != nil {
		t.Fatalf("capture after release: %v", err)
	}
	stopAll(again)
}

func TestCaptureMissingDevice(t *testing.T) {
	if _, err := New(Source{}).Capture(context.Background(), core.MinimalConstraints()); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("no devices: %v", err)
	}

	missing := filepath.Join(t.TempDir(), "nope.ivf")
	if _, err := New(Source{Video: missing}).Capture(context.Background(), core.MinimalConstraints()); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("missing file: %v", err)
	}
}

func TestCapturePermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	path := writeIVF(t, ivfFile{width: 640, height: 480, rate: 30, frames: 1})
	if err := os.Chmod(path, 0); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := New(Source{Video: path}).Capture(context.Background(), core.MinimalConstraints()); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("err = %v", err)
	}
}

func TestCaptureUnreadableSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camera.ivf")
	if err := os.WriteFile(path, []byte("definitely not a video"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Source{Video: path}).Capture(context.Background(), core.MinimalConstraints()); !errors.Is(err, domain.ErrCaptureUnknown) {
		t.Errorf("err = %v", err)
	}
}

func TestCapturePartialFailureReleasesDevices(t *testing.T) {
	video := writeIVF(t, ivfFile{width: 640, height: 480, rate: 30, frames: 1})
	src := Source{Video: video, Audio: filepath.Join(t.TempDir(), "missing.ogg")}

	if _, err := New(src).Capture(context.Background(), core.MinimalConstraints()); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("err = %v", err)
	}
	tracks, err := New(Source{Video: video}).Capture(context.Background(), core.MinimalConstraints())
	if err != nil {
		t.Fatalf("camera still held: %v", err)
	}
	stopAll(tracks)
}

func TestCaptureCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Source{Video: writeIVF(t, ivfFile{width: 640, height: 480, rate: 30, frames: 1})})
	if _, err := c.Capture(ctx, core.MinimalConstraints()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestCorruptStreamEndsTrack(t *testing.T) {
	c := New(Source{Video: writeIVF(t, ivfFile{width: 640, height: 480, rate: 100, frames: 1, truncated: true})})
	tracks, err := c.Capture(context.Background(), core.MinimalConstraints())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	tr := tracks[0]

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("corrupt track kept running")
	}
	if tr.Err() == nil {
		t.Errorf("track ended without an error")
	}
	tr.Stop()
}

func TestTrackLoopsAndMutes(t *testing.T) {
	c := New(Source{Video: writeIVF(t, ivfFile{width: 640, height: 480, rate: 200, frames: 2})})
	tracks, err := c.Capture(context.Background(), core.MinimalConstraints())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	tr := tracks[0]
	defer tr.Stop()

	tr.SetEnabled(false)
	if tr.Enabled() {
		t.Errorf("track still enabled")
	}
	time.Sleep(60 * time.Millisecond)
	tr.SetEnabled(true)

	select {
	case <-tr.Done():
		t.Fatalf("track ended at end of file: %v", tr.Err())
	default:
	}
}
