package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

type fakeTrack struct {
	id   string
	kind domain.MediaType

	mu      sync.Mutex
	enabled bool
	stops   int
	err     error
	done    chan struct{}
}

func newFakeTrack(kind domain.MediaType) *fakeTrack {
	return &fakeTrack{id: string(kind), kind: kind, enabled: true, done: make(chan struct{})}
}

func (t *fakeTrack) ID() string                    { return t.id }
func (t *fakeTrack) Kind() domain.MediaType        { return t.kind }
func (t *fakeTrack) Done() <-chan struct{}         { return t.done }
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	if t.stops == 1 {
		close(t.done)
	}
}

func (t *fakeTrack) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTrack) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

type scriptedCapturer struct {
	results []error
	calls   []core.Constraints
	tracks  []*fakeTrack
}

func (c *scriptedCapturer) Capture(_ context.Context, cons core.Constraints) ([]core.LocalTrack, error) {
	i := len(c.calls)
	c.calls = append(c.calls, cons)
	if i < len(c.results) && c.results[i] != nil {
		return nil, c.results[i]
	}
	a, v := newFakeTrack(domain.MediaAudio), newFakeTrack(domain.MediaVideo)
	c.tracks = append(c.tracks, a, v)
	return []core.LocalTrack{a, v}, nil
}

var preferred = core.Constraints{Video: core.VideoConstraints{MinWidth: 1280, MinHeight: 720, FrameRate: 30}}

func TestAcquire_FallsBackOnceOnUnsatisfiableConstraints(t *testing.T) {
	c := &scriptedCapturer{results: []error{&domain.CaptureError{Kind: domain.CaptureConstraintsUnsatisfiable}}}

	s, err := Acquire(context.Background(), c, preferred)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.calls) != 2 {
		t.Fatalf("expected 2 capture attempts, got %d", len(c.calls))
	}
	if !c.calls[1].IsMinimal() {
		t.Errorf("fallback must use minimal constraints, got %+v", c.calls[1])
	}
	if !s.HasAudio() || !s.HasVideo() {
		t.Errorf("expected both tracks after fallback")
	}
}

func TestAcquire_FallbackFailureIsSurfaced(t *testing.T) {
	unsat := &domain.CaptureError{Kind: domain.CaptureConstraintsUnsatisfiable}
	c := &scriptedCapturer{results: []error{unsat, &domain.CaptureError{Kind: domain.CaptureDeviceNotFound}}}

	_, err := Acquire(context.Background(), c, preferred)

	if !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if len(c.calls) != 2 {
		t.Errorf("expected exactly one fallback, got %d attempts", len(c.calls))
	}
}

func TestAcquire_NoFallbackForOtherErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"permission", &domain.CaptureError{Kind: domain.CapturePermissionDenied}, domain.ErrPermissionDenied},
		{"busy", &domain.CaptureError{Kind: domain.CaptureDeviceBusy}, domain.ErrDeviceBusy},
		{"unclassified", errors.New("boom"), domain.ErrCaptureUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &scriptedCapturer{results: []error{tc.err}}
			_, err := Acquire(context.Background(), c, preferred)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(c.calls) != 1 {
				t.Errorf("expected no retry, got %d attempts", len(c.calls))
			}
		})
	}
}

func TestSession_ToggleIsIdempotent(t *testing.T) {
	c := &scriptedCapturer{}
	s, err := Acquire(context.Background(), c, preferred)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	s.SetAudioEnabled(false)
	s.SetAudioEnabled(false)
	if s.AudioEnabled() {
		t.Errorf("audio should be disabled")
	}
	if !s.VideoEnabled() {
		t.Errorf("video must be untouched")
	}
	s.SetAudioEnabled(true)
	if !s.AudioEnabled() {
		t.Errorf("audio should be enabled again")
	}
}

func TestSession_ReleaseStopsEveryTrackOnce(t *testing.T) {
	c := &scriptedCapturer{}
	s, err := Acquire(context.Background(), c, preferred)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	s.Release()
	s.Release()

	for _, tr := range c.tracks {
		if tr.stops != 1 {
			t.Errorf("track %s stopped %d times, want 1", tr.id, tr.stops)
		}
		if tr.Enabled() {
			t.Errorf("track %s still enabled after release", tr.id)
		}
	}
	if len(s.Tracks()) != 0 {
		t.Errorf("released session must expose no tracks")
	}
}

func TestSession_OnFailureFiresOnDeviceError(t *testing.T) {
	c := &scriptedCapturer{}
	s, err := Acquire(context.Background(), c, preferred)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got := make(chan error, 2)
	s.OnFailure(func(err error) { got <- err })

	c.tracks[1].fail(errors.New("unplugged"))

	select {
	case err := <-got:
		if err == nil || err.Error() != "unplugged" {
			t.Errorf("unexpected failure %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("failure callback not called")
	}
}

func TestSession_ReleaseDoesNotReportFailure(t *testing.T) {
	c := &scriptedCapturer{}
	s, err := Acquire(context.Background(), c, preferred)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got := make(chan error, 2)
	s.OnFailure(func(err error) { got <- err })

	s.Release()

	select {
	case err := <-got:
		t.Fatalf("unexpected failure after release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
