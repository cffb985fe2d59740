// Package orch coordinates one local participant's session: the signaling
// channel, local media, the membership roster and the peer links.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/app/media"
	"github.com/dkeye/liveroom/internal/app/peers"
	"github.com/dkeye/liveroom/internal/app/roster"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrLeftBeforeJoin = errors.New("left before the join completed")
	ErrNotJoined      = errors.New("not joined")
	ErrNoDevice       = errors.New("no local track of that kind")
	ErrNotInstructor  = errors.New("only the instructor can end the session")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

const defaultEventBuffer = 64

type Config struct {
	// Self identifies the local participant. Only UserID and Role are read.
	Self        domain.Participant
	Channel     core.SignalChannel
	Capturer    core.Capturer
	Connector   core.PeerConnector
	Constraints core.Constraints
	// ConnectTimeout bounds each peer link's negotiation.
	ConnectTimeout time.Duration
	// MaxPeers caps the mesh, local participant included.
	MaxPeers    int
	EventBuffer int
}

// Orchestrator is single-use: one Join, one teardown.
//
// Every mutation happens with mu held, either from the loop goroutine that
// drains the channel and the task queue, from the capture resolving, or from
// an explicit caller action.
// That serializes inbound messages, transport callbacks and user actions.
type Orchestrator struct {
	cfg    Config
	events chan Event
	queue  *taskQueue

	mu         sync.Mutex
	state      State
	started    bool
	left       bool
	session    domain.SessionID
	roster     roster.Roster
	links      *peers.Registry
	media      *media.Session
	captureErr error
	mediaReady bool
	roomJoined bool
	// held keeps link signaling that arrived before the session was joined.
	held        []core.Message
	channelOpen bool
	cancelJoin  context.CancelFunc
	leaveErr    error

	joined chan struct{}
	done   chan struct{}
}

func New(cfg Config) *Orchestrator {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Orchestrator{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		queue:  newTaskQueue(),
		joined: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Join connects to the room and acquires local media concurrently. join-room
// goes out as soon as the channel is up; Join then blocks until room-joined
// has arrived and the media has resolved, or the attempt fails. A camera
// failure does not fail the join; it surfaces as an EventWarning once joined.
func (o *Orchestrator) Join(ctx context.Context, session domain.SessionID, token string) error {
	o.mu.Lock()
	if o.started || o.left {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.session = session
	joinCtx, cancel := context.WithCancel(ctx)
	o.cancelJoin = cancel
	o.links = peers.NewRegistry(peers.Config{
		Self:           o.cfg.Self,
		Connector:      o.cfg.Connector,
		Tracks:         func() []core.LocalTrack { return o.media.Tracks() },
		ConnectTimeout: o.cfg.ConnectTimeout,
		MaxPeers:       o.cfg.MaxPeers,
		Post:           o.queue.post,
		Hooks:          o.linkHooks(),
	})
	o.setStateLocked(StateConnecting)
	o.mu.Unlock()

	log.Info().
		Str("module", "app.orch").
		Str("user", string(o.cfg.Self.UserID)).
		Str("role", string(o.cfg.Self.Role)).
		Str("session", string(session)).
		Msg("joining")

	g, gctx := errgroup.WithContext(joinCtx)
	g.Go(func() error {
		return o.connect(gctx, session, token)
	})
	g.Go(func() error {
		ms, err := media.Acquire(gctx, o.cfg.Capturer, o.cfg.Constraints)
		o.mediaResolved(ms, err)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case <-o.joined:
		return nil
	case <-o.done:
		return o.Err()
	case <-joinCtx.Done():
		o.Leave()
		if err := o.Err(); err != nil {
			return err
		}
		return joinCtx.Err()
	}
}

// connect opens the channel, starts the loop and sends join-room without
// waiting for the media.
func (o *Orchestrator) connect(ctx context.Context, session domain.SessionID, token string) error {
	err := o.cfg.Channel.Connect(ctx, session, token)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.left {
		return ErrLeftBeforeJoin
	}
	if err != nil {
		serr := &domain.SignalingError{Kind: domain.SignalingRoomUnreachable, Err: err}
		o.teardownLocked(serr)
		return serr
	}
	o.channelOpen = true
	go o.run(o.cfg.Channel.Messages())

	if err := o.sendLocked(core.KindJoinRoom, core.JoinRoom{SessionID: session}); err != nil {
		serr := &domain.SignalingError{Kind: domain.SignalingRoomUnreachable, Err: err}
		o.teardownLocked(serr)
		return serr
	}
	return nil
}

// mediaResolved adopts the outcome of the capture. Media that resolves after
// a leave is released at once.
func (o *Orchestrator) mediaResolved(ms *media.Session, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.left {
		ms.Release()
		return
	}
	o.media = ms
	o.captureErr = err
	o.mediaReady = true
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("joining without local media")
	}
	if ms != nil {
		ms.OnFailure(func(err error) {
			o.queue.post(func() {
				o.teardownLocked(err)
			})
		})
	}
	o.enterJoinedLocked()
}

// Leave runs the teardown sequence. Safe to call any number of times and in
// any state.
func (o *Orchestrator) Leave() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.teardownLocked(nil)
}

// Events is never closed; EventLeft marks the end of a session.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Done is closed once teardown has completed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Err reports why the session ended; nil while running or after a plain Leave.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.leaveErr
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Roster() roster.Roster {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(roster.Roster, len(o.roster))
	copy(out, o.roster)
	return out
}

func (o *Orchestrator) Links() []peers.Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.links == nil {
		return nil
	}
	return o.links.Links()
}

func (o *Orchestrator) Stats() peers.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.links == nil {
		return peers.Stats{}
	}
	return o.links.Stats()
}

// CaptureError is the non-fatal media failure of the join, if any.
func (o *Orchestrator) CaptureError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.captureErr
}

func (o *Orchestrator) run(msgs <-chan core.Message) {
	for {
		select {
		case m, ok := <-msgs:
			o.mu.Lock()
			if !ok {
				o.channelOpen = false
				o.teardownLocked(&domain.SignalingError{Kind: domain.SignalingTransportDisconnected})
				o.mu.Unlock()
				return
			}
			o.handleLocked(m)
			o.drainLocked()
			o.mu.Unlock()
		case <-o.queue.wake:
			o.mu.Lock()
			o.drainLocked()
			o.mu.Unlock()
		case <-o.done:
			return
		}
	}
}

// drainLocked runs posted tasks, including those posted by the tasks themselves.
func (o *Orchestrator) drainLocked() {
	for {
		tasks := o.queue.take()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			fn()
		}
	}
}

func (o *Orchestrator) setStateLocked(s State) {
	if o.state == s {
		return
	}
	log.Info().
		Str("module", "app.orch").
		Str("from", o.state.String()).
		Str("to", s.String()).
		Msg("session state")
	o.state = s
	o.emit(Event{Kind: EventStateChanged, State: s})
}

func (o *Orchestrator) sendLocked(kind core.Kind, payload any) error {
	msg, err := core.NewMessage(kind, payload)
	if err != nil {
		return err
	}
	return o.cfg.Channel.Send(msg)
}

// teardownLocked leaves in a fixed order: leave-room while the channel is
// still open, every peer link, local media, and the channel last. No link
// outlives its media source. Repeated calls do nothing.
func (o *Orchestrator) teardownLocked(cause error) {
	if o.left {
		return
	}
	o.left = true
	o.setStateLocked(StateLeaving)
	if o.cancelJoin != nil {
		o.cancelJoin()
	}

	if o.channelOpen {
		if err := o.sendLocked(core.KindLeaveRoom, struct{}{}); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("send leave-room")
		}
	}
	if o.links != nil {
		o.links.CloseAll()
	}
	// A pending acquire is released by Join once it resolves.
	o.media.Release()
	o.channelOpen = false
	if err := o.cfg.Channel.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("close channel")
	}

	o.roster = nil
	o.held = nil
	o.leaveErr = cause
	o.setStateLocked(StateDisconnected)
	ev := log.Info()
	if cause != nil {
		ev = log.Warn().Err(cause)
	}
	ev.Str("module", "app.orch").Str("session", string(o.session)).Msg("left")
	o.emit(Event{Kind: EventLeft, Err: cause})
	close(o.done)
}
