// Package peers owns one connection state machine per remote participant.
package peers

import (
	"errors"
	"sort"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitiator    = errors.New("local role does not initiate towards this participant")
	ErrUnexpectedOffer = errors.New("offer received by a side that always initiates")
	ErrLinkExists      = errors.New("link already exists")
	ErrMeshFull        = errors.New("mesh participant limit reached")
	ErrClosed          = errors.New("registry closed")
)

// ShouldInitiate is the whole glare-avoidance rule: the instructor offers to
// everyone else, nobody else ever offers.
func ShouldInitiate(local, remote domain.Role) bool {
	return local == domain.RoleInstructor && remote != domain.RoleInstructor
}

// Hooks connect the registry to the rest of the session. Any of them may be nil.
type Hooks struct {
	Send            func(core.Message) error
	OnStream        func(domain.UserID, core.RemoteStream)
	OnStreamRemoved func(domain.UserID)
	OnConnected     func(domain.UserID)
	OnFailed        func(domain.UserID, error)
}

type Config struct {
	Self      domain.Participant
	Connector core.PeerConnector
	// Tracks yields the local tracks every new link transmits. They are shared
	// read-only between links.
	Tracks func() []core.LocalTrack
	// ConnectTimeout bounds how long a link may take to reach connected.
	// Zero disables the timeout.
	ConnectTimeout time.Duration
	// MaxPeers caps the mesh, counting the local participant. Zero means no cap.
	MaxPeers int
	// Post runs fn on the owner's event loop. Transport callbacks and timers go
	// through it, so the registry is only ever touched from one place.
	Post  func(fn func())
	Hooks Hooks
}

// Registry is the single owner and sole mutator of peer links.
// It is not safe for concurrent use; the owner serializes calls.
type Registry struct {
	cfg    Config
	links  map[domain.UserID]*Link
	closed bool
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	if cfg.Tracks == nil {
		cfg.Tracks = func() []core.LocalTrack { return nil }
	}
	return &Registry{cfg: cfg, links: make(map[domain.UserID]*Link)}
}

// EnsureLink returns the link to p, creating it in state offering when the
// local role initiates towards p. Repeated calls return the same link.
func (r *Registry) EnsureLink(p domain.Participant) (*Link, error) {
	if l, ok := r.links[p.UserID]; ok {
		return l, nil
	}
	if r.closed {
		return nil, ErrClosed
	}
	if p.UserID == r.cfg.Self.UserID || !ShouldInitiate(r.cfg.Self.Role, p.Role) {
		return nil, ErrNotInitiator
	}
	if err := r.checkCapacity(); err != nil {
		return nil, err
	}
	return r.open(p.UserID, true, nil)
}

// AcceptIncoming answers an offer from a participant we have no link with.
// An offer for an already linked peer is stale and never replaces the live
// link: the existing link is returned with ErrLinkExists.
func (r *Registry) AcceptIncoming(from domain.UserID, offer core.Payload) (*Link, error) {
	if l, ok := r.links[from]; ok {
		log.Warn().Str("module", "app.peers").Str("peer", string(from)).Str("state", l.state.String()).Msg("duplicate offer ignored")
		return l, ErrLinkExists
	}
	if r.closed {
		return nil, ErrClosed
	}
	if r.cfg.Self.Role == domain.RoleInstructor {
		log.Warn().Str("module", "app.peers").Str("peer", string(from)).Msg("instructor received an offer, ignored")
		return nil, ErrUnexpectedOffer
	}
	if err := r.checkCapacity(); err != nil {
		return nil, err
	}
	return r.open(from, false, offer)
}

// RouteSignal hands an answer or candidate to the link for from. Without a
// link the payload is dropped; the peer most likely left already.
func (r *Registry) RouteSignal(from domain.UserID, payload core.Payload) {
	l, ok := r.links[from]
	if !ok || l.transport == nil {
		log.Debug().Str("module", "app.peers").Str("peer", string(from)).Msg("signal for unknown link dropped")
		return
	}
	if err := l.transport.Signal(payload); err != nil {
		log.Warn().Err(err).Str("module", "app.peers").Str("peer", string(from)).Msg("transport rejected signal")
	}
}

// CloseLink destroys the transport, stops the remote stream and forgets the link.
func (r *Registry) CloseLink(id domain.UserID) {
	l, ok := r.links[id]
	if !ok {
		return
	}
	r.teardown(l)
	log.Info().Str("module", "app.peers").Str("peer", string(id)).Msg("link closed")
}

// CloseAll closes every link and refuses new ones.
func (r *Registry) CloseAll() {
	r.closed = true
	for _, l := range r.links {
		r.teardown(l)
	}
	log.Info().Str("module", "app.peers").Msg("all links closed")
}

func (r *Registry) Get(id domain.UserID) (*Link, bool) {
	l, ok := r.links[id]
	return l, ok
}

func (r *Registry) Len() int { return len(r.links) }

// Links returns snapshots ordered by user id.
func (r *Registry) Links() []Info {
	out := make([]Info, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

type Stats struct {
	Total     int
	Connected int
}

func (r *Registry) Stats() Stats {
	s := Stats{Total: len(r.links)}
	for _, l := range r.links {
		if l.state == StateConnected {
			s.Connected++
		}
	}
	return s
}

func (r *Registry) checkCapacity() error {
	if r.cfg.MaxPeers > 0 && len(r.links) >= r.cfg.MaxPeers-1 {
		log.Warn().Str("module", "app.peers").Int("max", r.cfg.MaxPeers).Msg("mesh limit reached")
		return ErrMeshFull
	}
	return nil
}

func (r *Registry) open(id domain.UserID, initiator bool, offer core.Payload) (*Link, error) {
	l := newLink(id, initiator)
	// Registered before the transport exists so callbacks fired during Open
	// already find their link.
	r.links[id] = l
	if initiator {
		l.advance(StateOffering)
	} else {
		l.advance(StateAnswering)
	}

	cfg := core.LinkConfig{RemoteID: id, Initiator: initiator, Tracks: r.cfg.Tracks()}
	tr, err := r.cfg.Connector.Open(cfg, &handler{r: r, link: l})
	if err != nil {
		delete(r.links, id)
		l.advance(StateClosed)
		return nil, &domain.LinkError{Kind: domain.LinkTransportFailure, UserID: id, Err: err}
	}
	l.transport = tr
	if !r.current(l) {
		// Torn down by a synchronous callback during Open.
		tr.Destroy()
		return nil, &domain.LinkError{Kind: domain.LinkTransportFailure, UserID: id}
	}
	r.armTimeout(l)

	if !initiator {
		if err := tr.Signal(offer); err != nil {
			lerr := &domain.LinkError{Kind: domain.LinkTransportFailure, UserID: id, Err: err}
			r.fail(l, lerr)
			return nil, lerr
		}
	}
	log.Info().
		Str("module", "app.peers").
		Str("peer", string(id)).
		Bool("initiator", initiator).
		Str("state", l.state.String()).
		Msg("link opened")
	return l, nil
}

func (r *Registry) armTimeout(l *Link) {
	if r.cfg.ConnectTimeout <= 0 {
		return
	}
	l.timer = time.AfterFunc(r.cfg.ConnectTimeout, func() {
		r.cfg.Post(func() {
			if !r.current(l) || l.state == StateConnected {
				return
			}
			r.fail(l, &domain.LinkError{Kind: domain.LinkNegotiationTimeout, UserID: l.userID})
		})
	})
}

// current reports whether l is still the registered link for its user.
// Callbacks from an older link for the same user must be ignored.
func (r *Registry) current(l *Link) bool {
	return r.links[l.userID] == l
}

func (r *Registry) teardown(l *Link) {
	if r.current(l) {
		delete(r.links, l.userID)
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	if l.transport != nil {
		l.transport.Destroy()
	}
	if l.remote != nil {
		l.remote.Stop()
		if fn := r.cfg.Hooks.OnStreamRemoved; fn != nil {
			fn(l.userID)
		}
	}
	l.advance(StateClosed)
}

// fail closes only this link and reports why.
func (r *Registry) fail(l *Link, err error) {
	r.teardown(l)
	log.Warn().Err(err).Str("module", "app.peers").Str("peer", string(l.userID)).Msg("link failed")
	if fn := r.cfg.Hooks.OnFailed; fn != nil {
		fn(l.userID, err)
	}
}

func (r *Registry) forward(l *Link, s core.Signal) {
	if !r.current(l) {
		return
	}
	var (
		msg core.Message
		err error
	)
	switch s.Type {
	case core.SignalOffer:
		if !l.initiator {
			log.Warn().Str("module", "app.peers").Str("peer", string(l.userID)).Msg("non-initiator produced an offer, dropped")
			return
		}
		msg, err = core.NewMessage(core.KindCallUser, core.CallUser{TargetUserID: l.userID, Offer: s.Payload})
	case core.SignalAnswer:
		if l.initiator {
			log.Warn().Str("module", "app.peers").Str("peer", string(l.userID)).Msg("initiator produced an answer, dropped")
			return
		}
		msg, err = core.NewMessage(core.KindAnswerCall, core.AnswerCall{CallerUserID: l.userID, Answer: s.Payload})
	case core.SignalCandidate:
		msg, err = core.NewMessage(core.KindICECandidate, core.ICECandidate{TargetUserID: l.userID, Candidate: s.Payload})
	default:
		log.Warn().Str("module", "app.peers").Str("type", string(s.Type)).Msg("unknown signal type")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "app.peers").Msg("encode signal")
		return
	}
	if fn := r.cfg.Hooks.Send; fn != nil {
		if err := fn(msg); err != nil {
			log.Warn().Err(err).Str("module", "app.peers").Str("peer", string(l.userID)).Str("type", string(msg.Type)).Msg("send signal")
		}
	}
}

func (r *Registry) attachStream(l *Link, s core.RemoteStream) {
	if !r.current(l) {
		s.Stop()
		return
	}
	if l.remote == s {
		return
	}
	if l.remote != nil {
		l.remote.Stop()
	}
	l.remote = s
	log.Info().Str("module", "app.peers").Str("peer", string(l.userID)).Str("stream", s.ID()).Msg("remote stream")
	if fn := r.cfg.Hooks.OnStream; fn != nil {
		fn(l.userID, s)
	}
}

func (r *Registry) markConnected(l *Link) {
	if !r.current(l) || !l.advance(StateConnected) {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	log.Info().Str("module", "app.peers").Str("peer", string(l.userID)).Msg("link connected")
	if fn := r.cfg.Hooks.OnConnected; fn != nil {
		fn(l.userID)
	}
}

// handler adapts transport callbacks onto the owner's loop.
type handler struct {
	r    *Registry
	link *Link
}

func (h *handler) OnSignal(s core.Signal) {
	h.r.cfg.Post(func() { h.r.forward(h.link, s) })
}

func (h *handler) OnStream(s core.RemoteStream) {
	h.r.cfg.Post(func() { h.r.attachStream(h.link, s) })
}

func (h *handler) OnConnected() {
	h.r.cfg.Post(func() { h.r.markConnected(h.link) })
}

func (h *handler) OnClosed() {
	h.r.cfg.Post(func() {
		if h.r.current(h.link) {
			h.r.fail(h.link, &domain.LinkError{Kind: domain.LinkTransportFailure, UserID: h.link.userID, Err: errors.New("closed by transport")})
		}
	})
}

func (h *handler) OnError(err error) {
	h.r.cfg.Post(func() {
		if h.r.current(h.link) {
			h.r.fail(h.link, &domain.LinkError{Kind: domain.LinkTransportFailure, UserID: h.link.userID, Err: err})
		}
	})
}
