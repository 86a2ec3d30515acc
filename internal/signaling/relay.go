package signaling

import (
	"log/slog"
	"sync"

	"chatlink/internal/apperr"
	"chatlink/internal/realtime"
	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

// maxBufferedCandidates bounds the candidates kept for a call nobody has
// accepted yet.
const maxBufferedCandidates = 64

type State int

const (
	StateIdle State = iota
	StateRinging
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Sink is the call attached to the relay. Its methods run with the relay
// locked, in arrival order, and must not block or call back into the relay.
type Sink interface {
	HandleAnswer(a Answer)
	HandleCandidate(c Candidate)
}

// Directory resolves callers. *realtime.PresenceMap satisfies it.
type Directory interface {
	Get(id int) (wire.UserPresence, bool)
}

// Subscriber is the realtime connection. *realtime.Manager satisfies it.
type Subscriber interface {
	Subscribe(dest string, h realtime.Handler) func()
}

type IncomingCall struct {
	Offer  Offer
	Caller wire.UserPresence
	// Known is false when the caller is not in the presence map.
	Known bool
}

// Relay is the single consumer of the webrtc queue. It holds at most one
// pending offer and the candidates that arrived for it until a call is
// attached, then forwards everything to that call.
type Relay struct {
	dir Directory
	log *slog.Logger

	mu         sync.Mutex
	state      State
	offer      *Offer
	candidates []Candidate
	sink       Sink
	peer       wire.UserID

	listeners map[int]func(IncomingCall)
	nextID    int
	stop      func()
}

func NewRelay(dir Directory, log *slog.Logger) *Relay {
	return &Relay{dir: dir, log: log, listeners: make(map[int]func(IncomingCall))}
}

// Start subscribes to the webrtc queue; the subscription survives
// reconnects.
func (r *Relay) Start(sub Subscriber) {
	stop := sub.Subscribe(wire.QueueWebRTC, r.onFrame)
	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()
}

func (r *Relay) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (r *Relay) onFrame(f *stomp.Frame) {
	env, err := Decode(f.Body)
	if err != nil {
		r.log.Warn("dropping signaling message", "err", err)
		return
	}
	r.Handle(env)
}

// Handle is the single dispatch point for incoming envelopes.
func (r *Relay) Handle(env Envelope) {
	switch e := env.(type) {
	case Offer:
		r.handleOffer(e)
	case Answer:
		r.handleAnswer(e)
	case Candidate:
		r.handleCandidate(e)
	}
}

func (r *Relay) handleOffer(o Offer) {
	r.mu.Lock()
	if r.state == StateActive {
		r.mu.Unlock()
		r.log.Warn("busy, dropping offer", "from", o.Sender)
		return
	}
	if r.state == StateRinging {
		// Everything buffered while ringing belongs to the superseded offer.
		r.candidates = nil
	} else {
		// Candidates may overtake their offer; keep only the new caller's.
		kept := r.candidates[:0]
		for _, c := range r.candidates {
			if c.Sender == o.Sender {
				kept = append(kept, c)
			}
		}
		r.candidates = kept
	}
	r.offer = &o
	r.state = StateRinging
	fns := r.snapshotListeners()
	r.mu.Unlock()

	call := IncomingCall{Offer: o, Caller: wire.UserPresence{ID: int(o.Sender)}}
	if u, ok := r.dir.Get(int(o.Sender)); ok {
		call.Caller, call.Known = u, true
	}
	r.log.Info("📞 Incoming call", "from", o.Sender, "known", call.Known)
	for _, fn := range fns {
		fn(call)
	}
}

func (r *Relay) handleAnswer(a Answer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateActive || a.Sender != r.peer {
		r.log.Warn("signaling desync, dropping answer", "from", a.Sender, "state", r.state)
		return
	}
	r.sink.HandleAnswer(a)
}

func (r *Relay) handleCandidate(c Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.state == StateActive && c.Sender == r.peer:
		r.sink.HandleCandidate(c)
	case r.state == StateActive:
		r.log.Warn("dropping candidate from a third party", "from", c.Sender)
	case r.state == StateRinging && c.Sender != r.offer.Sender:
		r.log.Warn("dropping candidate for another call", "from", c.Sender)
	case len(r.candidates) >= maxBufferedCandidates:
		r.log.Warn("candidate buffer full, dropping", "from", c.Sender)
	default:
		r.candidates = append(r.candidates, c)
	}
}

// Accept takes the pending offer and attaches sink as the active call.
// Candidates buffered so far are handed to sink, in order, before any that
// arrive later.
func (r *Relay) Accept(sink Sink) (Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRinging {
		return Offer{}, apperr.ErrNoPendingOffer
	}
	offer := *r.offer
	r.attach(sink, offer.Sender)
	return offer, nil
}

// Attach makes sink the active call with peer, for the calling side.
func (r *Relay) Attach(sink Sink, peer wire.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return apperr.ErrCallInProgress
	}
	r.attach(sink, peer)
	return nil
}

func (r *Relay) attach(sink Sink, peer wire.UserID) {
	for _, c := range r.candidates {
		if c.Sender == peer {
			sink.HandleCandidate(c)
		}
	}
	r.candidates = nil
	r.offer = nil
	r.sink = sink
	r.peer = peer
	r.state = StateActive
}

// Decline drops the pending offer. The caller is not told.
func (r *Relay) Decline() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRinging {
		return apperr.ErrNoPendingOffer
	}
	r.log.Info("Declined call", "from", r.offer.Sender)
	r.reset()
	return nil
}

// End detaches the active call, or drops the pending one.
func (r *Relay) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

// Detach ends the active call only if sink is still the one attached.
func (r *Relay) Detach(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateActive && r.sink == sink {
		r.reset()
	}
}

func (r *Relay) reset() {
	r.state = StateIdle
	r.offer = nil
	r.candidates = nil
	r.sink = nil
	r.peer = 0
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns the ringing call, if any.
func (r *Relay) Pending() (IncomingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRinging {
		return IncomingCall{}, false
	}
	call := IncomingCall{Offer: *r.offer, Caller: wire.UserPresence{ID: int(r.offer.Sender)}}
	if u, ok := r.dir.Get(int(r.offer.Sender)); ok {
		call.Caller, call.Known = u, true
	}
	return call, true
}

// BufferedCandidates reports how many candidates wait for a call.
func (r *Relay) BufferedCandidates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candidates)
}

// OnIncomingCall registers fn for new offers and returns a function that
// removes it. fn runs on the realtime read goroutine.
func (r *Relay) OnIncomingCall(fn func(IncomingCall)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Relay) snapshotListeners() []func(IncomingCall) {
	fns := make([]func(IncomingCall), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	return fns
}
