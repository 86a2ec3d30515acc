package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"chatlink/internal/apperr"
	"chatlink/internal/signaling"
	"chatlink/internal/wire"
)

type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrHangup is the close reason when the local user ends the call.
var ErrHangup = errors.New("call: hung up")

type Config struct {
	Self       wire.UserID
	Media      MediaSource
	NewPeer    PeerFactory
	ICEServers []webrtc.ICEServer
	Publisher  signaling.Publisher
	Log        *slog.Logger
}

// Negotiator drives one call through offer/answer and ICE against one peer
// connection. It is the relay's Sink while the call is attached.
type Negotiator struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	state State
	peer  wire.UserID
	pc    Peer
	local *LocalStream
	// Remote is filled as the peer's tracks arrive.
	Remote *RemoteStream

	hasRemote bool
	// Remote candidates that arrived before the remote description.
	remoteCandidates []webrtc.ICECandidateInit
	// Local candidates gathered before our description went out.
	sentDescription bool
	localCandidates []*webrtc.ICECandidateInit

	inbox    []signaling.Envelope
	inboxSig chan struct{}

	listeners []func(State)
	done      chan struct{}
	closeErr  error
	closeOnce sync.Once
}

func NewNegotiator(cfg Config) *Negotiator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	n := &Negotiator{
		cfg:      cfg,
		log:      cfg.Log,
		Remote:   &RemoteStream{},
		inboxSig: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go n.drain()
	return n
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Peer() wire.UserID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peer
}

func (n *Negotiator) Local() *LocalStream {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.local
}

// OnStateChange registers fn; it runs without the negotiator locked.
func (n *Negotiator) OnStateChange(fn func(State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// setState must be called with n.mu held; it returns the listeners to run
// after unlocking.
func (n *Negotiator) setState(s State) []func(State) {
	if n.state == s || n.state == StateClosed {
		return nil
	}
	n.state = s
	return append([]func(State){}, n.listeners...)
}

func (n *Negotiator) transition(s State) {
	n.mu.Lock()
	fns := n.setState(s)
	n.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Done is closed once the call is over; Err says why.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closeErr
}

// Call places a call to peer. It returns once the offer is out; the answer
// arrives through HandleAnswer.
func (n *Negotiator) Call(ctx context.Context, peer wire.UserID) error {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return apperr.ErrCallInProgress
	}
	n.peer = peer
	n.mu.Unlock()

	if err := n.prepare(ctx); err != nil {
		return err
	}
	n.transition(StateOffering)

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return n.fail(apperr.Wrap(apperr.CodeInternal, "creating offer", err))
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.fail(apperr.Wrap(apperr.CodeInternal, "setting local offer", err))
	}
	msg := signaling.Offer{Route: n.route(), Description: offer}
	if err := n.sendDescription(msg); err != nil {
		return n.fail(err)
	}
	n.log.Info("📞 Offer sent", "to", peer)
	return nil
}

// Answer answers offer. Candidates handed over with the offer are applied
// right after the remote description, in arrival order.
func (n *Negotiator) Answer(ctx context.Context, offer signaling.Offer) error {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return apperr.ErrCallInProgress
	}
	n.peer = offer.Sender
	n.mu.Unlock()

	if err := n.prepare(ctx); err != nil {
		return err
	}
	n.transition(StateAnswering)

	if err := n.setRemote(offer.Description); err != nil {
		return n.fail(err)
	}
	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return n.fail(apperr.Wrap(apperr.CodeInternal, "creating answer", err))
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.fail(apperr.Wrap(apperr.CodeInternal, "setting local answer", err))
	}
	msg := signaling.Answer{Route: n.route(), Description: answer}
	if err := n.sendDescription(msg); err != nil {
		return n.fail(err)
	}
	n.log.Info("📞 Answer sent", "to", offer.Sender)
	return nil
}

func (n *Negotiator) route() signaling.Route {
	n.mu.Lock()
	defer n.mu.Unlock()
	return signaling.Route{Sender: n.cfg.Self, Recipient: n.peer}
}

// prepare acquires media and builds the peer connection with local tracks.
func (n *Negotiator) prepare(ctx context.Context) error {
	n.transition(StateAcquiringMedia)

	local, err := n.cfg.Media.Acquire(ctx, Constraints{Audio: true, Video: true, Facing: FacingUser})
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeMediaUnavailable {
			err = apperr.Wrap(apperr.CodeMediaUnavailable, "acquiring media", err)
		}
		return n.fail(err)
	}
	n.mu.Lock()
	closed := n.state == StateClosed
	if !closed {
		n.local = local
	}
	n.mu.Unlock()
	if closed {
		local.Stop()
		return n.Err()
	}

	pc, err := n.cfg.NewPeer(n.cfg.ICEServers)
	if err != nil {
		return n.fail(err)
	}
	n.mu.Lock()
	closed = n.state == StateClosed
	if !closed {
		n.pc = pc
	}
	n.mu.Unlock()
	if closed {
		pc.Close()
		return n.Err()
	}

	for _, t := range local.Tracks() {
		if err := pc.AddTrack(t); err != nil {
			return n.fail(apperr.Wrap(apperr.CodeMediaUnavailable, "adding "+t.Kind()+" track", err))
		}
	}
	pc.OnICECandidate(n.onLocalCandidate)
	pc.OnConnectionStateChange(n.onConnectionState)
	pc.OnTrack(func(t *RemoteTrack) {
		n.log.Debug("remote track", "kind", t.Kind, "id", t.ID)
		n.Remote.add(t)
	})
	return nil
}

func (n *Negotiator) sendDescription(e signaling.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := signaling.Send(n.cfg.Publisher, e); err != nil {
		return err
	}
	n.sentDescription = true
	for _, c := range n.localCandidates {
		n.publishCandidate(c)
	}
	n.localCandidates = nil
	return nil
}

func (n *Negotiator) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		// End of gathering is not signaled.
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateClosed {
		return
	}
	if !n.sentDescription {
		n.localCandidates = append(n.localCandidates, c)
		return
	}
	n.publishCandidate(c)
}

// publishCandidate must be called with n.mu held.
func (n *Negotiator) publishCandidate(c *webrtc.ICECandidateInit) {
	msg := signaling.Candidate{Route: signaling.Route{Sender: n.cfg.Self, Recipient: n.peer}, Init: c}
	if err := signaling.Send(n.cfg.Publisher, msg); err != nil {
		n.log.Warn("dropping local candidate", "err", err)
	}
}

func (n *Negotiator) onConnectionState(s webrtc.PeerConnectionState) {
	n.log.Debug("peer connection state", "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.transition(StateConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		go n.close(apperr.Unavailable("peer connection "+s.String(), nil))
	}
}

// HandleAnswer queues a from the relay.
func (n *Negotiator) HandleAnswer(a signaling.Answer) { n.enqueue(a) }

// HandleCandidate queues c from the relay.
func (n *Negotiator) HandleCandidate(c signaling.Candidate) { n.enqueue(c) }

func (n *Negotiator) enqueue(e signaling.Envelope) {
	n.mu.Lock()
	n.inbox = append(n.inbox, e)
	n.mu.Unlock()
	select {
	case n.inboxSig <- struct{}{}:
	default:
	}
}

// drain applies relayed messages in arrival order until the call closes.
func (n *Negotiator) drain() {
	for {
		select {
		case <-n.done:
			return
		case <-n.inboxSig:
		}
		for {
			n.mu.Lock()
			if len(n.inbox) == 0 {
				n.mu.Unlock()
				break
			}
			e := n.inbox[0]
			n.inbox = n.inbox[1:]
			n.mu.Unlock()

			switch e := e.(type) {
			case signaling.Answer:
				n.applyAnswer(e)
			case signaling.Candidate:
				n.applyCandidate(e)
			}
		}
	}
}

func (n *Negotiator) applyAnswer(a signaling.Answer) {
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()
	if state != StateOffering {
		n.log.Warn("signaling desync, dropping answer", "state", state)
		return
	}
	if err := n.setRemote(a.Description); err != nil {
		n.log.Warn("applying answer", "err", err)
		n.close(err)
	}
}

func (n *Negotiator) applyCandidate(c signaling.Candidate) {
	if c.Init == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateClosed {
		return
	}
	if !n.hasRemote {
		n.remoteCandidates = append(n.remoteCandidates, *c.Init)
		return
	}
	if err := n.pc.AddICECandidate(*c.Init); err != nil {
		n.log.Warn("adding remote candidate", "err", err)
	}
}

// setRemote sets the remote description and then applies every candidate
// that was waiting for it.
func (n *Negotiator) setRemote(d webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.pc.SetRemoteDescription(d); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "setting remote "+d.Type.String(), err)
	}
	n.hasRemote = true
	for _, c := range n.remoteCandidates {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.Warn("adding buffered candidate", "err", err)
		}
	}
	n.remoteCandidates = nil
	return nil
}

// SetMuted turns the local audio off or on without renegotiating.
func (n *Negotiator) SetMuted(muted bool) {
	if local := n.Local(); local != nil && local.Audio != nil {
		local.Audio.SetEnabled(!muted)
	}
}

func (n *Negotiator) Muted() bool {
	local := n.Local()
	return local != nil && local.Audio != nil && !local.Audio.Enabled()
}

// FlipCamera toggles the video facing constraint and returns the new one.
func (n *Negotiator) FlipCamera() Facing {
	local := n.Local()
	if local == nil || local.Video == nil {
		return ""
	}
	f := local.Video.Facing().Flip()
	local.Video.SetFacing(f)
	return f
}

func (n *Negotiator) Hangup() {
	n.close(ErrHangup)
}

func (n *Negotiator) fail(err error) error {
	n.log.Warn("call setup failed", "err", err)
	n.close(err)
	return err
}

// close stops every track and releases the peer connection. Only the first
// call has any effect.
func (n *Negotiator) close(reason error) {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		fns := n.setState(StateClosed)
		n.closeErr = reason
		local, pc := n.local, n.pc
		n.inbox = nil
		n.mu.Unlock()

		if local != nil {
			local.Stop()
		}
		n.Remote.Stop()
		if pc != nil {
			if err := pc.Close(); err != nil {
				n.log.Debug("closing peer connection", "err", err)
			}
		}
		close(n.done)
		n.log.Info("Call closed", "reason", reason)
		for _, fn := range fns {
			fn(StateClosed)
		}
	})
}
