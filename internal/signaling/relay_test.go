package signaling_test

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/apperr"
	"chatlink/internal/logger"
	"chatlink/internal/realtime"
	"chatlink/internal/signaling"
	"chatlink/internal/signaling/mocks"
	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

const (
	alice wire.UserID = 1
	bob   wire.UserID = 2
	eve   wire.UserID = 3
)

func offerFrom(from wire.UserID) signaling.Offer {
	return signaling.Offer{
		Route:       signaling.Route{Sender: from, Recipient: alice},
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP},
	}
}

func candidateFrom(from wire.UserID, text string) signaling.Candidate {
	return signaling.Candidate{
		Route: signaling.Route{Sender: from, Recipient: alice},
		Init:  &webrtc.ICECandidateInit{Candidate: text},
	}
}

func newRelay(t *testing.T) (*signaling.Relay, *realtime.PresenceMap) {
	t.Helper()
	presence := realtime.NewPresenceMap()
	return signaling.NewRelay(presence, logger.Discard()), presence
}

func TestRelayBuffersUntilAccept(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	r, presence := newRelay(t)
	presence.Upsert(wire.UserPresence{ID: int(bob), Name: "bob", IsOnline: true})

	var incoming []signaling.IncomingCall
	r.OnIncomingCall(func(c signaling.IncomingCall) { incoming = append(incoming, c) })

	c1, c2, c3, c4 := candidateFrom(bob, "c1"), candidateFrom(bob, "c2"), candidateFrom(bob, "c3"), candidateFrom(bob, "c4")
	r.Handle(offerFrom(bob))
	r.Handle(c1)
	r.Handle(c2)
	r.Handle(c3)

	require.Len(t, incoming, 1)
	assert.True(t, incoming[0].Known)
	assert.Equal(t, "bob", incoming[0].Caller.Name)
	assert.Equal(t, signaling.StateRinging, r.State())
	assert.Equal(t, 3, r.BufferedCandidates())

	gomock.InOrder(
		sink.EXPECT().HandleCandidate(c1),
		sink.EXPECT().HandleCandidate(c2),
		sink.EXPECT().HandleCandidate(c3),
		sink.EXPECT().HandleCandidate(c4),
	)
	offer, err := r.Accept(sink)
	require.NoError(t, err)
	assert.Equal(t, bob, offer.Sender)
	assert.Equal(t, signaling.StateActive, r.State())
	assert.Zero(t, r.BufferedCandidates())

	// Late candidates go straight to the call.
	r.Handle(c4)
}

func TestRelayCandidatesBeforeOffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	r, _ := newRelay(t)

	early := candidateFrom(bob, "early")
	r.Handle(early)
	r.Handle(candidateFrom(eve, "stale"))
	r.Handle(offerFrom(bob))
	assert.Equal(t, 1, r.BufferedCandidates())

	sink.EXPECT().HandleCandidate(early)
	_, err := r.Accept(sink)
	require.NoError(t, err)
}

func TestRelayNewOfferReplacesPending(t *testing.T) {
	r, _ := newRelay(t)
	var callers []int
	r.OnIncomingCall(func(c signaling.IncomingCall) { callers = append(callers, c.Caller.ID) })

	r.Handle(offerFrom(bob))
	r.Handle(candidateFrom(bob, "c1"))
	r.Handle(offerFrom(eve))

	pending, ok := r.Pending()
	require.True(t, ok)
	assert.Equal(t, eve, pending.Offer.Sender)
	assert.False(t, pending.Known)
	assert.Zero(t, r.BufferedCandidates())
	assert.Equal(t, []int{int(bob), int(eve)}, callers)

	// Candidates for the superseded call are not buffered.
	r.Handle(candidateFrom(bob, "c2"))
	assert.Zero(t, r.BufferedCandidates())
}

func TestRelaySameCallerReofferClearsCandidates(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	r, _ := newRelay(t)

	r.Handle(candidateFrom(bob, "early"))
	r.Handle(offerFrom(bob))
	r.Handle(candidateFrom(bob, "old-session"))
	assert.Equal(t, 2, r.BufferedCandidates())

	r.Handle(offerFrom(bob))
	assert.Zero(t, r.BufferedCandidates())
	assert.Equal(t, signaling.StateRinging, r.State())

	fresh := candidateFrom(bob, "new-session")
	r.Handle(fresh)
	sink.EXPECT().HandleCandidate(fresh)
	_, err := r.Accept(sink)
	require.NoError(t, err)
}

func TestRelayAnswerWithoutCallIsDropped(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	r, _ := newRelay(t)

	answer := signaling.Answer{Route: signaling.Route{Sender: bob, Recipient: alice}}
	r.Handle(answer)
	assert.Equal(t, signaling.StateIdle, r.State())

	require.NoError(t, r.Attach(sink, bob))
	sink.EXPECT().HandleAnswer(answer)
	r.Handle(answer)

	// Answers and candidates from anyone but the peer are ignored.
	r.Handle(signaling.Answer{Route: signaling.Route{Sender: eve, Recipient: alice}})
	r.Handle(candidateFrom(eve, "x"))
}

func TestRelayBusy(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	r, _ := newRelay(t)

	require.NoError(t, r.Attach(sink, bob))
	assert.ErrorIs(t, r.Attach(sink, eve), apperr.ErrCallInProgress)

	r.Handle(offerFrom(eve))
	assert.Equal(t, signaling.StateActive, r.State())
	_, ok := r.Pending()
	assert.False(t, ok)

	r.End()
	assert.Equal(t, signaling.StateIdle, r.State())
	r.Handle(offerFrom(eve))
	assert.ErrorIs(t, r.Attach(sink, bob), apperr.ErrCallInProgress)
}

func TestRelayDeclineAndEnd(t *testing.T) {
	r, _ := newRelay(t)
	assert.ErrorIs(t, r.Decline(), apperr.ErrNoPendingOffer)

	r.Handle(offerFrom(bob))
	r.Handle(candidateFrom(bob, "c1"))
	require.NoError(t, r.Decline())
	assert.Equal(t, signaling.StateIdle, r.State())
	assert.Zero(t, r.BufferedCandidates())

	_, err := r.Accept(mocks.NewMockSink(gomock.NewController(t)))
	assert.ErrorIs(t, err, apperr.ErrNoPendingOffer)

	r.Handle(offerFrom(bob))
	r.End()
	_, ok := r.Pending()
	assert.False(t, ok)
}

type captureSubscriber struct {
	dest    string
	handler realtime.Handler
	stopped bool
}

func (s *captureSubscriber) Subscribe(dest string, h realtime.Handler) func() {
	s.dest, s.handler = dest, h
	return func() { s.stopped = true }
}

func TestRelayConsumesWebRTCQueue(t *testing.T) {
	r, _ := newRelay(t)
	sub := &captureSubscriber{}
	r.Start(sub)
	assert.Equal(t, wire.QueueWebRTC, sub.dest)

	body, err := signaling.Encode(offerFrom(bob))
	require.NoError(t, err)
	f := stomp.New(stomp.CmdMessage, stomp.HdrDestination, wire.QueueWebRTC)
	f.Body = body
	sub.handler(f)

	f = stomp.New(stomp.CmdMessage, stomp.HdrDestination, wire.QueueWebRTC)
	f.Body = []byte(`not json`)
	sub.handler(f)

	assert.Equal(t, signaling.StateRinging, r.State())
	r.Stop()
	assert.True(t, sub.stopped)
}

func TestRelayDetachIgnoresStaleCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	first, second := mocks.NewMockSink(ctrl), mocks.NewMockSink(ctrl)
	r, _ := newRelay(t)

	require.NoError(t, r.Attach(first, bob))
	r.Detach(first)
	require.NoError(t, r.Attach(second, eve))

	r.Detach(first)
	assert.Equal(t, signaling.StateActive, r.State())

	c := candidateFrom(eve, "c1")
	second.EXPECT().HandleCandidate(c)
	r.Handle(c)
}
