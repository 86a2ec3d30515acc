// Package call negotiates one WebRTC call at a time over the signaling
// relay.
package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"chatlink/internal/apperr"
)

type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

func (f Facing) Flip() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

type Constraints struct {
	Audio  bool
	Video  bool
	Facing Facing
}

// MediaSource opens the local capture devices.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalTrack is one captured track. Disabling it keeps the track negotiated
// but stops sending media; Stop releases it for good.
type LocalTrack struct {
	kind string
	id   string
	// sample is what gets added to the peer connection; nil for tracks
	// that are not backed by pion.
	sample *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	facing  Facing
	stopped bool
	done    chan struct{}
}

func newLocalTrack(kind, id string, sample *webrtc.TrackLocalStaticSample, facing Facing) *LocalTrack {
	return &LocalTrack{kind: kind, id: id, sample: sample, enabled: true, facing: facing, done: make(chan struct{})}
}

// NewLocalTrack builds a track with no media behind it, for MediaSource
// implementations that feed the peer connection some other way.
func NewLocalTrack(kind string, facing Facing) *LocalTrack {
	return newLocalTrack(kind, uuid.NewString(), nil, facing)
}

func (t *LocalTrack) Kind() string { return t.kind }
func (t *LocalTrack) ID() string   { return t.id }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *LocalTrack) Facing() Facing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.facing
}

// SetFacing switches the camera constraint in place; the track stays the
// same, so nothing is renegotiated.
func (t *LocalTrack) SetFacing(f Facing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.facing = f
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.done)
	}
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Pion returns the track to hand to a pion peer connection.
func (t *LocalTrack) Pion() webrtc.TrackLocal {
	if t.sample == nil {
		return nil
	}
	return t.sample
}

type LocalStream struct {
	ID    string
	Audio *LocalTrack
	Video *LocalTrack
}

func (s *LocalStream) Tracks() []*LocalTrack {
	var out []*LocalTrack
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteTrack is a track received from the peer.
type RemoteTrack struct {
	ID       string
	Kind     string
	StreamID string

	packets atomic.Int64
	stopped atomic.Bool
	stop    func()
}

func NewRemoteTrack(id, kind, streamID string, stop func()) *RemoteTrack {
	return &RemoteTrack{ID: id, Kind: kind, StreamID: streamID, stop: stop}
}

// Packets counts the RTP packets read from the track so far.
func (t *RemoteTrack) Packets() int64 { return t.packets.Load() }

func (t *RemoteTrack) Stop() {
	if t.stopped.CompareAndSwap(false, true) && t.stop != nil {
		t.stop()
	}
}

func (t *RemoteTrack) Stopped() bool { return t.stopped.Load() }

type RemoteStream struct {
	mu     sync.Mutex
	tracks []*RemoteTrack
}

func (s *RemoteStream) add(t *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

// SyntheticSource produces silent audio and a flat test pattern instead of
// opening real devices. Headless clients and tests use it.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, apperr.New(apperr.CodeMediaUnavailable, "no audio or video requested")
	}
	if c.Facing == "" {
		c.Facing = FacingUser
	}
	stream := &LocalStream{ID: uuid.NewString()}
	if c.Audio {
		sample, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeMediaUnavailable, "opening microphone", err)
		}
		stream.Audio = newLocalTrack("audio", sample.ID(), sample, "")
		go pump(stream.Audio, audioFrame, func(*LocalTrack) []byte { return []byte{0xf8, 0xff, 0xfe} })
	}
	if c.Video {
		sample, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream.ID)
		if err != nil {
			stream.Stop()
			return nil, apperr.Wrap(apperr.CodeMediaUnavailable, "opening camera", err)
		}
		stream.Video = newLocalTrack("video", sample.ID(), sample, c.Facing)
		go pump(stream.Video, videoFrame, testPattern)
	}
	return stream, nil
}

// testPattern is a small frame whose first byte says which camera is live.
func testPattern(t *LocalTrack) []byte {
	frame := make([]byte, 64)
	if t.Facing() == FacingEnvironment {
		frame[0] = 1
	}
	return frame
}

// pump writes one frame per interval while the track is enabled, until it
// is stopped.
func pump(t *LocalTrack, every time.Duration, frame func(*LocalTrack) []byte) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			// Nothing is bound until the peer connection is up; those
			// writes are no-ops.
			t.sample.WriteSample(media.Sample{Data: frame(t), Duration: every})
		}
	}
}
