package call

import (
	"github.com/pion/webrtc/v4"

	"chatlink/internal/apperr"
)

// Peer is the peer connection as the negotiator drives it.
type Peer interface {
	AddTrack(t *LocalTrack) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(d webrtc.SessionDescription) error
	SetRemoteDescription(d webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnICECandidate reports gathered candidates; nil ends gathering.
	OnICECandidate(fn func(c *webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(s webrtc.PeerConnectionState))
	OnTrack(fn func(t *RemoteTrack))
	Close() error
}

type PeerFactory func(iceServers []webrtc.ICEServer) (Peer, error)

type PionOptions struct {
	// IncludeLoopback adds 127.0.0.1 candidates, for same-host calls and
	// tests.
	IncludeLoopback bool
}

// NewPionFactory builds peers on pion/webrtc with the default codecs.
func NewPionFactory(opts PionOptions) PeerFactory {
	return func(iceServers []webrtc.ICEServer) (Peer, error) {
		me := &webrtc.MediaEngine{}
		if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "registering codecs", err)
		}
		settingEngine := webrtc.SettingEngine{}
		settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

		api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(settingEngine))
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "creating peer connection", err)
		}
		return &pionPeer{pc: pc}, nil
	}
}

// ICEServers turns configured URLs into pion's form, one server per URL.
func ICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(t *LocalTrack) error {
	track := t.Pion()
	if track == nil {
		return apperr.New(apperr.CodeMediaUnavailable, "track "+t.ID()+" has no media")
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Drain RTCP so the interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		cand := c.ToJSON()
		fn(&cand)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnTrack(fn func(*RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := NewRemoteTrack(tr.ID(), tr.Kind().String(), tr.StreamID(), func() { receiver.Stop() })
		go func() {
			buf := make([]byte, 1500)
			for !rt.Stopped() {
				if _, _, err := tr.Read(buf); err != nil {
					return
				}
				rt.packets.Add(1)
			}
		}()
		fn(rt)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
