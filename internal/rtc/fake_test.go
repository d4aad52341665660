package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// fakePeer models the signaling-state rules of a peer connection without
// any networking. Tests drive connection state changes by hand.
type fakePeer struct {
	mu          sync.Mutex
	state       webrtc.SignalingState
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	offers      []webrtc.OfferOptions
	applied     []string
	appliedWith []string
	gather      []string
	senders     []*fakeSender
	removed     int
	closed      int
	onCandidate func(*webrtc.ICECandidate)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
}

type fakeSender struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	return nil
}

func (s *fakeSender) current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[len(s.tracks)-1]
}

func newFakePeer() *fakePeer {
	return &fakePeer{state: webrtc.SignalingStateStable}
}

func (p *fakePeer) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{tracks: []webrtc.TrackLocal{t}}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) RemoveTrack(Sender) error {
	p.mu.Lock()
	p.removed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if opts != nil {
		p.offers = append(p.offers, *opts)
	} else {
		p.offers = append(p.offers, webrtc.OfferOptions{})
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(p.offers))}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + p.remote.SDP}, nil
}

// SetLocalDescription starts "gathering": every address in gather is
// reported as a local candidate from another goroutine, like pion does.
func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		p.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveRemoteOffer {
			return errors.New("answer without remote offer")
		}
		p.state = webrtc.SignalingStateStable
	}
	p.local = &d
	for i, addr := range p.gather {
		go p.onCandidate(&webrtc.ICECandidate{
			Foundation: fmt.Sprint(i + 1),
			Priority:   1,
			Address:    addr,
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       uint16(5000 + i),
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer without local offer")
		}
		p.state = webrtc.SignalingStateStable
	}
	p.remote = &d
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("InvalidStateError: remote description not set")
	}
	p.applied = append(p.applied, c.Candidate)
	p.appliedWith = append(p.appliedWith, p.remote.SDP)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) { p.onCandidate = f }
func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.onConn = f
}
func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.onICE = f
}
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) setConnState(s webrtc.PeerConnectionState) { p.onConn(s) }

// appliedAgainst returns the remote description each candidate was added under.
func (p *fakePeer) appliedAgainst() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.appliedWith...)
}

func (p *fakePeer) snapshot() (offers []webrtc.OfferOptions, applied []string, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.OfferOptions(nil), p.offers...), append([]string(nil), p.applied...), p.closed
}

// fakeFactory hands out fake peers and remembers them.
type fakeFactory struct {
	mu     sync.Mutex
	peers  []*fakePeer
	err    error
	gather []string
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := newFakePeer()
	p.gather = f.gather
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}
