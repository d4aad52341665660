package rtc

import (
	"fmt"
	"log"
	"time"

	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of a pion peer connection the engine drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(opts *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Sender is an outbound track slot on a peer connection.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerFactory builds peer connections for engines.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// ICEServers validates ice and converts it to pion's form. At least one STUN
// and one TURN server are required, and TURN needs credentials.
func ICEServers(ice config.ICEConfig) ([]webrtc.ICEServer, error) {
	var stunURLs, turnURLs []string
	for _, raw := range append(append([]string{}, ice.STUNURLs...), ice.TURNURLs...) {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidICEServer, raw, err)
		}
		switch uri.Scheme {
		case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
			stunURLs = append(stunURLs, raw)
		case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
			turnURLs = append(turnURLs, raw)
		}
	}
	if len(stunURLs) == 0 || len(turnURLs) == 0 {
		return nil, ErrNoRelayServer
	}
	if ice.TURNUsername == "" || ice.TURNCredential == "" {
		return nil, ErrTURNCredentials
	}
	return []webrtc.ICEServer{
		{URLs: stunURLs},
		{
			URLs:       turnURLs,
			Username:   ice.TURNUsername,
			Credential: ice.TURNCredential,
		},
	}, nil
}

// FactoryConfig configures the pion API shared by all peer connections.
type FactoryConfig struct {
	ICE config.ICEConfig
	// Codecs registers the capture backend's codecs; nil uses pion's defaults.
	Codecs media.CodecRegistrar

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Loopback includes loopback candidates, for same-host calls.
	Loopback bool
}

// Factory builds pion peer connections.
type Factory struct {
	ice config.ICEConfig
	api *webrtc.API
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Codecs != nil {
		if err := cfg.Codecs.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	disconnected, failed, keepAlive := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
	if disconnected == 0 {
		disconnected = 10 * time.Second
	}
	if failed == 0 {
		failed = 30 * time.Second
	}
	if keepAlive == 0 {
		keepAlive = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{ice: cfg.ICE, api: api}, nil
}

func (f *Factory) NewPeerConnection() (PeerConnection, error) {
	servers, err := ICEServers(f.ice)
	if err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	return &pionPeer{PeerConnection: pc}, nil
}

// pionPeer adapts *webrtc.PeerConnection to PeerConnection.
type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Drain RTCP so interceptors keep running.
	go drainRTCP(sender, track.ID())
	return sender, nil
}

func (p *pionPeer) RemoveTrack(sender Sender) error {
	s, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return fmt.Errorf("remove track: foreign sender %T", sender)
	}
	return p.PeerConnection.RemoveTrack(s)
}

// drainRTCP reads receiver reports for one outbound track until the sender
// stops. Keyframe requests are logged; the encoder answers them on its own
// keyframe interval.
func drainRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				log.Printf("RTC: keyframe requested for track %s", trackID)
			}
		}
	}
}
