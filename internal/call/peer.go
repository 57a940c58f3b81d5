package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
)

// PeerConnection is the subset of *webrtc.PeerConnection the core drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)

	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnNegotiationNeeded(f func())

	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerFactory creates peer connections for the core.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// DefaultPLIInterval is how often a keyframe is requested from the remote
// video sender.
const DefaultPLIInterval = 3 * time.Second

// WebRTCFactory creates pion PeerConnections sharing one API instance:
// a MediaEngine, the default interceptors plus periodic PLI, and a fixed
// ICE server list.
type WebRTCFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ PeerFactory = (*WebRTCFactory)(nil)

// NewWebRTCFactory builds the pion API. When codecs is non-nil it decides
// which codecs the MediaEngine offers; otherwise pion's defaults are used.
func NewWebRTCFactory(iceServers []string, codecs media.CodecRegistrar) (*WebRTCFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("registering codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(DefaultPLIInterval))
	if err != nil {
		return nil, fmt.Errorf("creating PLI interceptor: %w", err)
	}
	registry.Add(pli)

	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &WebRTCFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry)),
		config: webrtc.Configuration{ICEServers: servers},
	}, nil
}

// NewPeerConnection creates a PeerConnection with the factory's settings.
func (f *WebRTCFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return pc, nil
}
