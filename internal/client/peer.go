package client

import (
	"github.com/pion/webrtc/v4"
)

// peerConnection is the slice of *webrtc.PeerConnection the session drives.
// Negotiation logic runs against this interface so unit tests can substitute
// a scripted fake; *webrtc.PeerConnection satisfies it structurally.
type peerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// peerFactory builds a fresh peer connection for one negotiation attempt.
type peerFactory func() (peerConnection, error)

func pionPeerFactory(api *webrtc.API, iceServers []webrtc.ICEServer) peerFactory {
	return func() (peerConnection, error) {
		return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	}
}

// negotiationRole is the tie-break outcome for the current attempt.
type negotiationRole int

const (
	roleUndecided negotiationRole = iota
	roleOfferer
	roleAnswerer
)

func (r negotiationRole) String() string {
	switch r {
	case roleOfferer:
		return "offerer"
	case roleAnswerer:
		return "answerer"
	default:
		return "undecided"
	}
}
