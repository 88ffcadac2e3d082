package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// SessionDescription is the JSON shape of an offer/answer payload. It mirrors
// the browser's RTCSessionDescriptionInit rather than any pion type so the
// wire format is library-neutral.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// ParseSessionDescription strictly decodes an offer/answer payload.
func ParseSessionDescription(raw json.RawMessage) (SessionDescription, error) {
	var desc SessionDescription
	if err := decodeStrict(raw, &desc); err != nil {
		return SessionDescription{}, err
	}
	if desc.Type != "offer" && desc.Type != "answer" {
		return SessionDescription{}, fmt.Errorf("session description has type=%q", desc.Type)
	}
	if desc.SDP == "" {
		return SessionDescription{}, fmt.Errorf("session description missing sdp")
	}
	return desc, nil
}

// ICECandidate is the JSON shape of a trickled candidate payload, mirroring
// RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func ICECandidateFromPion(init webrtc.ICECandidateInit) ICECandidate {
	return ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c ICECandidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// ParseICECandidate strictly decodes a candidate payload.
func ParseICECandidate(raw json.RawMessage) (ICECandidate, error) {
	var cand ICECandidate
	if err := decodeStrict(raw, &cand); err != nil {
		return ICECandidate{}, err
	}
	if cand.Candidate == "" {
		return ICECandidate{}, fmt.Errorf("ice candidate missing candidate")
	}
	return cand, nil
}

// MarshalPayload encodes a payload value for embedding in a Message.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
