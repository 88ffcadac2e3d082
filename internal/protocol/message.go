package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	MessageTypeJoinSession       MessageType = "join-session"
	MessageTypeSessionJoined     MessageType = "session-joined"
	MessageTypeParticipantJoined MessageType = "participant-joined"
	MessageTypeOffer             MessageType = "offer"
	MessageTypeAnswer            MessageType = "answer"
	MessageTypeICECandidate      MessageType = "ice-candidate"
	MessageTypeParticipantLeft   MessageType = "participant-left"
	MessageTypeLeaveSession      MessageType = "leave-session"
	MessageTypeError             MessageType = "error"
)

// Error reason codes carried by error messages. The relay sends these to the
// offending caller only, never broadcast.
const (
	ReasonSessionFull      = "session-full"
	ReasonSessionNotFound  = "session-not-found"
	ReasonMalformedMessage = "malformed-message"
)

// Participant is the roster entry shared with the other session member.
// Transport-level identity (the relay's connection handle) is never included.
type Participant struct {
	UserID   string `json:"userId"`
	UserRole Role   `json:"userRole"`
	UserName string `json:"userName"`
}

// Message is the wire envelope. Every message carries a type; sessionId and
// userId are required for all types except error, where sessionId may be
// absent (e.g. a frame that failed to parse has no session context).
//
// For relayed types (offer/answer/ice-candidate) UserID identifies the
// sender, so receivers can discard echoes of their own messages. The payload
// fields stay json.RawMessage end to end: the relay re-tags the envelope but
// never re-encodes SDP or candidate internals.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	UserID    string      `json:"userId,omitempty"`

	// join-session.
	UserRole Role   `json:"userRole,omitempty"`
	UserName string `json:"userName,omitempty"`

	// session-joined and participant-joined.
	ParticipantCount int          `json:"participantCount,omitempty"`
	Participant      *Participant `json:"participant,omitempty"`

	// Relayed payloads, opaque to the relay.
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// error.
	Error string `json:"error,omitempty"`
}

// Parse decodes and validates a single envelope. Unknown fields, trailing
// data and type-specific field violations are all rejected.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// Validate checks the type-specific field contract.
func (m Message) Validate() error {
	switch m.Type {
	case MessageTypeJoinSession:
		if m.SessionID == "" || m.UserID == "" {
			return fmt.Errorf("join-session message missing sessionId/userId")
		}
		if m.UserRole == "" {
			return fmt.Errorf("join-session message missing userRole")
		}
		if m.UserName == "" {
			return fmt.Errorf("join-session message missing userName")
		}
		if m.hasRelayedPayload() || m.Participant != nil || m.ParticipantCount != 0 || m.Error != "" {
			return fmt.Errorf("join-session message has unexpected fields")
		}
	case MessageTypeSessionJoined:
		if m.SessionID == "" || m.UserID == "" {
			return fmt.Errorf("session-joined message missing sessionId/userId")
		}
		if m.ParticipantCount < 1 {
			return fmt.Errorf("session-joined message has participantCount=%d", m.ParticipantCount)
		}
		if m.hasRelayedPayload() || m.Participant != nil || m.UserRole != "" || m.UserName != "" || m.Error != "" {
			return fmt.Errorf("session-joined message has unexpected fields")
		}
	case MessageTypeParticipantJoined:
		if m.SessionID == "" || m.UserID == "" {
			return fmt.Errorf("participant-joined message missing sessionId/userId")
		}
		if m.Participant == nil {
			return fmt.Errorf("participant-joined message missing participant")
		}
		if m.Participant.UserID == "" || m.Participant.UserRole == "" || m.Participant.UserName == "" {
			return fmt.Errorf("participant-joined message has incomplete participant")
		}
		if m.ParticipantCount < 1 {
			return fmt.Errorf("participant-joined message has participantCount=%d", m.ParticipantCount)
		}
		if m.hasRelayedPayload() || m.UserRole != "" || m.UserName != "" || m.Error != "" {
			return fmt.Errorf("participant-joined message has unexpected fields")
		}
	case MessageTypeOffer:
		if m.SessionID == "" || m.UserID == "" {
			return fmt.Errorf("offer message missing sessionId/userId")
		}
		if !payloadPresent(m.Offer) {
			return fmt.Errorf("offer message missing offer")
		}
		if payloadPresent(m.Answer) || payloadPresent(m.Candidate) || m.hasRosterFields() {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case MessageTypeAnswer:
		if m.SessionID == "" || m.UserID == "" {
			return fmt.Errorf("answer message missing sessionId/userId")
		}
		if !payloadPresent(m.Answer) {
			return fmt.Errorf("answer message missing answer")
		}
		if payloadPresent(m.Offer) || payloadPresent(m.Candidate) || m.hasRosterFields() {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case MessageTypeICECandidate:
		if m.SessionID == "" || m.UserID == "" {
			return fmt.Errorf("ice-candidate message missing sessionId/userId")
		}
		if !payloadPresent(m.Candidate) {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if payloadPresent(m.Offer) || payloadPresent(m.Answer) || m.hasRosterFields() {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case MessageTypeParticipantLeft:
		if m.SessionID == "" || m.UserID == "" {
			return fmt.Errorf("participant-left message missing sessionId/userId")
		}
		if m.hasRelayedPayload() || m.hasRosterFields() {
			return fmt.Errorf("participant-left message has unexpected fields")
		}
	case MessageTypeLeaveSession:
		if m.SessionID == "" || m.UserID == "" {
			return fmt.Errorf("leave-session message missing sessionId/userId")
		}
		if m.hasRelayedPayload() || m.hasRosterFields() {
			return fmt.Errorf("leave-session message has unexpected fields")
		}
	case MessageTypeError:
		if m.Error == "" {
			return fmt.Errorf("error message missing error reason")
		}
		if m.hasRelayedPayload() || m.hasRosterFields() {
			return fmt.Errorf("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func (m Message) hasRelayedPayload() bool {
	return payloadPresent(m.Offer) || payloadPresent(m.Answer) || payloadPresent(m.Candidate)
}

func (m Message) hasRosterFields() bool {
	return m.UserRole != "" || m.UserName != "" || m.Participant != nil || m.ParticipantCount != 0
}

// payloadPresent reports whether a relayed payload carries content. A JSON
// null counts as absent so `"offer": null` is not an offer.
func payloadPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
