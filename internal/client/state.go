package client

// State is the session lifecycle as the caller observes it. Connected means
// the peer connection reported connected at least once for the current
// attempt; a remote stream can arrive slightly before or after that, so UI
// code should watch RemoteStream independently.
type State string

const (
	StateIdle           State = "idle"
	StateJoining        State = "joining"
	StateWaitingForPeer State = "waiting-for-peer"
	StateNegotiating    State = "negotiating"
	StateConnected      State = "connected"
	StateClosed         State = "closed"
)
