package client

import "errors"

var (
	// ErrSessionFull reports that the relay rejected the join because two
	// participants are already present.
	ErrSessionFull = errors.New("client: session full")

	// ErrTransport reports that the signaling connection failed or closed
	// unexpectedly. The session stops; rejoining is the caller's decision.
	ErrTransport = errors.New("client: signaling transport failed")

	// ErrNegotiationFailed reports a failed negotiation attempt, either a
	// local SDP error or the connection state reaching failed.
	ErrNegotiationFailed = errors.New("client: negotiation failed")

	// ErrMalformedMessage reports that the relay rejected one of our
	// messages as malformed.
	ErrMalformedMessage = errors.New("client: relay rejected message as malformed")

	// ErrMediaRequired reports a join attempted without acquired local
	// media. Tracks must exist before negotiation so the first offer
	// carries them.
	ErrMediaRequired = errors.New("client: local media required before joining")

	// ErrClosed reports an operation on a session that already ended.
	ErrClosed = errors.New("client: session closed")
)
