// Package client implements the session client: the endpoint that joins a
// visit through the relay, negotiates one WebRTC peer connection with the
// other participant and carries local media to it.
//
// A Session runs a single event goroutine that owns all negotiation state.
// Signaling envelopes, pion callbacks and the End request all arrive as
// events on that goroutine, so offer/answer ordering, the ICE candidate
// queue and teardown need no locking. Which side offers is decided by a
// deterministic tie-break on the roster (therapist first, then smaller
// userId), never by racing offers.
//
// Callbacks fire on the event goroutine and must return promptly. End may
// be called from anywhere, including callbacks; Done reports when the
// session has fully stopped.
package client
