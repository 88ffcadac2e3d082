// Package relay tracks per-session rosters for the signaling relay.
//
// A session is created implicitly by the first join and destroyed when its
// roster empties; its identifier is then free to name a brand-new session.
// The roster-size check and insert happen under one lock so concurrent joins
// can never overfill a session.
//
// The relay never inspects SDP or ICE payloads. Message construction and
// delivery policy live in internal/signaling; this package only answers who
// is in a session and who should hear about a change.
package relay
