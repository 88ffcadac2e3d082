// Package signaling implements the relay's WebSocket signaling surface.
//
// One endpoint, GET /ws, carries the whole session protocol: join, roster
// notifications, offer/answer/ICE forwarding between the two participants,
// and leave. The relay never inspects SDP or candidate payloads; it re-tags
// envelopes and moves them between roster members.
package signaling
