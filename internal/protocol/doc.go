// Package protocol defines the JSON signaling envelope exchanged between
// session clients and the relay.
//
// The relay treats offer/answer/candidate payloads as opaque bytes; only
// clients decode them. Both sides parse envelopes strictly so a malformed
// message is rejected at the edge instead of corrupting negotiation state.
package protocol
