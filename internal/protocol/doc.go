// Package protocol owns the embed wire contract.
//
// Ownership boundary:
// - outbound request/bind/unbind envelopes
// - inbound completion envelopes and broadcast payloads
// - typed script builder for remote instructions
package protocol
