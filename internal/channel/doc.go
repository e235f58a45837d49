// Package channel adapts a one-way text transport into the embed envelope stream.
//
// Ownership boundary:
// - envelope serialization onto a Transport
// - inbound decode and dispatch of rpcend completions
// - websocket transport with backoff dialing
package channel
