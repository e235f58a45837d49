// Package rpc is the correlation engine over the embed channel.
//
// Ownership boundary:
// - request id generation and the pending-request table
// - the subscription table keyed by subscription path
// - routing of completions to exactly one pending caller or to every subscriber
// - subchannel broadcast handlers
package rpc
