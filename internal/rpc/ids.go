package rpc

import (
	"crypto/rand"
	"encoding/hex"
)

// RequestIDLen is the number of hexadecimal symbols in a request id (2^40 states).
const RequestIDLen = 10

// NewRequestID returns RequestIDLen random hex symbols.
func NewRequestID() string {
	var buf [RequestIDLen / 2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("rpc: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}
