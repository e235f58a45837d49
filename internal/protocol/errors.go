package protocol

import "errors"

var (
	ErrInvalidEnvelope    = errors.New("protocol: invalid envelope")
	ErrUnexpectedChannel  = errors.New("protocol: unexpected channel")
	ErrMalformedJSON      = errors.New("protocol: malformed json")
	ErrInvalidCallee      = errors.New("protocol: invalid callee path")
	ErrInvalidIdentifier  = errors.New("protocol: invalid identifier")
	ErrInvalidLiteral     = errors.New("protocol: invalid literal")
	ErrEmptyScript        = errors.New("protocol: empty script")
	ErrInvalidInstruction = errors.New("protocol: invalid instruction")
)
