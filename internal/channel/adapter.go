package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportRequired = errors.New("channel: transport required")
	ErrClosed            = errors.New("channel: transport closed")
)

// Transport moves a single text message to the remote endpoint.
type Transport interface {
	Post(ctx context.Context, text []byte) error
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(ctx context.Context, text []byte) error

func (f TransportFunc) Post(ctx context.Context, text []byte) error {
	return f(ctx, text)
}

// Handler receives every decoded rpcend completion.
type Handler func(protocol.Reply)

// Adapter serializes outbound envelopes and dispatches inbound completions.
// It imposes no buffering, ordering, retry or timeout.
type Adapter struct {
	transport Transport

	mu      sync.RWMutex
	handler Handler
}

func NewAdapter(t Transport) (*Adapter, error) {
	if t == nil {
		return nil, ErrTransportRequired
	}
	return &Adapter{transport: t}, nil
}

// SetHandler installs the completion handler; replies received before are dropped.
func (a *Adapter) SetHandler(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) Send(ctx context.Context, req protocol.Request) error {
	text, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := a.transport.Post(ctx, text); err != nil {
		return fmt.Errorf("channel: post id=%q: %w", req.ID, err)
	}
	log.Trace().Str("id", req.ID).Stringer("kind", req.Kind()).Msg("channel.Adapter.Send")
	return nil
}

// Receive decodes one inbound message and hands rpcend completions to the handler.
// Anything else is dropped.
func (a *Adapter) Receive(raw []byte) {
	reply, err := protocol.DecodeReply(raw)
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(raw)).Msg("channel.Adapter.Receive drop")
		return
	}
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h == nil {
		log.Debug().Str("id", reply.ID).Msg("channel.Adapter.Receive no handler")
		return
	}
	h(reply)
}
