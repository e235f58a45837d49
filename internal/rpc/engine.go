package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrSenderRequired = errors.New("rpc: sender required")
	ErrEmptyPath      = errors.New("rpc: empty subscription path")
	ErrIDExhausted    = errors.New("rpc: could not allocate unique request id")
)

const maxIDAttempts = 8

// Sender delivers one envelope to the embed.
type Sender interface {
	Send(ctx context.Context, req protocol.Request) error
}

// BroadcastHandler receives completions tagged with a subchannel.
type BroadcastHandler func(protocol.Reply)

// Observer receives engine counters. Implementations must be cheap and non-blocking.
type Observer interface {
	RequestSent(kind protocol.RequestKind)
	ReplyDispatched()
	EventDispatched(listeners int)
	Dropped(reason string)
	PendingChanged(n int)
	SubscriptionsChanged(n int)
}

type noopObserver struct{}

func (noopObserver) RequestSent(protocol.RequestKind) {}
func (noopObserver) ReplyDispatched()                 {}
func (noopObserver) EventDispatched(int)              {}
func (noopObserver) Dropped(string)                   {}
func (noopObserver) PendingChanged(int)               {}
func (noopObserver) SubscriptionsChanged(int)         {}

const (
	DropUnmatched          = "unmatched"
	DropUnknownSubchannel  = "unknown_subchannel"
	DropEmptySubscriptions = "empty_subscription"
)

type Option func(*Engine)

// WithIDGenerator replaces NewRequestID.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.obs = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine correlates requests with completions and fans events out to subscribers.
// Callbacks run on the goroutine that calls Dispatch, never under engine locks.
type Engine struct {
	sender Sender
	newID  func() string
	now    func() time.Time
	obs    Observer

	pending *pendingTable
	subs    *subscriptionTable

	broadcastMu sync.RWMutex
	broadcasts  map[string]BroadcastHandler

	nextListener atomic.Uint64
}

func NewEngine(sender Sender, opts ...Option) (*Engine, error) {
	if sender == nil {
		return nil, ErrSenderRequired
	}
	e := &Engine{
		sender:     sender,
		newID:      NewRequestID,
		now:        time.Now,
		obs:        noopObserver{},
		pending:    newPendingTable(),
		subs:       newSubscriptionTable(),
		broadcasts: make(map[string]BroadcastHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Request sends cmd under a fresh id and returns that id. When onReply is non-nil it
// fires exactly once, when (if ever) the matching completion arrives.
func (e *Engine) Request(ctx context.Context, cmd protocol.Command, onReply ReplyFunc) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	id, err := e.allocateID()
	if err != nil {
		return "", err
	}
	if onReply != nil {
		n := e.pending.put(PendingRequest{ID: id, Instruction: cmd.Instruction, IssuedAt: e.now()}, onReply)
		e.obs.PendingChanged(n)
	}
	if err := e.sender.Send(ctx, protocol.NewCall(id, cmd)); err != nil {
		if onReply != nil {
			_, n, _ := e.pending.take(id)
			e.obs.PendingChanged(n)
		}
		log.Warn().Str("id", id).Err(err).Msg("rpc.Engine.Request send failed")
		return "", err
	}
	e.obs.RequestSent(protocol.KindCall)
	log.Debug().Str("id", id).Str("command", cmd.Instruction).Msg("rpc.Engine.Request")
	return id, nil
}

func (e *Engine) allocateID() (string, error) {
	for range maxIDAttempts {
		id := e.newID()
		if strings.TrimSpace(id) != "" && !e.pending.has(id) {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// Await registers fn under an id chosen by the remote (e.g. the guid of an object that
// will be announced on a broadcast). Nothing is sent.
func (e *Engine) Await(id string, fn ReplyFunc) {
	if strings.TrimSpace(id) == "" || fn == nil {
		return
	}
	n := e.pending.put(PendingRequest{ID: id, IssuedAt: e.now()}, fn)
	e.obs.PendingChanged(n)
}

// Take removes and returns the pending callback for id.
func (e *Engine) Take(id string) (ReplyFunc, bool) {
	fn, n, ok := e.pending.take(id)
	if ok {
		e.obs.PendingChanged(n)
	}
	return fn, ok
}

// Subscribe binds path. The first bind sends one bind envelope and installs the
// listener produced by resolve as the primary listener; later binds only append
// listener. resolve runs under the subscription lock and must not call the engine.
// The returned id is zero when listener is nil.
func (e *Engine) Subscribe(ctx context.Context, path string, resolve func() Listener, listener Listener) (ListenerID, error) {
	if strings.TrimSpace(path) == "" {
		return 0, ErrEmptyPath
	}
	primary := func() listenerEntry {
		if resolve == nil {
			return listenerEntry{}
		}
		return listenerEntry{id: ListenerID(e.nextListener.Add(1)), fn: resolve()}
	}
	_, created := e.subs.ensure(path, primary)
	if created {
		if err := e.sender.Send(ctx, protocol.NewBind(path)); err != nil {
			e.subs.remove(path)
			return 0, fmt.Errorf("rpc: bind %q: %w", path, err)
		}
		e.obs.RequestSent(protocol.KindBind)
		e.obs.SubscriptionsChanged(e.subs.len())
		log.Debug().Str("path", path).Msg("rpc.Engine.Subscribe bind")
	}
	if listener == nil {
		return 0, nil
	}
	id := ListenerID(e.nextListener.Add(1))
	if !e.subs.add(path, listenerEntry{id: id, fn: listener}) {
		return 0, fmt.Errorf("rpc: subscription %q removed during bind", path)
	}
	return id, nil
}

// Unsubscribe drops the whole subscription and sends an unbind envelope.
// Unknown paths are a no-op.
func (e *Engine) Unsubscribe(ctx context.Context, path string) error {
	if !e.subs.remove(path) {
		return nil
	}
	e.obs.SubscriptionsChanged(e.subs.len())
	if err := e.sender.Send(ctx, protocol.NewUnbind(path)); err != nil {
		return fmt.Errorf("rpc: unbind %q: %w", path, err)
	}
	e.obs.RequestSent(protocol.KindUnbind)
	log.Debug().Str("path", path).Msg("rpc.Engine.Unsubscribe")
	return nil
}

// UnsubscribeListener removes one listener; the remote binding and the primary
// listener stay in place. Reports whether a listener was removed.
func (e *Engine) UnsubscribeListener(path string, id ListenerID) bool {
	if id == 0 {
		return false
	}
	return e.subs.removeListener(path, id)
}

// HandleBroadcast installs the handler for completions tagged with subchannel.
func (e *Engine) HandleBroadcast(subchannel string, h BroadcastHandler) {
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()
	if h == nil {
		delete(e.broadcasts, subchannel)
		return
	}
	e.broadcasts[subchannel] = h
}

// Dispatch routes one completion. Order: subchannel handler, pending request,
// subscription listeners. Anything unmatched is dropped without error.
func (e *Engine) Dispatch(r protocol.Reply) {
	if r.Subchannel != "" {
		e.broadcastMu.RLock()
		h, ok := e.broadcasts[r.Subchannel]
		e.broadcastMu.RUnlock()
		if !ok {
			e.obs.Dropped(DropUnknownSubchannel)
			log.Debug().Str("subchannel", r.Subchannel).Msg("rpc.Engine.Dispatch drop")
			return
		}
		h(r)
		return
	}

	if fn, ok := e.Take(r.ID); ok {
		e.obs.ReplyDispatched()
		fn(r)
		return
	}

	listeners, ok := e.subs.snapshot(r.ID)
	if !ok {
		e.obs.Dropped(DropUnmatched)
		log.Trace().Str("id", r.ID).Msg("rpc.Engine.Dispatch unmatched")
		return
	}
	if len(listeners) == 0 {
		e.obs.Dropped(DropEmptySubscriptions)
		return
	}
	e.obs.EventDispatched(len(listeners))
	for _, fn := range listeners {
		fn(r.Data)
	}
}

func (e *Engine) PendingCount() int {
	return e.pending.len()
}

func (e *Engine) PendingRequests() []PendingRequest {
	return e.pending.list()
}

func (e *Engine) SubscriptionCount() int {
	return e.subs.len()
}

func (e *Engine) SubscriptionPaths() []string {
	return e.subs.list()
}

// Subscribed reports whether path has a live subscription.
func (e *Engine) Subscribed(path string) bool {
	_, ok := e.subs.snapshot(path)
	return ok
}

// ListenerCount reports the listeners on path, primary included.
func (e *Engine) ListenerCount(path string) int {
	return e.subs.listenerCount(path)
}
