package observability

import (
	"github.com/danmuck/embedbridge/internal/protocol"
)

// RPCObserver feeds correlation engine counters into prometheus under one bridge label.
type RPCObserver struct {
	bridge string
}

func NewRPCObserver(bridge string) *RPCObserver {
	RegisterMetrics()
	return &RPCObserver{bridge: bridge}
}

func (o *RPCObserver) RequestSent(kind protocol.RequestKind) {
	rpcSent.WithLabelValues(o.bridge, kind.String()).Inc()
}

func (o *RPCObserver) ReplyDispatched() {
	rpcReplies.WithLabelValues(o.bridge).Inc()
}

func (o *RPCObserver) EventDispatched(listeners int) {
	rpcEvents.WithLabelValues(o.bridge).Inc()
	rpcListenerCalls.WithLabelValues(o.bridge).Add(float64(listeners))
}

func (o *RPCObserver) Dropped(reason string) {
	rpcDropped.WithLabelValues(o.bridge, reason).Inc()
}

func (o *RPCObserver) PendingChanged(n int) {
	rpcPending.WithLabelValues(o.bridge).Set(float64(n))
}

func (o *RPCObserver) SubscriptionsChanged(n int) {
	rpcSubscriptions.WithLabelValues(o.bridge).Set(float64(n))
}
