package rpc

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/embedbridge/internal/protocol"
)

// ReplyFunc receives the one completion matching a request id.
type ReplyFunc func(protocol.Reply)

// PendingRequest tracks one request awaiting its completion.
type PendingRequest struct {
	ID          string
	Instruction string
	IssuedAt    time.Time
}

type pendingEntry struct {
	PendingRequest
	fn ReplyFunc
}

// pendingTable stores callbacks by id. Take removes on read so a callback fires once.
type pendingTable struct {
	mu    sync.Mutex
	items map[string]pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[string]pendingEntry)}
}

// put stores fn under id; last write wins.
func (p *pendingTable) put(req PendingRequest, fn ReplyFunc) int {
	key := strings.TrimSpace(req.ID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[key] = pendingEntry{PendingRequest: req, fn: fn}
	return len(p.items)
}

func (p *pendingTable) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[strings.TrimSpace(id)]
	return ok
}

func (p *pendingTable) take(id string) (ReplyFunc, int, bool) {
	key := strings.TrimSpace(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[key]
	if !ok {
		return nil, len(p.items), false
	}
	delete(p.items, key)
	return item.fn, len(p.items), true
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *pendingTable) list() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRequest, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item.PendingRequest)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
