package rpc

import (
	"encoding/json"
	"sort"
	"sync"
)

// Listener receives the payload of one inbound event on a subscription path.
type Listener func(data json.RawMessage)

// ListenerID identifies one listener within a subscription.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

type subscription struct {
	listeners []listenerEntry
}

type subscriptionTable struct {
	mu    sync.Mutex
	paths map[string]*subscription
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{paths: make(map[string]*subscription)}
}

// ensure returns the subscription for path, creating it with primary when absent.
func (s *subscriptionTable) ensure(path string, primary func() listenerEntry) (sub *subscription, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.paths[path]; ok {
		return sub, false
	}
	sub = &subscription{}
	if primary != nil {
		if entry := primary(); entry.fn != nil {
			sub.listeners = append(sub.listeners, entry)
		}
	}
	s.paths[path] = sub
	return sub, true
}

func (s *subscriptionTable) add(path string, entry listenerEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.paths[path]
	if !ok {
		return false
	}
	sub.listeners = append(sub.listeners, entry)
	return true
}

func (s *subscriptionTable) remove(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paths[path]; !ok {
		return false
	}
	delete(s.paths, path)
	return true
}

func (s *subscriptionTable) removeListener(path string, id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.paths[path]
	if !ok {
		return false
	}
	for i, entry := range sub.listeners {
		if entry.id == id {
			sub.listeners = append(sub.listeners[:i:i], sub.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot copies the listeners of path in registration order.
func (s *subscriptionTable) snapshot(path string) ([]Listener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.paths[path]
	if !ok {
		return nil, false
	}
	out := make([]Listener, 0, len(sub.listeners))
	for _, entry := range sub.listeners {
		out = append(out, entry.fn)
	}
	return out, true
}

func (s *subscriptionTable) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

func (s *subscriptionTable) listenerCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.paths[path]; ok {
		return len(sub.listeners)
	}
	return 0
}

func (s *subscriptionTable) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.paths))
	for path := range s.paths {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
