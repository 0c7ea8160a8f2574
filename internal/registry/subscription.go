// Package registry is the Server Endpoint Registry (spec §4.5, C5): it
// owns the PubSub and PushPull endpoint state plus the per-endpoint
// subscription index. RPC state lives in internal/dispatch; SharedObject
// endpoint state lives in
// internal/sharedobject, which composes a registry.SubscriptionIndex of
// its own for the broadcast set.
//
// SubscriptionIndex's copy-on-write atomic snapshot is grounded directly on
// the teacher's channel→subscribers reverse index
// (ws/internal/shared/connection.go's SubscriptionIndex), generalized from
// *Client to the connection.ID abstraction below so it has no dependency on
// any particular transport.
package registry

import (
	"sync"
	"sync/atomic"
)

// Conn is the minimal connection identity the registry needs: a stable ID
// and a way to deliver a raw frame. Concrete transport.Conn implementations
// are adapted to this by the service/client packages.
type Conn interface {
	ID() int64
	Send(data []byte) error
}

// SubscriptionIndex maps endpoint name to its current set of subscribed
// connections, using a copy-on-write snapshot per endpoint so broadcast
// (the hot path) never blocks on a write lock.
type SubscriptionIndex struct {
	mu   sync.RWMutex
	sets map[string]*atomic.Value // endpoint -> []Conn snapshot
}

// NewSubscriptionIndex returns an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{sets: make(map[string]*atomic.Value)}
}

// Add registers c as a subscriber of endpoint, idempotently.
func (idx *SubscriptionIndex) Add(endpoint string, c Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	av, ok := idx.sets[endpoint]
	if !ok {
		av = &atomic.Value{}
		idx.sets[endpoint] = av
	}
	var current []Conn
	if v := av.Load(); v != nil {
		current = v.([]Conn)
	}
	for _, existing := range current {
		if existing.ID() == c.ID() {
			return
		}
	}
	next := make([]Conn, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	av.Store(next)
}

// Remove unregisters c from endpoint.
func (idx *SubscriptionIndex) Remove(endpoint string, c Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	av, ok := idx.sets[endpoint]
	if !ok {
		return
	}
	v := av.Load()
	if v == nil {
		return
	}
	current := v.([]Conn)
	for i, existing := range current {
		if existing.ID() == c.ID() {
			next := make([]Conn, len(current)-1)
			copy(next, current[:i])
			copy(next[i:], current[i+1:])
			if len(next) == 0 {
				delete(idx.sets, endpoint)
			} else {
				av.Store(next)
			}
			return
		}
	}
}

// RemoveConn unregisters c from every endpoint, as done on disconnect.
func (idx *SubscriptionIndex) RemoveConn(c Conn) {
	idx.mu.RLock()
	endpoints := make([]string, 0, len(idx.sets))
	for ep := range idx.sets {
		endpoints = append(endpoints, ep)
	}
	idx.mu.RUnlock()

	for _, ep := range endpoints {
		idx.Remove(ep, c)
	}
}

// Get returns the immutable subscriber snapshot for endpoint. Callers must
// not mutate the returned slice.
func (idx *SubscriptionIndex) Get(endpoint string) []Conn {
	idx.mu.RLock()
	av, ok := idx.sets[endpoint]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := av.Load()
	if v == nil {
		return nil
	}
	return v.([]Conn)
}

// Count returns the number of current subscribers of endpoint.
func (idx *SubscriptionIndex) Count(endpoint string) int {
	return len(idx.Get(endpoint))
}

// Broadcast delivers data to every current subscriber of endpoint,
// best-effort: a failing Send is ignored here (the caller's connection
// lifecycle, not the registry, is responsible for tearing down dead
// connections), matching PubSub/SharedObject's "best-effort fan-out" in
// spec §5.
func (idx *SubscriptionIndex) Broadcast(endpoint string, data []byte) {
	for _, c := range idx.Get(endpoint) {
		_ = c.Send(data)
	}
}
