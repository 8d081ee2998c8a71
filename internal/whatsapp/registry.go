package whatsapp

import (
	"sync"
)

// State of a tenant session
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateQRPending     State = "qr_pending"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateLoggedOut     State = "logged_out"
)

// Session is an immutable snapshot of one tenant's connection. The registry
// swaps whole values; nobody mutates a Session after it is stored.
type Session struct {
	Tenant       int64
	State        State
	Handle       Handle
	Self         Identity
	QR           string
	Initializing bool
	Generation   uint64
}

const registryShards = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// Registry maps tenants to sessions. Contention is per shard, so tenants
// never serialize on a global lock.
type Registry struct {
	shards [registryShards]*shard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[int64]*Session)}
	}
	return r
}

func (r *Registry) shardFor(tenant int64) *shard {
	idx := uint64(tenant) % registryShards
	return r.shards[idx]
}

// Get returns a copy of the tenant's session.
func (r *Registry) Get(tenant int64) (Session, bool) {
	s := r.shardFor(tenant)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.sessions[tenant]
	if !ok {
		return Session{Tenant: tenant, State: StateUninitialized}, false
	}
	return *cur, true
}

// Update atomically replaces the tenant's session with fn's result. fn
// receives the current value (zero Session with StateUninitialized when
// absent) and returns the replacement and whether to store it. Update
// returns the previous value and whether a replacement happened.
func (r *Registry) Update(tenant int64, fn func(cur Session) (Session, bool)) (Session, bool) {
	s := r.shardFor(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := Session{Tenant: tenant, State: StateUninitialized}
	if cur, ok := s.sessions[tenant]; ok {
		prev = *cur
	}
	next, ok := fn(prev)
	if !ok {
		return prev, false
	}
	next.Tenant = tenant
	s.sessions[tenant] = &next
	return prev, true
}

// UpdateIf applies fn only when the stored generation still equals gen.
func (r *Registry) UpdateIf(tenant int64, gen uint64, fn func(cur Session) Session) bool {
	_, ok := r.Update(tenant, func(cur Session) (Session, bool) {
		if cur.Generation != gen || cur.State == StateUninitialized {
			return cur, false
		}
		return fn(cur), true
	})
	return ok
}

// Snapshot lists every session.
func (r *Registry) Snapshot() []Session {
	var out []Session
	for _, s := range r.shards {
		s.mu.RLock()
		for _, cur := range s.sessions {
			out = append(out, *cur)
		}
		s.mu.RUnlock()
	}
	return out
}
