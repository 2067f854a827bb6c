package chat

import (
	"sort"
	"sync"
)

// Registry maps a user identity to its currently registered connection.
// At most one connection per identity; the key set is the online set.
// The registry never owns or closes a connection.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Conn // user -> conn
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Conn),
	}
}

// Register inserts or overwrites the entry for user (last write wins) and
// returns the connection it superseded, if any.
func (r *Registry) Register(user string, c *Conn) (superseded *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byUser[user]
	r.byUser[user] = c
	if prev == c {
		return nil
	}
	return prev
}

// Deregister removes the entry for user; absent users are a no-op.
func (r *Registry) Deregister(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[user]; !ok {
		return false
	}
	delete(r.byUser, user)
	return true
}

// DeregisterConn removes the entry for user only while c is still the registered connection,
// so a superseded connection closing late cannot evict its successor.
func (r *Registry) DeregisterConn(user string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byUser[user]; !ok || cur != c {
		return false
	}
	delete(r.byUser, user)
	return true
}

func (r *Registry) Lookup(user string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[user]
	return c, ok
}

// OnlineIdentities returns a sorted copy of the current key set.
func (r *Registry) OnlineIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identitiesLocked()
}

// Snapshot returns the online set and the registered connections read under one lock.
func (r *Registry) Snapshot() ([]string, []*Conn) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byUser))
	for _, c := range r.byUser {
		conns = append(conns, c)
	}
	return r.identitiesLocked(), conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) identitiesLocked() []string {
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
