// Package registry maps station identities to their single live transport connection.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Conn is the transport endpoint held by the registry. The registry never opens or closes it;
// callers of Register and Unregister own that lifecycle.
type Conn interface {
	StationID() string
	RemoteAddr() string
	ConnectedSince() time.Time
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Entry is one registered connection.
type Entry struct {
	StationID     string
	Conn          Conn
	EstablishedAt time.Time
}

// Registry keeps at most one connection per station identity.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Register stores conn under identity and returns the connection it replaced, if any.
// Replacement is atomic; closing the evicted connection is up to the caller.
func (r *Registry) Register(identity string, conn Conn) (evicted Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.entries[identity]; ok && previous.Conn != conn {
		evicted = previous.Conn
	}
	r.entries[identity] = Entry{
		StationID:     identity,
		Conn:          conn,
		EstablishedAt: r.now().UTC(),
	}
	return evicted
}

// Resolve returns the connection registered for identity.
func (r *Registry) Resolve(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return entry.Conn, true
}

// Unregister removes identity only while conn is still the registered connection, so a late
// close event from a superseded socket cannot evict its replacement.
func (r *Registry) Unregister(identity string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if !ok || entry.Conn != conn {
		return false
	}
	delete(r.entries, identity)
	return true
}

// ListIdentities returns a sorted snapshot of registered identities.
func (r *Registry) ListIdentities() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Entries returns a snapshot of all entries ordered by identity.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].StationID < entries[j].StationID })
	return entries
}

// Drain removes every entry and returns them. Used on shutdown.
func (r *Registry) Drain() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.entries = make(map[string]Entry)
	r.mu.Unlock()

	return entries
}

// Len reports the number of registered stations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
