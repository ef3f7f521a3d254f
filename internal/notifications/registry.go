package notifications

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle is a live push connection.
// Send must honour ctx's deadline. Close may be called more than once.
type Handle interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Subscriber is a registered push connection as seen by a single broadcast.
// It is a value snapshot and stays valid for the whole broadcast, including goroutines
// the callback starts. If the connection id is re-registered meanwhile, Evict on the
// old Subscriber is a no-op and the replacement keeps receiving.
type Subscriber struct {
	ConnectionID   string
	OrganizationID string
	Handle         Handle

	reg *registration
}

type registration struct {
	sub     Subscriber
	removed atomic.Bool
}

// Registry tracks currently connected push subscribers by connection id.
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*registration
	byOrg map[string]map[string]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*registration),
		byOrg: make(map[string]map[string]*registration),
	}
}

// Register adds a connection for an organization.
// An empty orgID registers a connection that receives no broadcasts.
// Re-registering an id replaces the previous handle and closes it.
func (r *Registry) Register(connID, orgID string, h Handle) {
	reg := &registration{}
	reg.sub = Subscriber{
		ConnectionID:   connID,
		OrganizationID: orgID,
		Handle:         h,
		reg:            reg,
	}

	r.mu.Lock()
	old := r.conns[connID]
	if old != nil {
		r.removeLocked(old)
	}
	r.conns[connID] = reg
	if orgID != "" {
		members, ok := r.byOrg[orgID]
		if !ok {
			members = make(map[string]*registration)
			r.byOrg[orgID] = members
		}
		members[connID] = reg
	}
	n := len(r.conns)
	r.mu.Unlock()

	pushSubscribers.Set(float64(n))

	if old != nil {
		_ = old.sub.Handle.Close()
	}
}

// Unregister removes a connection. Unknown ids are a no-op.
// The handle is not closed; the caller owns the transport it came from.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	reg, ok := r.conns[connID]
	if ok {
		r.removeLocked(reg)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if ok {
		pushSubscribers.Set(float64(n))
	}
}

// Evict removes sub if it is still the current registration for its id and closes its handle.
// It reports whether anything was removed.
func (r *Registry) Evict(sub Subscriber) bool {
	r.mu.Lock()
	reg, ok := r.conns[sub.ConnectionID]
	matched := ok && sub.reg != nil && reg == sub.reg
	if matched {
		r.removeLocked(reg)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if !matched {
		return false
	}
	pushSubscribers.Set(float64(n))
	_ = sub.Handle.Close()
	return true
}

// ForEachInOrg calls fn once per live connection of orgID.
// It iterates over a snapshot taken without holding the lock during fn, so fn may
// register or unregister. Connections removed after the snapshot are skipped.
func (r *Registry) ForEachInOrg(orgID string, fn func(Subscriber)) {
	r.mu.RLock()
	members := r.byOrg[orgID]
	snapshot := make([]*registration, 0, len(members))
	for _, reg := range members {
		snapshot = append(snapshot, reg)
	}
	r.mu.RUnlock()

	for _, reg := range snapshot {
		if reg.removed.Load() {
			continue
		}
		fn(reg.sub)
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountInOrg returns the number of connections registered for orgID.
func (r *Registry) CountInOrg(orgID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOrg[orgID])
}

// CloseAll removes every connection and closes its handle.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	regs := make([]*registration, 0, len(r.conns))
	for _, reg := range r.conns {
		reg.removed.Store(true)
		regs = append(regs, reg)
	}
	r.conns = make(map[string]*registration)
	r.byOrg = make(map[string]map[string]*registration)
	r.mu.Unlock()

	pushSubscribers.Set(0)

	for _, reg := range regs {
		_ = reg.sub.Handle.Close()
	}
}

func (r *Registry) removeLocked(reg *registration) {
	reg.removed.Store(true)
	delete(r.conns, reg.sub.ConnectionID)

	orgID := reg.sub.OrganizationID
	if members, ok := r.byOrg[orgID]; ok {
		delete(members, reg.sub.ConnectionID)
		if len(members) == 0 {
			delete(r.byOrg, orgID)
		}
	}
}
