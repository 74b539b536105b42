package presence

import "sync"

// Registry tracks which users have live connections on this instance.
// A user is online while at least one of their connections is registered.
// State is process-local; cross-instance presence is best-effort via the
// relay and is not reconciled here.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{} // userID -> set of connection IDs
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]struct{})}
}

// Add registers a connection for a user and reports whether this was the
// user's first live connection (the online transition).
func (r *Registry) Add(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	set[connID] = struct{}{}
	return !ok
}

// Remove unregisters a connection and reports whether it was the user's
// last one. Only a true return should trigger an offline broadcast.
func (r *Registry) Remove(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, userID)
		return true
	}
	return false
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// OnlineUsers returns the identities with at least one live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.conns))
	for id := range r.conns {
		users = append(users, id)
	}
	return users
}
