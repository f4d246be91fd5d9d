package bleapdu

import (
	"sync"
)

// registry tracks at most one live session per device ID. All transport
// entry points funnel through it so a device can never hold two sessions.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

// get returns the live session for id, or nil.
func (r *registry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// put registers s under its device ID. If another live session already
// holds the ID, put leaves the registry unchanged and returns that
// session with ok=false; the caller decides what to do with the loser.
func (r *registry) put(s *Session) (existing *Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, found := r.sessions[s.ID()]; found {
		return cur, false
	}
	r.sessions[s.ID()] = s
	return s, true
}

// removeSession drops the entry for s only while it still maps to s. A
// stale session tearing down must not evict a fresh one registered under
// the same device ID.
func (r *registry) removeSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID()] != s {
		return false
	}
	delete(r.sessions, s.ID())
	return true
}

// all snapshots every live session, for shutdown sweeps.
func (r *registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
