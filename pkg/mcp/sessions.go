package mcp

import "sync"

// SessionRegistry maps actors to the MCP session they last called a tool from.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // actor -> session id
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register binds actor to sessionID, replacing any earlier session.
func (r *SessionRegistry) Register(actor, sessionID string) {
	if actor == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[actor] = sessionID
}

// SessionFor returns the session bound to actor.
func (r *SessionRegistry) SessionFor(actor string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[actor]
	return sid, ok
}

// Remove unbinds every actor using sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, actor)
		}
	}
}

// Len returns the number of bound actors.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
