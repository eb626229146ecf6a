package mcp

import "sync"

// SessionRegistry maps agent IDs to their current MCP session. Entries are
// captured opportunistically whenever an agent calls a tool carrying an
// agent_id, so a reconnecting agent silently replaces its stale mapping.
type SessionRegistry struct {
	mu sync.RWMutex
	by map[string]string // agentID -> sessionID
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{by: make(map[string]string)}
}

// Register binds agentID to sessionID, replacing any prior binding.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	r.by[agentID] = sessionID
	r.mu.Unlock()
}

// SessionFor reports the session currently bound to agentID.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.by[agentID]
	return sid, ok
}

// Remove unbinds every agent attached to sessionID. Called when a session
// disconnects or a push to it fails with an expired-session error.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.by {
		if sid == sessionID {
			delete(r.by, aid)
		}
	}
}
