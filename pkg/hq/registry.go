// Package hq implements federation: a registry of peer servers and a
// proxy that forwards HTTP, SSE and WebSocket traffic for sessions that
// live on a peer.
package hq

import (
	"fmt"
	"sync"
)

// Remote is one registered peer server.
type Remote struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	BearerToken string `json:"-"`

	mu       sync.Mutex
	sessions map[string]struct{}
}

// LiveSessionIDs returns the sessions currently attributed to this peer.
func (r *Remote) LiveSessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Registry tracks peers and the session → peer index. A live session id
// is registered on at most one remote.
type Registry struct {
	mu       sync.RWMutex
	remotes  map[string]*Remote // by remote id
	sessions map[string]string  // sessionID → remoteID
}

func NewRegistry() *Registry {
	return &Registry{
		remotes:  make(map[string]*Remote),
		sessions: make(map[string]string),
	}
}

// Register adds or replaces a peer. Re-registering under the same id
// drops the previous session index entries.
func (reg *Registry) Register(id, name, url, token string) (*Remote, error) {
	if id == "" || name == "" || url == "" || token == "" {
		return nil, fmt.Errorf("id, name, url and token are required")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, existing := range reg.remotes {
		if existing.Name == name && existing.ID != id {
			return nil, fmt.Errorf("remote name %q already registered", name)
		}
	}

	if old, ok := reg.remotes[id]; ok {
		for _, sessionID := range old.LiveSessionIDs() {
			delete(reg.sessions, sessionID)
		}
	}

	remote := &Remote{
		ID:          id,
		Name:        name,
		URL:         url,
		BearerToken: token,
		sessions:    make(map[string]struct{}),
	}
	reg.remotes[id] = remote
	return remote, nil
}

// Unregister removes a peer and every session attributed to it.
func (reg *Registry) Unregister(id string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	remote, ok := reg.remotes[id]
	if !ok {
		return false
	}
	for _, sessionID := range remote.LiveSessionIDs() {
		delete(reg.sessions, sessionID)
	}
	delete(reg.remotes, id)
	return true
}

// List returns all registered peers.
func (reg *Registry) List() []*Remote {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	remotes := make([]*Remote, 0, len(reg.remotes))
	for _, r := range reg.remotes {
		remotes = append(remotes, r)
	}
	return remotes
}

// Get returns a peer by id.
func (reg *Registry) Get(id string) *Remote {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.remotes[id]
}

// BindSession attributes a session to a peer, moving it if it was
// registered elsewhere.
func (reg *Registry) BindSession(sessionID, remoteID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	remote, ok := reg.remotes[remoteID]
	if !ok {
		return fmt.Errorf("unknown remote %q", remoteID)
	}

	if prevID, ok := reg.sessions[sessionID]; ok && prevID != remoteID {
		if prev := reg.remotes[prevID]; prev != nil {
			prev.mu.Lock()
			delete(prev.sessions, sessionID)
			prev.mu.Unlock()
		}
	}

	remote.mu.Lock()
	remote.sessions[sessionID] = struct{}{}
	remote.mu.Unlock()
	reg.sessions[sessionID] = remoteID
	return nil
}

// UnbindSession removes a session from the index.
func (reg *Registry) UnbindSession(sessionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	remoteID, ok := reg.sessions[sessionID]
	if !ok {
		return
	}
	if remote := reg.remotes[remoteID]; remote != nil {
		remote.mu.Lock()
		delete(remote.sessions, sessionID)
		remote.mu.Unlock()
	}
	delete(reg.sessions, sessionID)
}

// RemoteForSession resolves the peer owning a session, or nil for local
// sessions.
func (reg *Registry) RemoteForSession(sessionID string) *Remote {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	remoteID, ok := reg.sessions[sessionID]
	if !ok {
		return nil
	}
	return reg.remotes[remoteID]
}
