package session

import (
	"sort"
	"sync"
)

// Registry is the process-local index of live sessions, grouped by project.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		projects: make(map[string]map[string]*Entry),
	}
}

// Add registers entry under (projectID, sessionID), replacing any previous entry.
func (r *Registry) Add(projectID, sessionID string, entry *Entry) {
	if projectID == "" || sessionID == "" || entry == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.projects[projectID]
	if !ok {
		sessions = make(map[string]*Entry)
		r.projects[projectID] = sessions
	}
	sessions[sessionID] = entry
}

// Remove deletes the entry and returns it. Removing an unknown key is a no-op.
func (r *Registry) Remove(projectID, sessionID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.projects[projectID]
	if sessions == nil {
		return nil, false
	}
	entry, ok := sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.projects, projectID)
	}
	return entry, true
}

// Get looks up a single session.
func (r *Registry) Get(projectID, sessionID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.projects[projectID][sessionID]
	return entry, ok
}

// List returns the project's sessions except excludeSessionID, oldest first.
// Pass "" to include every session.
func (r *Registry) List(projectID, excludeSessionID string) []*Entry {
	r.mu.RLock()
	sessions := r.projects[projectID]
	entries := make([]*Entry, 0, len(sessions))
	for sessionID, entry := range sessions {
		if excludeSessionID != "" && sessionID == excludeSessionID {
			continue
		}
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt().Equal(entries[j].JoinedAt()) {
			return entries[i].SessionID() < entries[j].SessionID()
		}
		return entries[i].JoinedAt().Before(entries[j].JoinedAt())
	})
	return entries
}

// Count returns the number of local sessions in a project.
func (r *Registry) Count(projectID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects[projectID])
}

// Projects returns the ids of projects with at least one local session.
func (r *Registry) Projects() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.projects))
	for projectID := range r.projects {
		ids = append(ids, projectID)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
