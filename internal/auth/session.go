package auth

import "sync"

// SessionStore keeps the server each user has selected in the dashboard
type SessionStore struct {
	mu       sync.RWMutex
	selected map[string]string
}

// NewSessionStore creates an empty session store
func NewSessionStore() *SessionStore {
	return &SessionStore{selected: make(map[string]string)}
}

// Select makes serverID the current server for userID
func (s *SessionStore) Select(userID, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected[userID] = serverID
}

// Selected returns the current server for userID
func (s *SessionStore) Selected(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.selected[userID]
	return id, ok
}

// Clear forgets the selection of userID
func (s *SessionStore) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.selected, userID)
}

// ClearServer removes serverID from every user's selection, used when a server is deleted
func (s *SessionStore) ClearServer(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, id := range s.selected {
		if id == serverID {
			delete(s.selected, user)
		}
	}
}
