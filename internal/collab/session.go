package collab

import (
	"sync"
	"time"
)

// User identifies a collaborator
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Presence is the ephemeral per-user state on a session. It is never
// journaled and disappears when the user leaves.
type Presence struct {
	User     User      `json:"user"`
	Line     int       `json:"line"`
	Column   int       `json:"column"`
	JoinedAt time.Time `json:"joined_at"`
}

// SessionStats is the snapshot returned by Manager.Stats
type SessionStats struct {
	UserCount    int       `json:"user_count"`
	DocumentSize int       `json:"document_size"`
	Conflicts    uint64    `json:"conflicts"`
	LastActivity time.Time `json:"last_activity"`
}

// Session is one collaborative document: replicated text, shared metadata
// map, and per-user presence. Created on first join, torn down a grace
// period after the last leave.
type Session struct {
	DocumentID string
	ProjectID  string
	FilePath   string

	mu           sync.Mutex
	doc          Document
	shared       *Map
	users        map[string]*Presence
	refs         int
	conflicts    uint64
	lastActivity time.Time
}

func newSession(documentID, projectID, filePath string, doc Document) *Session {
	return &Session{
		DocumentID:   documentID,
		ProjectID:    projectID,
		FilePath:     filePath,
		doc:          doc,
		shared:       NewMap(),
		users:        make(map[string]*Presence),
		lastActivity: time.Now(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) addUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		s.users[u.ID] = &Presence{User: u, JoinedAt: time.Now()}
		s.refs++
	}
	s.lastActivity = time.Now()
}

// removeUser drops presence and returns the remaining reference count
func (s *Session) removeUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; ok {
		delete(s.users, userID)
		s.refs--
	}
	s.lastActivity = time.Now()
	return s.refs
}
