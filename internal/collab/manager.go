// Package collab manages per-document collaboration sessions: CRDT text
// editing, shared metadata, presence, and a durable operation journal so a
// rejoining client resumes from the last persisted state.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/syncspace/internal/consts"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/syncerr"
)

// OpsSink receives locally produced operations for broadcast to peers
type OpsSink func(documentID string, ops []Op)

// Manager owns the session table for one workspace
type Manager struct {
	log     *logger.Logger
	journal *Journal
	grace   time.Duration

	mu          sync.Mutex
	current     User
	sessions    map[string]*Session
	graceTimers map[string]*time.Timer
	onOps       OpsSink
	destroyed   bool

	// injectable so the session layer stays decoupled from the CRDT algorithm
	newDocument func() Document
}

// NewManager creates a session manager backed by the given journal
func NewManager(journal *Journal, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = consts.DefaultSessionGracePeriod
	}
	return &Manager{
		log:         logger.Global().WithPrefix("collab"),
		journal:     journal,
		grace:       grace,
		sessions:    make(map[string]*Session),
		graceTimers: make(map[string]*time.Timer),
		newDocument: func() Document { return NewText() },
	}
}

// SetCurrentUser sets the identity attached to subsequent joins and edits
func (m *Manager) SetCurrentUser(u User) {
	m.mu.Lock()
	m.current = u
	m.mu.Unlock()
}

// SetDocumentFactory swaps the CRDT implementation
func (m *Manager) SetDocumentFactory(f func() Document) {
	m.mu.Lock()
	m.newDocument = f
	m.mu.Unlock()
}

// OnOps registers the broadcast sink for locally produced operations
func (m *Manager) OnOps(sink OpsSink) {
	m.mu.Lock()
	m.onOps = sink
	m.mu.Unlock()
}

// Join returns the session for documentID, creating it and replaying its
// journal on first join. Joining within the grace period after the last
// leave reattaches to the live session.
func (m *Manager) Join(ctx context.Context, documentID, projectID, filePath string) (*Session, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, fmt.Errorf("session manager destroyed")
	}
	user := m.current
	if user.ID == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("no current user set")
	}

	if timer, ok := m.graceTimers[documentID]; ok {
		timer.Stop()
		delete(m.graceTimers, documentID)
	}
	if s, ok := m.sessions[documentID]; ok {
		m.mu.Unlock()
		s.addUser(user)
		m.log.Debug("user %s joined existing session %s", user.ID, documentID)
		return s, nil
	}
	factory := m.newDocument
	m.mu.Unlock()

	s := newSession(documentID, projectID, filePath, factory())
	if err := m.journal.RegisterDocument(documentID, projectID, filePath); err != nil {
		return nil, err
	}
	ops, err := m.journal.Load(documentID)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.applyToSession(s, op); err != nil {
			m.log.Warn("journal replay for %s: %v", documentID, err)
		}
	}

	m.mu.Lock()
	if existing, ok := m.sessions[documentID]; ok {
		// lost a create race; join the winner
		m.mu.Unlock()
		existing.addUser(user)
		return existing, nil
	}
	m.sessions[documentID] = s
	m.mu.Unlock()

	s.addUser(user)
	m.log.Info("created session %s (%s), %d ops replayed", documentID, filePath, len(ops))
	return s, nil
}

// Text returns the editing handle for the session's replicated text
func (m *Manager) Text(s *Session) *TextHandle {
	return &TextHandle{m: m, s: s}
}

// SharedMap returns the handle for the session's shared metadata map
func (m *Manager) SharedMap(s *Session) *MapHandle {
	return &MapHandle{m: m, s: s}
}

// UpdateCursor moves the current user's cursor on the session
func (m *Manager) UpdateCursor(s *Session, line, column int) error {
	m.mu.Lock()
	user := m.current
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("user %s not in session %s: %w", user.ID, s.DocumentID, syncerr.ErrNotFound)
	}
	p.Line = line
	p.Column = column
	s.lastActivity = time.Now()
	return nil
}

// ActiveUsers returns a snapshot of session presence
func (m *Manager) ActiveUsers(s *Session) []Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Presence, 0, len(s.users))
	for _, p := range s.users {
		out = append(out, *p)
	}
	return out
}

// ResolveConflicts reconciles structural conflicts observed on the shared
// map and folds them into the session's conflict counter
func (m *Manager) ResolveConflicts(s *Session) uint64 {
	s.mu.Lock()
	shared := s.shared
	s.mu.Unlock()

	resolved := shared.TakeConflicts()

	s.mu.Lock()
	s.conflicts += resolved
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if resolved > 0 {
		m.log.Debug("resolved %d structural conflicts on %s", resolved, s.DocumentID)
	}
	return resolved
}

// Stats returns a snapshot of the session
func (m *Manager) Stats(s *Session) SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		UserCount:    len(s.users),
		DocumentSize: s.doc.Len(),
		Conflicts:    s.conflicts,
		LastActivity: s.lastActivity,
	}
}

// Leave removes the current user from the session. The session survives a
// grace period after the last leave so quick rejoins reattach instead of
// replaying the journal.
func (m *Manager) Leave(documentID string) error {
	m.mu.Lock()
	user := m.current
	s, ok := m.sessions[documentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", documentID, syncerr.ErrNotFound)
	}

	remaining := s.removeUser(user.ID)
	m.log.Debug("user %s left session %s (%d remaining)", user.ID, documentID, remaining)
	if remaining > 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}
	if timer, ok := m.graceTimers[documentID]; ok {
		timer.Stop()
	}
	m.graceTimers[documentID] = time.AfterFunc(m.grace, func() {
		m.teardown(documentID)
	})
	return nil
}

// Destroy tears down every session and closes the journal
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	for id, timer := range m.graceTimers {
		timer.Stop()
		delete(m.graceTimers, id)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	return m.journal.Close()
}

// ApplyRemote integrates operations received from a peer and journals them
func (m *Manager) ApplyRemote(s *Session, ops []Op) error {
	for _, op := range ops {
		if err := m.applyToSession(s, op); err != nil {
			return err
		}
	}
	s.touch()
	return m.journal.Append(s.DocumentID, ops)
}

func (m *Manager) teardown(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[documentID]
	if !ok {
		return
	}
	s.mu.Lock()
	empty := len(s.users) == 0
	s.mu.Unlock()
	if !empty {
		return
	}
	delete(m.sessions, documentID)
	delete(m.graceTimers, documentID)
	m.log.Info("session %s torn down after grace period", documentID)
}

func (m *Manager) applyToSession(s *Session, op Op) error {
	switch op.Action {
	case OpInsert, OpDelete:
		return s.doc.Apply(op)
	case OpMapSet, OpMapDelete:
		return s.shared.Apply(op)
	default:
		return fmt.Errorf("unknown operation %q", op.Action)
	}
}

// commitLocal journals locally produced ops and hands them to the sink
func (m *Manager) commitLocal(s *Session, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	s.touch()
	if err := m.journal.Append(s.DocumentID, ops); err != nil {
		return err
	}

	m.mu.Lock()
	sink := m.onOps
	m.mu.Unlock()
	if sink != nil {
		sink(s.DocumentID, ops)
	}
	return nil
}

// TextHandle exposes a session's replicated text. Local edits are applied
// optimistically, journaled, and handed to the broadcast sink.
type TextHandle struct {
	m *Manager
	s *Session
}

// Insert inserts text at the visible index as the current user
func (h *TextHandle) Insert(index int, text string) error {
	h.m.mu.Lock()
	peer := h.m.current.ID
	h.m.mu.Unlock()

	ops, err := h.s.doc.Insert(peer, index, text)
	if err != nil {
		return err
	}
	return h.m.commitLocal(h.s, ops)
}

// Delete removes count characters starting at the visible index
func (h *TextHandle) Delete(index, count int) error {
	h.m.mu.Lock()
	peer := h.m.current.ID
	h.m.mu.Unlock()

	ops, err := h.s.doc.Delete(peer, index, count)
	if err != nil {
		return err
	}
	return h.m.commitLocal(h.s, ops)
}

// Content returns the visible document text
func (h *TextHandle) Content() string {
	return h.s.doc.Content()
}

// Len returns the visible character count
func (h *TextHandle) Len() int {
	return h.s.doc.Len()
}

// MapHandle exposes a session's shared metadata map
type MapHandle struct {
	m *Manager
	s *Session
}

// Set writes a key as the current user
func (h *MapHandle) Set(key, value string) error {
	h.m.mu.Lock()
	peer := h.m.current.ID
	h.m.mu.Unlock()

	op := h.s.shared.Set(peer, key, value)
	return h.m.commitLocal(h.s, []Op{op})
}

// Delete removes a key as the current user
func (h *MapHandle) Delete(key string) error {
	h.m.mu.Lock()
	peer := h.m.current.ID
	h.m.mu.Unlock()

	op := h.s.shared.Delete(peer, key)
	return h.m.commitLocal(h.s, []Op{op})
}

// Get reads a key
func (h *MapHandle) Get(key string) (string, bool) {
	return h.s.shared.Get(key)
}

// Keys lists live keys
func (h *MapHandle) Keys() []string {
	return h.s.shared.Keys()
}
