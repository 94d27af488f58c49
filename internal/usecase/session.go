package usecase

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crm-assistant/internal/domain"

	"github.com/oklog/ulid/v2"
)

// Turn is one completed user/assistant round.
type Turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// ActiveEntity is the conversation's working memory: the CRM record the user
// most recently focused on, so follow-ups like "update their phone" resolve.
type ActiveEntity struct {
	ID   int64             `json:"id"`
	Name string            `json:"name"`
	Type domain.EntityType `json:"type"`
}

// Session represents an active conversation session.
type Session struct {
	mu        sync.RWMutex
	ID        string        `json:"id"` // ULID
	UserID    string        `json:"user_id,omitempty"`
	Turns     []Turn        `json:"turns"`
	Active    *ActiveEntity `json:"active,omitempty"`
	MaxTurns  int           `json:"max_turns"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewSession creates a new empty session with a generated ULID.
func NewSession(userID string, maxTurns int) *Session {
	now := time.Now()
	if maxTurns <= 0 {
		maxTurns = 50
	}
	return &Session{
		ID:        generateULID(now),
		UserID:    userID,
		Turns:     make([]Turn, 0),
		MaxTurns:  maxTurns,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddTurn appends a completed round, trimming history to MaxTurns (thread-safe).
func (s *Session) AddTurn(user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns = append(s.Turns, Turn{User: user, Assistant: assistant, At: time.Now()})
	if len(s.Turns) > s.MaxTurns {
		s.Turns = s.Turns[len(s.Turns)-s.MaxTurns:]
	}
	s.UpdatedAt = time.Now()
}

// History returns a copy of the turn history (thread-safe).
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]Turn, len(s.Turns))
	copy(cp, s.Turns)
	return cp
}

// RecentHistory renders the last n rounds as prompt context. The render is a
// pure function of the stored turns:
//
//	User: ...
//	Assistant: ...
func (s *Session) RecentHistory(n int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.Turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	if len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "User: %s\nAssistant: %s", t.User, t.Assistant)
	}
	return b.String()
}

// RememberEntity records the CRM record in focus.
func (s *Session) RememberEntity(id int64, name string, typ domain.EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Active = &ActiveEntity{ID: id, Name: name, Type: typ}
	s.UpdatedAt = time.Now()
}

// ActiveCustomerID returns the remembered customer ID, or 0 when no customer
// is in focus.
func (s *Session) ActiveCustomerID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Active == nil || s.Active.Type != domain.EntityCustomer {
		return 0
	}
	return s.Active.ID
}

// ActiveEntityName returns the remembered record's display name, or "".
func (s *Session) ActiveEntityName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Active == nil {
		return ""
	}
	return s.Active.Name
}

// Reset clears the history and the active entity, keeping the session alive.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns = s.Turns[:0]
	s.Active = nil
	s.UpdatedAt = time.Now()
}

// SessionManager manages multiple sessions with optional JSON persistence.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dataDir  string
	maxTurns int
}

// NewSessionManager creates a session manager. dataDir may be "" to disable
// persistence.
func NewSessionManager(dataDir string, maxTurns int) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		dataDir:  dataDir,
		maxTurns: maxTurns,
	}
}

// validateSessionID checks if a session ID is safe for filesystem use.
// It rejects path separators, parent directory references, and null bytes.
func (sm *SessionManager) validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("session ID contains path separators: %q", id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session ID contains parent directory reference: %q", id)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session ID contains null byte: %q", id)
	}
	if clean := filepath.Clean(id); clean != id {
		return fmt.Errorf("session ID not clean path: %q vs %q", id, clean)
	}
	return nil
}

// Create registers a brand-new session and returns it.
func (sm *SessionManager) Create(userID string) *Session {
	s := NewSession(userID, sm.maxTurns)
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
	return s
}

// GetOrCreate returns an existing session by ID, loading it from disk when
// persisted, or creates a new one under that ID. An empty id always starts a
// fresh session with a generated ID; anonymous callers must never share one.
func (sm *SessionManager) GetOrCreate(id string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if id != "" {
		if s, ok := sm.sessions[id]; ok {
			return s
		}
	}

	s := NewSession("", sm.maxTurns)
	if id != "" {
		s.ID = id
		if sm.dataDir != "" {
			if loaded, err := sm.loadFromDisk(id); err == nil {
				s = loaded
			}
		}
	}

	sm.sessions[s.ID] = s
	return s
}

// Get returns an existing session or ErrSessionNotFound.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// Save persists a session to disk as JSON. No-op when persistence is disabled.
func (sm *SessionManager) Save(id string) error {
	if sm.dataDir == "" {
		return nil
	}
	if err := sm.validateSessionID(id); err != nil {
		return domain.NewDomainError("SessionManager.Save", err, id)
	}

	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("SessionManager.Save", domain.ErrSessionNotFound, id)
	}

	if err := os.MkdirAll(sm.dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := filepath.Join(sm.dataDir, id+".json")
	return os.WriteFile(path, data, 0600)
}

// Delete removes a session from memory and disk.
func (sm *SessionManager) Delete(id string) error {
	if err := sm.validateSessionID(id); err != nil {
		return domain.NewDomainError("SessionManager.Delete", err, id)
	}

	sm.mu.Lock()
	_, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !ok {
		return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, id)
	}

	if sm.dataDir != "" {
		path := filepath.Join(sm.dataDir, id+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session file: %w", err)
		}
	}
	return nil
}

// ListSessions returns all active session IDs.
func (sm *SessionManager) ListSessions() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of in-memory sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// ReapStaleSessions deletes sessions not updated within maxAge and returns the
// count of reaped sessions. Both in-memory state and on-disk files are removed.
func (sm *SessionManager) ReapStaleSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	// Phase 1: identify stale sessions under read lock (no nested locks).
	sm.mu.RLock()
	var staleIDs []string
	for id, s := range sm.sessions {
		s.mu.RLock()
		stale := s.UpdatedAt.Before(cutoff)
		s.mu.RUnlock()
		if stale {
			staleIDs = append(staleIDs, id)
		}
	}
	sm.mu.RUnlock()

	if len(staleIDs) == 0 {
		return 0
	}

	// Phase 2: delete under write lock.
	sm.mu.Lock()
	for _, id := range staleIDs {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	// Phase 3: clean up disk files (no lock needed).
	if sm.dataDir != "" {
		for _, id := range staleIDs {
			if err := sm.validateSessionID(id); err != nil {
				continue
			}
			path := filepath.Join(sm.dataDir, id+".json")
			os.Remove(path)
		}
	}
	return len(staleIDs)
}

func (sm *SessionManager) loadFromDisk(id string) (*Session, error) {
	if err := sm.validateSessionID(id); err != nil {
		return nil, domain.NewDomainError("SessionManager.loadFromDisk", err, id)
	}

	path := filepath.Join(sm.dataDir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.MaxTurns <= 0 {
		s.MaxTurns = sm.maxTurns
	}

	return &s, nil
}
