package recorder

import (
	"sync"
	"time"
)

// Session is the recording session rows are currently stored under
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	TestCase  string    `json:"test_case,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Rows      int       `json:"rows"`
}

// sessionState guards the active session. A nil session means exchanges
// are proxied without being stored.
type sessionState struct {
	mu      sync.RWMutex
	current *Session
}

func (s *sessionState) Start(sess Session) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	s.current = &sess
	return sess
}

// Stop clears the active session and returns it
func (s *sessionState) Stop() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	sess := *s.current
	s.current = nil
	return sess, true
}

func (s *sessionState) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// countRow increments the row count of the session with id
func (s *sessionState) countRow(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.ID == id {
		s.current.Rows++
	}
}
