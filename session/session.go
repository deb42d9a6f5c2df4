// Package session mirrors live connections to a store shared by every
// server instance, so an operator can see where a user is connected.
package session

import (
	"context"
	"sync"
	"time"
)

// Session is the presence record of one live connection.
type Session struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	ServerID    string    `json:"server_id"` // instance holding the socket
	ConnectedAt time.Time `json:"connected_at"`
}

// Store defines the interface for presence records.
type Store interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error
	// Get retrieves a session by id. A missing session is (nil, nil).
	Get(ctx context.Context, sessionID string) (*Session, error)
	// ListByUser returns the live sessions of a user across instances.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error
	// RefreshTTL extends the session's lifetime in the store.
	RefreshTTL(ctx context.Context, sessionID string) error
}

// MemoryStore keeps presence in process. It is used when no shared store
// is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Create(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = *session
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			sess := sess
			out = append(out, &sess)
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// RefreshTTL is a no-op: in-process records live as long as the socket.
func (s *MemoryStore) RefreshTTL(context.Context, string) error { return nil }
