// Package registry tracks the sessions that are currently connected to
// this process and which user each one belongs to.
package registry

import (
	"context"
	"sync"
	"time"
)

// Session is the profile of one live connection. UserID never changes
// after registration.
type Session struct {
	ID          string
	UserID      string
	Email       string
	FirstName   string
	LastName    string
	ConnectedAt time.Time
}

// Conn delivers events to one session.
type Conn interface {
	Send(ctx context.Context, event string, payload any) error
}

// Entry pairs a session with its delivery handle.
type Entry struct {
	Session Session
	Conn    Conn
}

// Registry is a lock-guarded table of sessions with a secondary index from
// user id to session ids. Every read returns a copy.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Entry
	byUser   map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Entry),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Register adds a session. Registering an id that already exists replaces
// the previous entry.
func (r *Registry) Register(s Session, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[s.ID]; ok && prev.Session.UserID != s.UserID {
		r.unindex(prev.Session.UserID, s.ID)
	}
	r.sessions[s.ID] = Entry{Session: s, Conn: conn}

	ids, ok := r.byUser[s.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[s.UserID] = ids
	}
	ids[s.ID] = struct{}{}
}

// Unregister removes a session and returns what was removed. Absent ids
// are ignored.
func (r *Registry) Unregister(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, sessionID)
	r.unindex(e.Session.UserID, sessionID)
	return e.Session, true
}

// UnregisterConn removes sessionID only if it is still bound to conn, so
// a stale connection closing late cannot evict a reconnect that reused
// the id.
func (r *Registry) UnregisterConn(sessionID string, conn Conn) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || e.Conn != conn {
		return Session{}, false
	}
	delete(r.sessions, sessionID)
	r.unindex(e.Session.UserID, sessionID)
	return e.Session, true
}

func (r *Registry) unindex(userID, sessionID string) {
	ids := r.byUser[userID]
	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(r.byUser, userID)
	}
}

// SessionsOf returns every other session of userID.
func (r *Registry) SessionsOf(userID, excluding string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byUser[userID]
	out := make([]string, 0, len(ids))
	for id := range ids {
		if id != excluding {
			out = append(out, id)
		}
	}
	return out
}

// SessionsOfUser returns every session of userID.
func (r *Registry) SessionsOfUser(userID string) []string {
	return r.SessionsOf(userID, "")
}

// Lookup returns the entry for sessionID.
func (r *Registry) Lookup(sessionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return e, ok
}

// UserOf returns the user a session belongs to.
func (r *Registry) UserOf(sessionID string) (string, bool) {
	e, ok := r.Lookup(sessionID)
	return e.Session.UserID, ok
}

// All returns the ids of every registered session.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Users returns the number of distinct users with at least one session.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
