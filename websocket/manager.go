package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/tasksync/metrics"
	"github.com/abdelmounim-dev/tasksync/registry"
	"github.com/abdelmounim-dev/tasksync/session"
)

// ClientManager manages connected websocket clients for a single server instance.
// It keeps the registry used for fan-out and the presence store in step
// with the live connections.
type ClientManager struct {
	clients  sync.Map // session id -> *ClientSession
	wg       sync.WaitGroup
	registry *registry.Registry
	presence session.Store
	serverID string
	logger   *slog.Logger
}

// NewClientManager creates a new client manager.
func NewClientManager(reg *registry.Registry, presence session.Store, serverID string, logger *slog.Logger) *ClientManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientManager{
		registry: reg,
		presence: presence,
		serverID: serverID,
		logger:   logger.With("component", "client-manager"),
	}
}

// AddClient records the presence of a session, then makes it reachable
// for fan-out.
func (m *ClientManager) AddClient(ctx context.Context, cs *ClientSession, sess registry.Session) error {
	record := &session.Session{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		ServerID:    m.serverID,
		ConnectedAt: sess.ConnectedAt,
	}
	if err := m.presence.Create(ctx, record); err != nil {
		m.logger.Error("failed to create presence record", "session", sess.ID, "err", err)
		return err
	}

	m.clients.Store(cs.ID, cs)
	m.registry.Register(sess, cs)
	metrics.ActiveSessions.Inc()
	metrics.TotalSessions.Inc()
	m.logger.Info("client connected", "session", sess.ID, "user_id", sess.UserID, "server_id", m.serverID)
	return nil
}

// RemoveClient removes a session from the registry and the presence store.
// It reports false if the session was already removed.
func (m *ClientManager) RemoveClient(cs *ClientSession) bool {
	if !m.clients.CompareAndDelete(cs.ID, cs) {
		return false
	}
	m.registry.UnregisterConn(cs.ID, cs)

	// The request context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.presence.Delete(ctx, cs.ID); err != nil {
		m.logger.Warn("failed to delete presence record", "session", cs.ID, "err", err)
	}
	metrics.ActiveSessions.Dec()
	m.logger.Info("client disconnected", "session", cs.ID, "user_id", cs.UserID)
	return true
}

// GetClient retrieves a live client connection by ID.
func (m *ClientManager) GetClient(sessionID string) (*ClientSession, bool) {
	if client, ok := m.clients.Load(sessionID); ok {
		return client.(*ClientSession), true
	}
	return nil, false
}

// Count returns the number of live sessions on this instance.
func (m *ClientManager) Count() int {
	return m.registry.Count()
}

// RefreshSessionTTL updates the TTL of the client's presence record.
func (m *ClientManager) RefreshSessionTTL(ctx context.Context, sessionID string) {
	if err := m.presence.RefreshTTL(ctx, sessionID); err != nil {
		// Transient store errors do not end the connection.
		m.logger.Debug("failed to refresh presence TTL", "session", sessionID, "err", err)
	}
}

// IncreaseWaitGroup increases the wait group counter
func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

// DecreaseWaitGroup decreases the wait group counter
func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

// WaitForCompletion waits for every connection handler to return or for
// ctx to end.
func (m *ClientManager) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAllConnections sends close messages to all clients. Their handlers
// observe the closed socket and clean up.
func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value any) bool {
		cs := value.(*ClientSession)
		m.logger.Info("closing connection", "session", key, "reason", reason)
		cs.Close(websocket.CloseGoingAway, reason)
		return true
	})
}
