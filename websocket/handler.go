// Package websocket is the transport of the sync engine: it upgrades
// client connections, feeds inbound frames to the protocol one at a time
// and writes replies and fan-out events back.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/protocol"
	"github.com/abdelmounim-dev/tasksync/registry"
)

// EventError is sent when an inbound frame is not a valid envelope.
const EventError = "error"

// Protocol handles the events of a session.
type Protocol interface {
	Connect(ctx context.Context, sess registry.Session) (protocol.Snapshot, error)
	Handle(ctx context.Context, sess registry.Session, in protocol.Envelope) any
	Disconnect(ctx context.Context, sessionID string)
}

// Handler manages websocket connections and message routing
type Handler struct {
	manager  *ClientManager
	protocol Protocol
	cfg      *config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a new websocket handler
func NewHandler(manager *ClientManager, proto Protocol, cfg *config.WebSocketConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:  manager,
		protocol: proto,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "websocket"),
	}
}

// profile reads the identity a client supplies on the upgrade request.
func profile(r *http.Request) (registry.Session, bool) {
	q := r.URL.Query()
	sess := registry.Session{
		UserID:    q.Get("id"),
		Email:     q.Get("email"),
		FirstName: q.Get("first_name"),
		LastName:  q.Get("last_name"),
	}
	return sess, sess.UserID != ""
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := profile(r)
	if !ok {
		http.Error(w, "missing id query parameter", http.StatusBadRequest)
		return
	}
	if h.manager.Count() >= h.cfg.MaxConnections {
		h.logger.Warn("rejecting connection, limit reached", "limit", h.cfg.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	if h.cfg.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.cfg.MessageSizeLimit))
	}

	h.manager.IncreaseWaitGroup()
	defer h.manager.DecreaseWaitGroup()

	sess.ID = uuid.New().String()
	sess.ConnectedAt = time.Now()
	cs := NewClientSession(sess.ID, sess.UserID, conn, h.cfg, h.logger)
	cs.Start()

	ctx := cs.ctx
	if err := h.manager.AddClient(ctx, cs, sess); err != nil {
		cs.Close(websocket.CloseInternalServerErr, "Session registration failed")
		return
	}
	defer h.disconnect(cs)

	conn.SetPongHandler(cs.GetPongHandler())

	snapshot, err := h.protocol.Connect(ctx, sess)
	if err != nil {
		h.logger.Error("failed to set up session", "session", sess.ID, "user_id", sess.UserID, "err", err)
		cs.Close(websocket.CloseInternalServerErr, "Failed to load user")
		return
	}
	if err := cs.Send(ctx, protocol.EventSocketConnected, snapshot); err != nil {
		h.logger.Warn("failed to send snapshot", "session", sess.ID, "err", err)
		return
	}

	h.readLoop(ctx, cs, sess)
}

// readLoop handles frames strictly in arrival order: a frame is fully
// processed, fan-out included, before the next one is read.
func (h *Handler) readLoop(ctx context.Context, cs *ClientSession, sess registry.Session) {
	for {
		_, msg, err := cs.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				h.logger.Info("read error", "session", sess.ID, "err", err)
			}
			cs.Close(websocket.CloseNormalClosure, "Client disconnected")
			return
		}
		cs.UpdateActivity()
		h.manager.RefreshSessionTTL(ctx, sess.ID)

		var in protocol.Envelope
		if err := json.Unmarshal(msg, &in); err != nil || in.Event == "" {
			h.logger.Debug("dropping invalid frame", "session", sess.ID, "err", err)
			cs.Send(ctx, EventError, map[string]string{"message": "invalid frame"})
			continue
		}

		reply := h.protocol.Handle(ctx, sess, in)
		if err := cs.Reply(ctx, in.Ack, protocol.ReplyEvent(in), reply); err != nil {
			h.logger.Debug("failed to queue reply", "session", sess.ID, "event", in.Event, "err", err)
		}
	}
}

func (h *Handler) disconnect(cs *ClientSession) {
	if !h.manager.RemoveClient(cs) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.cfg.FanoutTimeout)*time.Second)
	defer cancel()
	h.protocol.Disconnect(ctx, cs.ID)
}
