package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/metrics"
)

// ErrSessionClosed is returned by Send once the session is closed.
var ErrSessionClosed = errors.New("session closed")

// frame is one outbound websocket message.
type frame struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data"`
}

// ClientSession represents a connected websocket client. Writes go through
// a FIFO queue drained by a single writer goroutine, so frames reach the
// client in the order they were sent.
type ClientSession struct {
	ID            string
	UserID        string
	conn          *websocket.Conn
	cfg           *config.WebSocketConfig
	logger        *slog.Logger
	send          chan frame
	ctx           context.Context
	cancel        context.CancelFunc
	lastActivity  atomic.Int64
	pingTicker    *time.Ticker
	activityTimer *time.Timer
	mu            sync.Mutex // guards the timers
	closeOnce     sync.Once
	done          chan struct{}
}

// NewClientSession creates a new client session
func NewClientSession(id, userID string, conn *websocket.Conn, cfg *config.WebSocketConfig, logger *slog.Logger) *ClientSession {
	if logger == nil {
		logger = slog.Default()
	}
	queue := cfg.SendQueueSize
	if queue < 1 {
		queue = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	cs := &ClientSession{
		ID:     id,
		UserID: userID,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("session", id, "user_id", userID),
		send:   make(chan frame, queue),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	cs.lastActivity.Store(time.Now().Unix())
	return cs
}

// Send queues an event for the client. It blocks while the queue is full
// until ctx ends or the session closes.
func (s *ClientSession) Send(ctx context.Context, event string, payload any) error {
	return s.enqueue(ctx, frame{Event: event, Data: payload})
}

// Reply queues the answer to an inbound frame, echoing its ack id.
func (s *ClientSession) Reply(ctx context.Context, ack *int64, event string, payload any) error {
	return s.enqueue(ctx, frame{Event: event, Ack: ack, Data: payload})
}

func (s *ClientSession) enqueue(ctx context.Context, f frame) error {
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- f:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the writer and the keepalive timers.
func (s *ClientSession) Start() {
	s.StartTimers()
	go s.writePump()
}

func (s *ClientSession) writePump() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.send:
			if err := s.safeWriteJSON(f); err != nil {
				s.logger.Warn("write failed, closing session", "event", f.Event, "err", err)
				s.Close(websocket.CloseInternalServerErr, "Failed to send message")
				return
			}
			metrics.MessagesSent.Inc()
		}
	}
}

// safeWriteJSON writes data to the websocket with retry capability
func (s *ClientSession) safeWriteJSON(data any) error {
	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	operation := func() error {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return backoff.Permanent(err)
		}
		return s.conn.WriteJSON(data)
	}

	retryDelay := time.Duration(s.cfg.ReconnectBackoff) * time.Millisecond
	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), uint64(s.cfg.MaxRetries)),
		s.ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		s.logger.Debug("retrying websocket write", "err", err, "next_attempt_in", d)
	})
}

// UpdateActivity updates the last activity timestamp and resets the timeout timer
// This should only be called for actual client messages, not pong responses
func (s *ClientSession) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity.Store(time.Now().Unix())

	if s.activityTimer != nil {
		s.activityTimer.Reset(time.Duration(s.cfg.ActivityTimeout) * time.Second)
	}
}

// LastActivityTime returns the time of last activity
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

func (s *ClientSession) StartTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activityTimer = time.AfterFunc(
		time.Duration(s.cfg.ActivityTimeout)*time.Second,
		s.onActivityTimeout,
	)

	s.pingTicker = time.NewTicker(time.Duration(s.cfg.PingInterval) * time.Second)
	go s.pingLoop(s.pingTicker)
}

func (s *ClientSession) pingLoop(ticker *time.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SendPing(); err != nil {
				s.logger.Warn("failed to send ping", "err", err)
				s.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ClientSession) onActivityTimeout() {
	s.logger.Info("connection timed out")
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
}

// SendPing writes a ping control frame. WriteControl may run concurrently
// with the writer.
func (s *ClientSession) SendPing() error {
	return s.conn.WriteControl(
		websocket.PingMessage,
		[]byte{},
		time.Now().Add(time.Duration(s.cfg.WriteTimeout)*time.Second),
	)
}

// UpdateLastSeen updates only the timestamp (for pong responses)
// Does NOT reset the activity timer
func (s *ClientSession) UpdateLastSeen() {
	s.lastActivity.Store(time.Now().Unix())
}

// GetPongHandler returns a pong handler function based on configuration
func (s *ClientSession) GetPongHandler() func(string) error {
	return func(string) error {
		if s.cfg.KeepAlive {
			s.UpdateActivity()
		} else {
			s.UpdateLastSeen()
		}
		return nil
	}
}

// Done is closed when the writer has stopped.
func (s *ClientSession) Done() <-chan struct{} {
	return s.done
}

// Close closes the websocket connection. Only the first call has an effect.
func (s *ClientSession) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.pingTicker != nil {
			s.pingTicker.Stop()
		}
		if s.activityTimer != nil {
			s.activityTimer.Stop()
		}
		s.mu.Unlock()

		s.cancel()

		writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
		if werr := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeTimeout),
		); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			s.logger.Debug("error sending close message", "err", werr)
		}

		err = s.conn.Close()
	})
	return err
}
