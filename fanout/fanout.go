// Package fanout delivers events to the sessions of a user.
//
// Deliver sends to every session of the origin's user except the origin;
// BroadcastToUsers sends to every session of each listed user. Recipients
// are served concurrently and one failing recipient never prevents
// delivery to the others. When a relay broker is configured, each fan-out
// is also published so other instances can deliver to their own sessions.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/abdelmounim-dev/tasksync/broker"
	"github.com/abdelmounim-dev/tasksync/metrics"
	"github.com/abdelmounim-dev/tasksync/registry"
)

const (
	// DefaultChannel is the relay channel (Redis channel or Kafka topic).
	DefaultChannel = "tasksync-fanout"

	defaultSendTimeout = 10 * time.Second
)

// Report summarizes one fan-out.
type Report struct {
	Attempted int
	Failed    int
}

func (r *Report) add(o Report) {
	r.Attempted += o.Attempted
	r.Failed += o.Failed
}

// Fanout resolves recipients from the registry and delivers to them.
type Fanout struct {
	registry    *registry.Registry
	sendTimeout time.Duration
	relay       broker.MessageBroker
	channel     string
	serverID    string
	logger      *slog.Logger
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithSendTimeout bounds each per-recipient send.
func WithSendTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.sendTimeout = d
		}
	}
}

// WithRelay publishes every fan-out on channel for other instances
// identified by a serverID different from this one.
func WithRelay(b broker.MessageBroker, channel, serverID string) Option {
	return func(f *Fanout) {
		f.relay = b
		f.channel = channel
		f.serverID = serverID
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fanout) { f.logger = l }
}

// New creates a Fanout over reg.
func New(reg *registry.Registry, opts ...Option) *Fanout {
	f := &Fanout{
		registry:    reg,
		sendTimeout: defaultSendTimeout,
		channel:     DefaultChannel,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "fanout")
	return f
}

// Deliver sends event to every other session of the origin's user. If the
// origin is no longer registered nothing is sent; use DeliverForUser when
// the user id is already known.
func (f *Fanout) Deliver(ctx context.Context, event, originSessionID string, payload any) Report {
	userID, ok := f.registry.UserOf(originSessionID)
	if !ok {
		f.logger.Debug("origin session not registered", "event", event, "session", originSessionID)
		return Report{}
	}
	return f.DeliverForUser(ctx, event, userID, originSessionID, payload)
}

// DeliverForUser sends event to every session of userID except
// originSessionID. It works after the origin has disconnected.
func (f *Fanout) DeliverForUser(ctx context.Context, event, userID, originSessionID string, payload any) Report {
	report := f.sendAll(ctx, event, f.registry.SessionsOf(userID, originSessionID), payload)
	f.publish(ctx, event, userID, originSessionID, payload)
	return report
}

// BroadcastToUsers sends a per-user payload to every session of each user
// in userIDs. build is called once per user; a build error skips that user.
func (f *Fanout) BroadcastToUsers(ctx context.Context, event string, userIDs []string, build func(ctx context.Context, userID string) (any, error)) Report {
	var report Report
	for _, userID := range userIDs {
		ids := f.registry.SessionsOfUser(userID)
		if len(ids) == 0 && f.relay == nil {
			continue
		}

		payload, err := build(ctx, userID)
		if err != nil {
			f.logger.Error("failed to build broadcast payload", "event", event, "user_id", userID, "err", err)
			continue
		}
		report.add(f.sendAll(ctx, event, ids, payload))
		f.publish(ctx, event, userID, "", payload)
	}
	return report
}

// BroadcastAll sends event to every registered session on every instance.
func (f *Fanout) BroadcastAll(ctx context.Context, event string, payload any) Report {
	report := f.sendAll(ctx, event, f.registry.All(), payload)
	f.publish(ctx, event, "", "", payload)
	return report
}

func (f *Fanout) sendAll(ctx context.Context, event string, sessionIDs []string, payload any) Report {
	report := Report{Attempted: len(sessionIDs)}
	if len(sessionIDs) == 0 {
		return report
	}

	var (
		wg     conc.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, id := range sessionIDs {
		entry, ok := f.registry.Lookup(id)
		if !ok {
			// Disconnected between resolution and delivery.
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}

		id, conn := id, entry.Conn
		wg.Go(func() {
			sendCtx, cancel := context.WithTimeout(ctx, f.sendTimeout)
			defer cancel()

			if err := conn.Send(sendCtx, event, payload); err != nil {
				f.logger.Warn("delivery failed", "event", event, "session", id, "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
	}
	// A panicking recipient is logged; the others are still served.
	if r := wg.WaitAndRecover(); r != nil {
		f.logger.Error("recipient send panicked", "event", event, "panic", r.String())
		failed++
	}

	report.Failed = failed
	metrics.FanoutDeliveries.WithLabelValues(event).Add(float64(report.Attempted))
	if failed > 0 {
		metrics.FanoutFailures.WithLabelValues(event).Add(float64(failed))
	}
	return report
}

func (f *Fanout) publish(ctx context.Context, event, userID, excludeSession string, payload any) {
	if f.relay == nil {
		return
	}

	data, err := encode(payload)
	if err != nil {
		f.logger.Error("failed to encode relay payload", "event", event, "err", err)
		return
	}

	msg := broker.Message{
		ServerID:       f.serverID,
		UserID:         userID,
		ExcludeSession: excludeSession,
		Event:          event,
		Data:           data,
	}
	if err := f.relay.Publish(ctx, f.channel, msg); err != nil {
		f.logger.Error("failed to publish relay message", "event", event, "user_id", userID, "err", err)
		return
	}
	metrics.RelayMessagesPublished.WithLabelValues(f.relay.Type()).Inc()
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// StartRelay subscribes to the relay channel and, once subscribed,
// delivers fan-outs published by other instances to local sessions in the
// background until ctx ends.
func (f *Fanout) StartRelay(ctx context.Context) error {
	if f.relay == nil {
		return fmt.Errorf("fanout: no relay configured")
	}

	messages, err := f.relay.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", f.channel, err)
	}
	f.logger.Info("listening for relayed fan-out", "channel", f.channel, "broker", f.relay.Type())

	go f.consume(ctx, messages)
	return nil
}

func (f *Fanout) consume(ctx context.Context, messages <-chan broker.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				f.logger.Info("relay channel closed")
				return
			}
			if msg.ServerID == f.serverID {
				continue
			}
			metrics.RelayMessagesReceived.WithLabelValues(f.relay.Type()).Inc()

			var ids []string
			if msg.UserID == "" {
				ids = f.registry.All()
			} else {
				ids = f.registry.SessionsOf(msg.UserID, msg.ExcludeSession)
			}
			f.sendAll(ctx, msg.Event, ids, msg.Data)
		}
	}
}
