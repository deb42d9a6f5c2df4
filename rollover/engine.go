// Package rollover closes out every open task once a day and spawns a
// fresh successor for each, carrying a running timer across the boundary.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/tasksync/duration"
	"github.com/abdelmounim-dev/tasksync/metrics"
	"github.com/abdelmounim-dev/tasksync/task"
)

// ErrAlreadyRunning is returned by RunNow while a pass is in progress.
var ErrAlreadyRunning = errors.New("rollover already running")

// State of the engine.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Store is the subset of the persistence layer the engine uses.
type Store interface {
	FetchNonCompletedTasks(ctx context.Context) ([]task.Task, error)
	RolloverTask(ctx context.Context, closed, successor task.Task) error
}

// Notifier pushes a refreshed snapshot to every session of each affected
// user.
type Notifier interface {
	RefreshUsers(ctx context.Context, userIDs []string)
}

// Result summarizes one pass.
type Result struct {
	Scanned       int
	Skipped       int
	Rolled        int
	Failed        int
	AffectedUsers []string
}

// Engine runs rollover passes. It never runs two passes at once.
type Engine struct {
	store    Store
	notifier Notifier
	location *time.Location
	now      func() time.Time
	newID    func() string
	state    atomic.Int32
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the successor id generator.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithLocation sets the timezone used to format completed_at/created_at.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.location = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. notifier may be nil, in which case no
// refresh is pushed after a pass.
func NewEngine(store Store, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: notifier,
		location: time.UTC,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "rollover")
	return e
}

// State reports whether a pass is in progress.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// RunNow executes one pass. A call made while another pass is running
// returns ErrAlreadyRunning without doing anything.
func (e *Engine) RunNow(ctx context.Context) (Result, error) {
	if !e.state.CompareAndSwap(int32(Idle), int32(Running)) {
		e.logger.Warn("rollover trigger ignored: pass already running")
		metrics.RolloverRuns.WithLabelValues("skipped").Inc()
		return Result{}, ErrAlreadyRunning
	}
	defer e.state.Store(int32(Idle))

	start := time.Now()
	res, err := e.run(ctx)
	if err != nil {
		metrics.RolloverRuns.WithLabelValues("aborted").Inc()
		e.logger.Error("rollover pass aborted", "err", err)
		return res, err
	}

	metrics.RolloverRuns.WithLabelValues("completed").Inc()
	metrics.RolloverTasks.WithLabelValues("rolled").Add(float64(res.Rolled))
	metrics.RolloverTasks.WithLabelValues("skipped").Add(float64(res.Skipped))
	metrics.RolloverTasks.WithLabelValues("failed").Add(float64(res.Failed))
	e.logger.Info("rollover pass completed",
		"scanned", res.Scanned,
		"rolled", res.Rolled,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"users", len(res.AffectedUsers),
		"took", time.Since(start))
	return res, nil
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	var res Result

	open, err := e.store.FetchNonCompletedTasks(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch open tasks: %w", err)
	}
	res.Scanned = len(open)

	// One timestamp for the whole pass.
	now := e.now().In(e.location)
	nowMs := now.UnixMilli()
	nowText := now.Format(time.RFC3339)

	seen := make(map[string]struct{})
	for _, t := range open {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		closed, successor, skip, err := e.plan(t, nowMs, nowText)
		if err != nil {
			res.Failed++
			e.logger.Error("cannot roll over task", "task_id", t.ID, "user_id", t.UserID, "err", err)
			continue
		}
		if skip {
			res.Skipped++
			continue
		}

		if err := e.store.RolloverTask(ctx, closed, successor); err != nil {
			res.Failed++
			e.logger.Error("failed to roll over task", "task_id", t.ID, "user_id", t.UserID, "err", err)
			continue
		}
		res.Rolled++
		if _, ok := seen[t.UserID]; !ok {
			seen[t.UserID] = struct{}{}
			res.AffectedUsers = append(res.AffectedUsers, t.UserID)
		}
	}

	if e.notifier != nil && len(res.AffectedUsers) > 0 {
		e.notifier.RefreshUsers(ctx, res.AffectedUsers)
	}
	return res, nil
}

// plan computes the closed record and its successor for t. skip is true
// when t has neither a running timer nor accumulated time.
func (e *Engine) plan(t task.Task, nowMs int64, nowText string) (closed, successor task.Task, skip bool, err error) {
	base, err := duration.ToMs(t.DurationText)
	if err != nil {
		return closed, successor, false, err
	}
	if t.ToggledAt == 0 && base == 0 {
		return closed, successor, true, nil
	}

	finalMs := base
	if t.ToggledAt != 0 {
		finalMs = base + (nowMs - t.ToggledAt)
	}

	closed = t
	closed.DurationText = duration.ToText(finalMs)
	closed.CompletedAt = nowText
	closed.IsCompleted = true
	closed.IsActive = false
	closed.ToggledAt = 0
	closed.LastModifiedAt = nowMs

	successor = task.Task{
		ID:             e.newID(),
		Title:          t.Title,
		Description:    t.Description,
		CreatedAt:      nowText,
		CompletedAt:    nowText,
		DurationText:   duration.Zero,
		Category:       t.Category,
		Tags:           t.Tags,
		IsActive:       t.IsActive,
		IsCompleted:    false,
		UserID:         t.UserID,
		LastModifiedAt: nowMs,
	}
	if t.IsActive {
		successor.ToggledAt = nowMs
	}
	return closed, successor, false, nil
}
