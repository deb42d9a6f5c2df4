package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/tasksync/duration"
	"github.com/abdelmounim-dev/tasksync/fanout"
	"github.com/abdelmounim-dev/tasksync/metrics"
	"github.com/abdelmounim-dev/tasksync/registry"
	"github.com/abdelmounim-dev/tasksync/store"
	"github.com/abdelmounim-dev/tasksync/task"
)

// Broadcaster is the fan-out used by the service.
type Broadcaster interface {
	DeliverForUser(ctx context.Context, event, userID, originSessionID string, payload any) fanout.Report
	BroadcastToUsers(ctx context.Context, event string, userIDs []string, build func(ctx context.Context, userID string) (any, error)) fanout.Report
	BroadcastAll(ctx context.Context, event string, payload any) fanout.Report
}

// Service handles the events of connected sessions.
type Service struct {
	store           store.Store
	fanout          Broadcaster
	splitCompletion bool
	fanoutTimeout   time.Duration
	logger          *slog.Logger
}

const defaultFanoutTimeout = 10 * time.Second

// Option configures a Service.
type Option func(*Service)

// WithSplitCompletion makes task_completed also fan out
// related_task_completed next to related_task_deleted.
func WithSplitCompletion(enabled bool) Option {
	return func(s *Service) { s.splitCompletion = enabled }
}

// WithFanoutTimeout bounds the fan-out of a committed mutation.
func WithFanoutTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fanoutTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(st store.Store, fo Broadcaster, opts ...Option) *Service {
	s := &Service{
		store:         st,
		fanout:        fo,
		fanoutTimeout: defaultFanoutTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "protocol")
	return s
}

// Connect records the user behind a new session and returns the snapshot
// to send to it. A user that already exists is not an error.
func (s *Service) Connect(ctx context.Context, sess registry.Session) (Snapshot, error) {
	err := s.store.CreateUser(ctx, task.User{
		ID:        sess.UserID,
		Email:     sess.Email,
		FirstName: sess.FirstName,
		LastName:  sess.LastName,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateUser) {
		return Snapshot{}, fmt.Errorf("create user %s: %w", sess.UserID, err)
	}
	return s.Snapshot(ctx, sess.ID, sess.UserID), nil
}

// Disconnect tells every remaining session that sessionID left.
func (s *Service) Disconnect(ctx context.Context, sessionID string) {
	s.fanout.BroadcastAll(ctx, EventUserDisconnected, map[string]string{"sid": sessionID})
}

// Snapshot loads the active tasks and settings of userID. Failed reads
// degrade to empty values so a client always receives a snapshot.
func (s *Service) Snapshot(ctx context.Context, id, userID string) Snapshot {
	snap := Snapshot{ID: id, Tasks: []task.Task{}}

	tasks, err := s.store.FetchActiveTasksByUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to fetch active tasks for snapshot", "user_id", userID, "err", err)
	} else {
		snap.Tasks = tasks
	}

	settings, err := s.store.GetUserSettings(ctx, userID)
	if err != nil {
		s.logger.Error("failed to fetch settings for snapshot", "user_id", userID, "err", err)
	} else {
		snap.Categories = settings.Categories
		snap.KeyCommands = settings.KeyCommands
	}
	return snap
}

// RefreshUsers pushes tasks_refresher to every session of each user.
func (s *Service) RefreshUsers(ctx context.Context, userIDs []string) {
	report := s.fanout.BroadcastToUsers(ctx, EventTasksRefresher, userIDs,
		func(ctx context.Context, userID string) (any, error) {
			tasks, err := s.store.FetchActiveTasksByUser(ctx, userID)
			if err != nil {
				return nil, err
			}
			refresh := Refresh{ID: userID, Tasks: tasks}
			if settings, err := s.store.GetUserSettings(ctx, userID); err == nil {
				refresh.Categories = settings.Categories
			}
			return refresh, nil
		})
	s.logger.Info("pushed refresh", "users", len(userIDs), "sessions", report.Attempted, "failed", report.Failed)
}

// Handle processes one inbound event from sess and returns the reply for
// the sender. Successful mutations are fanned out to the user's other
// sessions with the payload exactly as received.
func (s *Service) Handle(ctx context.Context, sess registry.Session, in Envelope) any {
	metrics.EventsReceived.WithLabelValues(in.Event).Inc()

	reply := s.dispatch(ctx, sess, in)
	if r, ok := reply.(Reply); ok && r.failed() {
		metrics.EventFailures.WithLabelValues(in.Event).Inc()
		s.logger.Warn("event failed", "event", in.Event, "session", sess.ID, "user_id", sess.UserID, "message", r["message"])
	}
	return reply
}

func (r Reply) failed() bool {
	for k, v := range r {
		if k == "message" {
			continue
		}
		if b, ok := v.(bool); ok && !b {
			return true
		}
	}
	return false
}

func (s *Service) dispatch(ctx context.Context, sess registry.Session, in Envelope) any {
	switch in.Event {
	case EventTaskCreate:
		return s.createTask(ctx, sess, in)
	case EventTaskToggle:
		return s.toggleTask(ctx, sess, in)
	case EventTaskEdit:
		return s.editTask(ctx, sess, in)
	case EventTaskCompleted:
		return s.completeTask(ctx, sess, in)
	case EventTaskDelete:
		return s.deleteTask(ctx, sess, in)
	case EventGetCompletedTasks:
		return s.completedTasks(ctx, sess, in)
	case EventRequestHardRefresh:
		return s.Snapshot(ctx, sess.ID, sess.UserID)
	case EventUserUpdatedCategories:
		return s.updateCategories(ctx, sess, in)
	case EventNewCommandAdded:
		return s.updateCommands(ctx, sess, in, EventRelatedAddedCommand)
	case EventCommandRemoved:
		return s.updateCommands(ctx, sess, in, EventRelatedRemovedCommand)
	default:
		return Reply{"ok": false, "message": fmt.Sprintf("unknown event %q", in.Event)}
	}
}

// propagate sends the raw inbound payload to the sender's other sessions.
// The write has committed, so the fan-out outlives the sender's context.
func (s *Service) propagate(ctx context.Context, sess registry.Session, event string, data json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fanoutTimeout)
	defer cancel()
	s.fanout.DeliverForUser(ctx, event, sess.UserID, sess.ID, data)
}

func (s *Service) createTask(ctx context.Context, sess registry.Session, in Envelope) Reply {
	const flag = "was_added"
	var t task.Task
	if err := decode(in.Event, in.Data, &t); err != nil {
		return failure(flag, err)
	}
	forward := in.Data
	if t.ID == "" {
		t.ID = uuid.New().String()
		var err error
		if forward, err = withID(in.Data, t.ID); err != nil {
			return failure(flag, &PayloadError{Event: in.Event, Err: err})
		}
	}
	if t.DurationText == "" {
		t.DurationText = duration.Zero
	}
	if _, err := duration.ToMs(t.DurationText); err != nil {
		return failure(flag, &PayloadError{Event: in.Event, Err: err})
	}

	if err := s.store.CreateTask(ctx, sess.UserID, t); err != nil {
		return failure(flag, err)
	}
	s.propagate(ctx, sess, EventNewTaskCreated, forward)
	r := success(flag)
	r["id"] = t.ID
	return r
}

func (s *Service) toggleTask(ctx context.Context, sess registry.Session, in Envelope) Reply {
	const flag = "was_toggled"
	var tg task.Toggle
	if err := decode(in.Event, in.Data, &tg); err != nil {
		return failure(flag, err)
	}
	if _, err := duration.ToMs(tg.DurationText); err != nil {
		return failure(flag, &PayloadError{Event: in.Event, Err: err})
	}

	if err := s.store.ToggleTask(ctx, tg); err != nil {
		return failure(flag, err)
	}
	s.logger.Debug("task toggled", "task_id", tg.ID, "active", bool(tg.IsActive))
	s.propagate(ctx, sess, EventRelatedTaskToggled, in.Data)
	return success(flag)
}

func (s *Service) editTask(ctx context.Context, sess registry.Session, in Envelope) Reply {
	const flag = "was_edited"
	var e task.Edit
	if err := decode(in.Event, in.Data, &e); err != nil {
		return failure(flag, err)
	}

	if err := s.store.EditTask(ctx, e); err != nil {
		return failure(flag, err)
	}
	s.propagate(ctx, sess, EventRelatedTaskEdited, in.Data)
	return success(flag)
}

func (s *Service) completeTask(ctx context.Context, sess registry.Session, in Envelope) Reply {
	const flag = "was_updated"
	var c task.Completion
	if err := decode(in.Event, in.Data, &c); err != nil {
		return failure(flag, err)
	}
	if _, err := duration.ToMs(c.DurationText); err != nil {
		return failure(flag, &PayloadError{Event: in.Event, Err: err})
	}

	if err := s.store.CompleteTask(ctx, c); err != nil {
		return failure(flag, err)
	}
	// Clients drop the task from their active list on related_task_deleted.
	s.propagate(ctx, sess, EventRelatedTaskDeleted, in.Data)
	if s.splitCompletion {
		s.propagate(ctx, sess, EventRelatedTaskCompleted, in.Data)
	}
	return success(flag)
}

func (s *Service) deleteTask(ctx context.Context, sess registry.Session, in Envelope) Reply {
	const flag = "was_deleted"
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(in.Event, in.Data, &req); err != nil {
		return failure(flag, err)
	}
	if req.ID == "" {
		return failure(flag, &PayloadError{Event: in.Event, Err: errors.New("missing id")})
	}

	if err := s.store.DeleteTask(ctx, req.ID); err != nil {
		return failure(flag, err)
	}
	s.propagate(ctx, sess, EventRelatedTaskDeleted, in.Data)
	return success(flag)
}

func (s *Service) completedTasks(ctx context.Context, sess registry.Session, in Envelope) Reply {
	const flag = "was_fetched"
	var f task.CompletedFilter
	if len(in.Data) > 0 {
		if err := decode(in.Event, in.Data, &f); err != nil {
			return failure(flag, err)
		}
	}

	tasks, err := s.store.FetchCompletedTasksByUserFiltered(ctx, sess.UserID, f)
	if err != nil {
		return failure(flag, err)
	}
	r := success(flag)
	r["tasks"] = tasks
	return r
}

func (s *Service) updateCategories(ctx context.Context, sess registry.Session, in Envelope) Reply {
	const flag = "was_updated"
	var req struct {
		Categories string `json:"categories"`
	}
	if err := decode(in.Event, in.Data, &req); err != nil {
		return failure(flag, err)
	}

	if err := s.store.UpdateUserCategories(ctx, sess.UserID, req.Categories); err != nil {
		return failure(flag, err)
	}
	s.propagate(ctx, sess, EventRelatedUpdatedCategories, in.Data)
	return success(flag)
}

func (s *Service) updateCommands(ctx context.Context, sess registry.Session, in Envelope, related string) Reply {
	const flag = "was_updated"
	var req struct {
		KeyCommands string `json:"key_commands"`
	}
	if err := decode(in.Event, in.Data, &req); err != nil {
		return failure(flag, err)
	}

	if err := s.store.UpdateUserCommands(ctx, sess.UserID, req.KeyCommands); err != nil {
		return failure(flag, err)
	}
	s.propagate(ctx, sess, related, in.Data)
	return success(flag)
}
