package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/tasksync/fanout"
	"github.com/abdelmounim-dev/tasksync/registry"
	"github.com/abdelmounim-dev/tasksync/store"
	"github.com/abdelmounim-dev/tasksync/task"
)

// memStore is an in-memory store.Store. failWith, when set, is returned by
// every write. committed runs after a task write succeeds.
type memStore struct {
	mu        sync.Mutex
	users     map[string]task.User
	settings  map[string]task.Settings
	tasks     map[string]task.Task
	failWith  error
	committed func()
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]task.User),
		settings: make(map[string]task.Settings),
		tasks:    make(map[string]task.Task),
	}
}

func (s *memStore) CreateUser(_ context.Context, u task.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return &store.StoreError{Op: "create user", Err: store.ErrDuplicateUser}
	}
	s.users[u.ID] = u
	return nil
}

func (s *memStore) CreateTask(_ context.Context, userID string, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	t.UserID = userID
	s.tasks[t.ID] = t
	if s.committed != nil {
		s.committed()
	}
	return nil
}

func (s *memStore) update(id string, fn func(*task.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&t)
	s.tasks[id] = t
	if s.committed != nil {
		s.committed()
	}
	return nil
}

func (s *memStore) EditTask(_ context.Context, e task.Edit) error {
	return s.update(e.ID, func(t *task.Task) { t.Title = e.Title })
}

func (s *memStore) ToggleTask(_ context.Context, tg task.Toggle) error {
	return s.update(tg.ID, func(t *task.Task) {
		t.IsActive = tg.IsActive
		t.ToggledAt = tg.ToggledAt
		t.DurationText = tg.DurationText
	})
}

func (s *memStore) CompleteTask(_ context.Context, c task.Completion) error {
	return s.update(c.ID, func(t *task.Task) {
		t.IsCompleted = true
		t.IsActive = false
		t.CompletedAt = c.CompletedAt
		t.DurationText = c.DurationText
	})
}

func (s *memStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memStore) filter(keep func(task.Task) bool) []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []task.Task{}
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) FetchAllTasks(context.Context) ([]task.Task, error) {
	return s.filter(func(task.Task) bool { return true }), nil
}

func (s *memStore) FetchActiveTasksByUser(_ context.Context, userID string) ([]task.Task, error) {
	return s.filter(func(t task.Task) bool { return t.UserID == userID && !bool(t.IsCompleted) }), nil
}

func (s *memStore) FetchNonCompletedTasks(context.Context) ([]task.Task, error) {
	return s.filter(func(t task.Task) bool { return !bool(t.IsCompleted) }), nil
}

func (s *memStore) FetchCompletedTasksByUserFiltered(_ context.Context, userID string, f task.CompletedFilter) ([]task.Task, error) {
	return s.filter(func(t task.Task) bool {
		return t.UserID == userID && bool(t.IsCompleted) && (f.Category == "" || t.Category == f.Category)
	}), nil
}

func (s *memStore) GetUserSettings(_ context.Context, userID string) (task.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[userID], nil
}

func (s *memStore) UpdateUserCategories(_ context.Context, userID, categories string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settings[userID]
	st.Categories = categories
	s.settings[userID] = st
	return nil
}

func (s *memStore) UpdateUserCommands(_ context.Context, userID, commands string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settings[userID]
	st.KeyCommands = commands
	s.settings[userID] = st
	return nil
}

func (s *memStore) RolloverTask(context.Context, task.Task, task.Task) error { return nil }
func (s *memStore) Close() error                                             { return nil }

type received struct {
	event   string
	payload any
}

type recordingConn struct {
	mu     sync.Mutex
	events []received
}

func (c *recordingConn) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, received{event: event, payload: payload})
	return nil
}

func (c *recordingConn) got() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.events...)
}

type harness struct {
	store *memStore
	reg   *registry.Registry
	svc   *Service
}

func newHarness(opts ...Option) *harness {
	st := newMemStore()
	reg := registry.New()
	return &harness{
		store: st,
		reg:   reg,
		svc:   NewService(st, fanout.New(reg), opts...),
	}
}

func (h *harness) connect(t *testing.T, id, userID string) (registry.Session, *recordingConn) {
	t.Helper()
	sess := registry.Session{ID: id, UserID: userID, Email: userID + "@example.com"}
	conn := &recordingConn{}
	h.reg.Register(sess, conn)
	_, err := h.svc.Connect(context.Background(), sess)
	require.NoError(t, err)
	return sess, conn
}

func envelope(event, data string) Envelope {
	return Envelope{Event: event, Data: json.RawMessage(data)}
}

func TestConnect_RepeatedUserIsNotAnError(t *testing.T) {
	h := newHarness()
	h.store.tasks["t1"] = task.Task{ID: "t1", UserID: "u1", DurationText: "00:00:00"}
	h.store.settings["u1"] = task.Settings{Categories: "work,home", KeyCommands: "ctrl+k"}

	h.connect(t, "a", "u1")
	snap, err := h.svc.Connect(context.Background(), registry.Session{ID: "b", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "b", snap.ID)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "t1", snap.Tasks[0].ID)
	assert.Equal(t, "work,home", snap.Categories)
	assert.Equal(t, "ctrl+k", snap.KeyCommands)
}

func TestHandle_ToggleFansOutToOtherSessionsOnly(t *testing.T) {
	h := newHarness()
	h.store.tasks["t1"] = task.Task{ID: "t1", UserID: "u1", DurationText: "00:00:00"}
	a, connA := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")
	_, connOther := h.connect(t, "x", "u2")

	data := `{"uuid":"t1","toggled_at":1700000000000,"is_active":1,"duration":"00:00:00","last_modified_at":1700000000000}`
	reply := h.svc.Handle(context.Background(), a, envelope(EventTaskToggle, data))

	assert.Equal(t, Reply{"was_toggled": true, "message": ""}, reply)
	assert.Empty(t, connA.got())
	assert.Empty(t, connOther.got())
	require.Len(t, connB.got(), 1)
	assert.Equal(t, EventRelatedTaskToggled, connB.got()[0].event)
	assert.Equal(t, json.RawMessage(data), connB.got()[0].payload, "payload is forwarded unchanged")
	assert.True(t, bool(h.store.tasks["t1"].IsActive))
}

func TestHandle_FanoutSurvivesSenderContextEnding(t *testing.T) {
	h := newHarness()
	h.store.tasks["t1"] = task.Task{ID: "t1", UserID: "u1", DurationText: "00:00:00"}
	a, _ := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")

	// The sender's connection goes away right after the write commits.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.committed = cancel

	data := `{"uuid":"t1","toggled_at":1700000000000,"is_active":true,"duration":"00:00:00","last_modified_at":1700000000000}`
	reply := h.svc.Handle(ctx, a, envelope(EventTaskToggle, data))

	assert.Equal(t, Reply{"was_toggled": true, "message": ""}, reply)
	require.Error(t, ctx.Err())
	got := connB.got()
	require.Len(t, got, 1)
	assert.Equal(t, EventRelatedTaskToggled, got[0].event)
	assert.Equal(t, json.RawMessage(data), got[0].payload)
}

func TestHandle_DeleteUnknownTask(t *testing.T) {
	h := newHarness()
	a, _ := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")

	reply := h.svc.Handle(context.Background(), a, envelope(EventTaskDelete, `{"id":"missing"}`))

	r, ok := reply.(Reply)
	require.True(t, ok)
	assert.Equal(t, false, r["was_deleted"])
	assert.Contains(t, r["message"], "not found")
	assert.Empty(t, connB.got())
}

func TestHandle_StoreFailureSuppressesFanout(t *testing.T) {
	h := newHarness()
	a, _ := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")
	h.store.failWith = errors.New("database is locked")

	reply := h.svc.Handle(context.Background(), a, envelope(EventTaskCreate, `{"id":"t9","title":"write report"}`))

	assert.Equal(t, Reply{"was_added": false, "message": "database is locked"}, reply)
	assert.Empty(t, connB.got())
}

func TestHandle_MalformedPayload(t *testing.T) {
	h := newHarness()
	a, _ := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")

	testCases := []struct {
		name  string
		event string
		data  string
		flag  string
	}{
		{name: "not json", event: EventTaskEdit, data: `{"id":`, flag: "was_edited"},
		{name: "empty", event: EventTaskDelete, data: ``, flag: "was_deleted"},
		{name: "missing id", event: EventTaskDelete, data: `{}`, flag: "was_deleted"},
		{name: "bad duration", event: EventTaskToggle, data: `{"uuid":"t1","duration":"1:2"}`, flag: "was_toggled"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reply := h.svc.Handle(context.Background(), a, envelope(tc.event, tc.data))
			r, ok := reply.(Reply)
			require.True(t, ok)
			assert.Equal(t, false, r[tc.flag])
			assert.Contains(t, r["message"], "malformed")
		})
	}
	assert.Empty(t, connB.got())
}

func TestHandle_StringEncodedPayload(t *testing.T) {
	h := newHarness()
	a, _ := h.connect(t, "a", "u1")

	data := `"{\"id\":\"t1\",\"title\":\"legacy client\",\"duration\":\"00:00:00\"}"`
	reply := h.svc.Handle(context.Background(), a, envelope(EventTaskCreate, data))

	r, ok := reply.(Reply)
	require.True(t, ok)
	assert.Equal(t, true, r["was_added"])
	assert.Equal(t, "legacy client", h.store.tasks["t1"].Title)
}

func TestHandle_CreateAssignsID(t *testing.T) {
	h := newHarness()
	a, connA := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")

	reply := h.svc.Handle(context.Background(), a, envelope(EventTaskCreate, `{"title":"no id","category":"work"}`))

	r, ok := reply.(Reply)
	require.True(t, ok)
	require.Equal(t, true, r["was_added"])
	id, _ := r["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "00:00:00", h.store.tasks[id].DurationText)
	assert.Equal(t, "u1", h.store.tasks[id].UserID)

	assert.Empty(t, connA.got())
	got := connB.got()
	require.Len(t, got, 1)
	assert.Equal(t, EventNewTaskCreated, got[0].event)
	raw, ok := got[0].payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"`+id+`","title":"no id","category":"work"}`, string(raw), "other devices learn the assigned id")
}

func TestHandle_CreateWithIDForwardsPayloadUnchanged(t *testing.T) {
	h := newHarness()
	a, _ := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")

	data := `"{\"id\":\"t9\",\"title\":\"legacy\"}"`
	reply := h.svc.Handle(context.Background(), a, envelope(EventTaskCreate, data))

	r, ok := reply.(Reply)
	require.True(t, ok)
	assert.Equal(t, "t9", r["id"])
	got := connB.got()
	require.Len(t, got, 1)
	assert.Equal(t, json.RawMessage(data), got[0].payload)
}

func TestHandle_Completion(t *testing.T) {
	data := `{"id":"t1","duration":"00:25:00","completed_at":"2024-06-01T10:00:00Z"}`

	t.Run("default", func(t *testing.T) {
		h := newHarness()
		h.store.tasks["t1"] = task.Task{ID: "t1", UserID: "u1"}
		a, _ := h.connect(t, "a", "u1")
		_, connB := h.connect(t, "b", "u1")

		reply := h.svc.Handle(context.Background(), a, envelope(EventTaskCompleted, data))
		assert.Equal(t, Reply{"was_updated": true, "message": ""}, reply)

		got := connB.got()
		require.Len(t, got, 1)
		assert.Equal(t, EventRelatedTaskDeleted, got[0].event)
		assert.True(t, bool(h.store.tasks["t1"].IsCompleted))
	})

	t.Run("split", func(t *testing.T) {
		h := newHarness(WithSplitCompletion(true))
		h.store.tasks["t1"] = task.Task{ID: "t1", UserID: "u1"}
		a, _ := h.connect(t, "a", "u1")
		_, connB := h.connect(t, "b", "u1")

		h.svc.Handle(context.Background(), a, envelope(EventTaskCompleted, data))

		got := connB.got()
		require.Len(t, got, 2)
		assert.Equal(t, EventRelatedTaskDeleted, got[0].event)
		assert.Equal(t, EventRelatedTaskCompleted, got[1].event)
	})
}

func TestHandle_GetCompletedTasks(t *testing.T) {
	h := newHarness()
	h.store.tasks["done"] = task.Task{ID: "done", UserID: "u1", Category: "work", IsCompleted: true}
	h.store.tasks["other"] = task.Task{ID: "other", UserID: "u1", Category: "home", IsCompleted: true}
	h.store.tasks["open"] = task.Task{ID: "open", UserID: "u1", Category: "work"}
	a, _ := h.connect(t, "a", "u1")

	reply := h.svc.Handle(context.Background(), a, envelope(EventGetCompletedTasks, `{"category":"work"}`))

	r, ok := reply.(Reply)
	require.True(t, ok)
	assert.Equal(t, true, r["was_fetched"])
	tasks, ok := r["tasks"].([]task.Task)
	require.True(t, ok)
	require.Len(t, tasks, 1)
	assert.Equal(t, "done", tasks[0].ID)
}

func TestHandle_SettingsFanout(t *testing.T) {
	h := newHarness()
	a, _ := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")

	h.svc.Handle(context.Background(), a, envelope(EventUserUpdatedCategories, `{"categories":"work,gym"}`))
	h.svc.Handle(context.Background(), a, envelope(EventNewCommandAdded, `{"key_commands":"ctrl+1"}`))
	h.svc.Handle(context.Background(), a, envelope(EventCommandRemoved, `{"key_commands":""}`))

	got := connB.got()
	require.Len(t, got, 3)
	assert.Equal(t, EventRelatedUpdatedCategories, got[0].event)
	assert.Equal(t, EventRelatedAddedCommand, got[1].event)
	assert.Equal(t, EventRelatedRemovedCommand, got[2].event)
	assert.Equal(t, task.Settings{Categories: "work,gym"}, h.store.settings["u1"])
}

func TestHandle_HardRefresh(t *testing.T) {
	h := newHarness()
	h.store.tasks["t1"] = task.Task{ID: "t1", UserID: "u1"}
	a, _ := h.connect(t, "a", "u1")

	in := envelope(EventRequestHardRefresh, ``)
	reply := h.svc.Handle(context.Background(), a, in)

	snap, ok := reply.(Snapshot)
	require.True(t, ok)
	assert.Equal(t, "a", snap.ID)
	assert.Len(t, snap.Tasks, 1)
	assert.Equal(t, EventSocketConnected, ReplyEvent(in))
}

func TestHandle_UnknownEvent(t *testing.T) {
	h := newHarness()
	a, _ := h.connect(t, "a", "u1")

	reply := h.svc.Handle(context.Background(), a, envelope("task_explode", `{}`))
	r, ok := reply.(Reply)
	require.True(t, ok)
	assert.Equal(t, false, r["ok"])
}

func TestDisconnect_NotifiesEveryone(t *testing.T) {
	h := newHarness()
	h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u2")
	h.reg.Unregister("a")

	h.svc.Disconnect(context.Background(), "a")

	require.Len(t, connB.got(), 1)
	assert.Equal(t, EventUserDisconnected, connB.got()[0].event)
	assert.Equal(t, map[string]string{"sid": "a"}, connB.got()[0].payload)
}

func TestRefreshUsers_PushesRefreshPerUser(t *testing.T) {
	h := newHarness()
	h.store.tasks["t1"] = task.Task{ID: "t1", UserID: "u1"}
	_, connA := h.connect(t, "a", "u1")
	_, connB := h.connect(t, "b", "u1")
	_, connOther := h.connect(t, "x", "u2")

	h.svc.RefreshUsers(context.Background(), []string{"u1"})

	for _, conn := range []*recordingConn{connA, connB} {
		got := conn.got()
		require.Len(t, got, 1)
		assert.Equal(t, EventTasksRefresher, got[0].event)
		refresh, ok := got[0].payload.(Refresh)
		require.True(t, ok)
		assert.Equal(t, "u1", refresh.ID)
		assert.Len(t, refresh.Tasks, 1)
	}
	assert.Empty(t, connOther.got())
}

func TestReplyEvent(t *testing.T) {
	ack := int64(7)
	assert.Equal(t, EventAck, ReplyEvent(Envelope{Event: EventTaskToggle, Ack: &ack}))
	assert.Equal(t, EventCompletedTasks, ReplyEvent(Envelope{Event: EventGetCompletedTasks}))
	assert.Equal(t, "task_edit_response", ReplyEvent(Envelope{Event: EventTaskEdit}))
}

func TestSnapshot_WireShape(t *testing.T) {
	h := newHarness()
	snap := h.svc.Snapshot(context.Background(), "s1", "nobody")

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1","tasks":[],"categories":"","key_commands":""}`, string(raw))

	raw, err = json.Marshal(Refresh{ID: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"u1","tasks":null,"categories":""}`, string(raw))
}
