package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/tasksync/broker"
	"github.com/abdelmounim-dev/tasksync/registry"
)

type received struct {
	event   string
	payload any
}

type recordingConn struct {
	mu     sync.Mutex
	events []received
	err    error
	block  bool
	panics bool
}

func (c *recordingConn) Send(ctx context.Context, event string, payload any) error {
	if c.panics {
		panic("conn exploded")
	}
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.err != nil {
		return c.err
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

func register(reg *registry.Registry, id, userID string) *recordingConn {
	c := &recordingConn{}
	reg.Register(registry.Session{ID: id, UserID: userID}, c)
	return c
}

func TestDeliver_SkipsOriginAndOtherUsers(t *testing.T) {
	reg := registry.New()
	a := register(reg, "a", "u1")
	b := register(reg, "b", "u1")
	c := register(reg, "c", "u1")
	x := register(reg, "x", "u2")

	payload := json.RawMessage(`{"uuid":"t1","is_active":true}`)
	report := New(reg).Deliver(context.Background(), "related_task_toggled", "a", payload)

	assert.Equal(t, Report{Attempted: 2}, report)
	assert.Empty(t, a.got())
	assert.Empty(t, x.got())
	for _, conn := range []*recordingConn{b, c} {
		require.Len(t, conn.got(), 1)
		assert.Equal(t, "related_task_toggled", conn.got()[0].event)
		assert.Equal(t, payload, conn.got()[0].payload)
	}
}

func TestDeliver_UnknownOrigin(t *testing.T) {
	reg := registry.New()
	b := register(reg, "b", "u1")

	report := New(reg).Deliver(context.Background(), "new_task_created", "gone", json.RawMessage(`{}`))
	assert.Equal(t, Report{}, report)
	assert.Empty(t, b.got())
}

func TestDeliverForUser_AfterOriginDisconnected(t *testing.T) {
	reg := registry.New()
	register(reg, "a", "u1")
	b := register(reg, "b", "u1")
	reg.Unregister("a")

	report := New(reg).DeliverForUser(context.Background(), "related_task_edited", "u1", "a", json.RawMessage(`{"id":"t1"}`))
	assert.Equal(t, Report{Attempted: 1}, report)
	assert.Len(t, b.got(), 1)
}

func TestDeliver_FailingRecipientDoesNotBlockOthers(t *testing.T) {
	reg := registry.New()
	register(reg, "a", "u1")
	broken := register(reg, "broken", "u1")
	broken.err = errors.New("transport gone")
	stuck := register(reg, "stuck", "u1")
	stuck.block = true
	ok := register(reg, "ok", "u1")

	f := New(reg, WithSendTimeout(50*time.Millisecond))
	start := time.Now()
	report := f.Deliver(context.Background(), "new_task_created", "a", json.RawMessage(`{}`))

	assert.Equal(t, Report{Attempted: 3, Failed: 2}, report)
	assert.Len(t, ok.got(), 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeliver_PanickingRecipient(t *testing.T) {
	reg := registry.New()
	register(reg, "a", "u1")
	bad := register(reg, "bad", "u1")
	bad.panics = true
	good := register(reg, "good", "u1")

	var report Report
	require.NotPanics(t, func() {
		report = New(reg).Deliver(context.Background(), "related_task_edited", "a", json.RawMessage(`{}`))
	})
	assert.Equal(t, Report{Attempted: 2, Failed: 1}, report)
	assert.Len(t, good.got(), 1)
}

func TestDeliver_PreservesOrderPerRecipient(t *testing.T) {
	reg := registry.New()
	register(reg, "a", "u1")
	b := register(reg, "b", "u1")
	f := New(reg)

	for i := 0; i < 50; i++ {
		f.Deliver(context.Background(), "related_task_toggled", "a", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
	}

	got := b.got()
	require.Len(t, got, 50)
	for i, r := range got {
		assert.Equal(t, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), r.payload)
	}
}

func TestBroadcastToUsers_IncludesEverySession(t *testing.T) {
	reg := registry.New()
	a := register(reg, "a", "u1")
	b := register(reg, "b", "u1")
	c := register(reg, "c", "u2")
	x := register(reg, "x", "u3")

	var built []string
	report := New(reg).BroadcastToUsers(context.Background(), "tasks_refresher", []string{"u1", "u2", "offline"},
		func(_ context.Context, userID string) (any, error) {
			built = append(built, userID)
			if userID == "u2" {
				return nil, errors.New("store down")
			}
			return map[string]string{"user": userID}, nil
		})

	assert.Equal(t, Report{Attempted: 2}, report)
	assert.Equal(t, []string{"u1", "u2"}, built, "users without sessions are not built")
	for _, conn := range []*recordingConn{a, b} {
		require.Len(t, conn.got(), 1)
		assert.Equal(t, map[string]string{"user": "u1"}, conn.got()[0].payload)
	}
	assert.Empty(t, c.got())
	assert.Empty(t, x.got())
}

func TestBroadcastAll(t *testing.T) {
	reg := registry.New()
	a := register(reg, "a", "u1")
	b := register(reg, "b", "u2")

	report := New(reg).BroadcastAll(context.Background(), "user-disconnected", map[string]string{"sid": "z"})
	assert.Equal(t, Report{Attempted: 2}, report)
	assert.Len(t, a.got(), 1)
	assert.Len(t, b.got(), 1)
}

func TestRelayBetweenInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := broker.NewMemoryBroker()
	defer relay.Close()

	regOne := registry.New()
	regTwo := registry.New()
	one := New(regOne, WithRelay(relay, DefaultChannel, "server-1"))
	two := New(regTwo, WithRelay(relay, DefaultChannel, "server-2"))

	require.NoError(t, one.StartRelay(ctx))
	require.NoError(t, two.StartRelay(ctx))

	register(regOne, "a", "u1")
	local := register(regOne, "b", "u1")
	remote := register(regTwo, "c", "u1")
	remoteOther := register(regTwo, "d", "u2")

	payload := json.RawMessage(`{"id":"t1"}`)
	one.Deliver(ctx, "new_task_created", "a", payload)

	require.Eventually(t, func() bool { return len(remote.got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, payload, remote.got()[0].payload)
	assert.Len(t, local.got(), 1, "local sibling receives exactly once")
	assert.Empty(t, remoteOther.got())
}

func TestStartRelay_RequiresBroker(t *testing.T) {
	assert.Error(t, New(registry.New()).StartRelay(context.Background()))
}
