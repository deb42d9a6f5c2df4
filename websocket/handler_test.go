package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/protocol"
	"github.com/abdelmounim-dev/tasksync/registry"
	"github.com/abdelmounim-dev/tasksync/session"
	"github.com/abdelmounim-dev/tasksync/task"
)

const testTimeout = 5 * time.Second

type fakeProtocol struct {
	mu           sync.Mutex
	connected    []registry.Session
	handled      []protocol.Envelope
	disconnected []string
}

func (p *fakeProtocol) Connect(_ context.Context, sess registry.Session) (protocol.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = append(p.connected, sess)
	return protocol.Snapshot{ID: sess.ID, Tasks: []task.Task{{ID: "t1", UserID: sess.UserID}}, Categories: "work"}, nil
}

func (p *fakeProtocol) Handle(_ context.Context, _ registry.Session, in protocol.Envelope) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handled = append(p.handled, in)
	return protocol.Reply{"was_toggled": true, "message": ""}
}

func (p *fakeProtocol) Disconnect(_ context.Context, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, sessionID)
}

func (p *fakeProtocol) disconnects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.disconnected...)
}

func testConfig() *config.WebSocketConfig {
	return &config.WebSocketConfig{
		MaxConnections:   10,
		MessageSizeLimit: 65536,
		HandshakeTimeout: 5,
		PingInterval:     30,
		ActivityTimeout:  60,
		WriteTimeout:     5,
		ReconnectBackoff: 10,
		MaxRetries:       1,
		KeepAlive:        true,
		SendQueueSize:    16,
		FanoutTimeout:    5,
	}
}

type testServer struct {
	url      string
	reg      *registry.Registry
	presence *session.MemoryStore
	manager  *ClientManager
	proto    *fakeProtocol
}

func newTestServer(t *testing.T, cfg *config.WebSocketConfig) *testServer {
	t.Helper()
	reg := registry.New()
	presence := session.NewMemoryStore()
	manager := NewClientManager(reg, presence, "srv-test", nil)
	proto := &fakeProtocol{}
	handler := NewHandler(manager, proto, cfg, nil)

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)

	return &testServer{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		reg:      reg,
		presence: presence,
		manager:  manager,
		proto:    proto,
	}
}

type inbound struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, url, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"/?id="+userID+"&email="+userID+"%40example.com", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	var msg inbound
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandleWebSocket_SnapshotOnConnect(t *testing.T) {
	ts := newTestServer(t, testConfig())
	conn := dial(t, ts.url, "u1")

	msg := read(t, conn)
	assert.Equal(t, protocol.EventSocketConnected, msg.Event)

	var snap protocol.Snapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	assert.Equal(t, "work", snap.Categories)
	require.Len(t, snap.Tasks, 1)

	require.Eventually(t, func() bool { return ts.reg.Count() == 1 }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{snap.ID}, ts.reg.SessionsOfUser("u1"))

	presence, err := ts.presence.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, presence, 1)
	assert.Equal(t, "srv-test", presence[0].ServerID)

	ts.proto.mu.Lock()
	assert.Equal(t, "u1@example.com", ts.proto.connected[0].Email)
	ts.proto.mu.Unlock()
}

func TestHandleWebSocket_MissingID(t *testing.T) {
	ts := newTestServer(t, testConfig())

	_, resp, err := websocket.DefaultDialer.Dial(ts.url+"/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleWebSocket_ConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	ts := newTestServer(t, cfg)

	conn := dial(t, ts.url, "u1")
	read(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url+"/?id=u2", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleWebSocket_Replies(t *testing.T) {
	ts := newTestServer(t, testConfig())
	conn := dial(t, ts.url, "u1")
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": protocol.EventTaskToggle,
		"ack":   42,
		"data":  map[string]any{"uuid": "t1"},
	}))
	msg := read(t, conn)
	assert.Equal(t, protocol.EventAck, msg.Event)
	require.NotNil(t, msg.Ack)
	assert.Equal(t, int64(42), *msg.Ack)
	assert.JSONEq(t, `{"was_toggled":true,"message":""}`, string(msg.Data))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": protocol.EventTaskToggle,
		"data":  map[string]any{"uuid": "t1"},
	}))
	msg = read(t, conn)
	assert.Equal(t, "task_toggle_response", msg.Event)
	assert.Nil(t, msg.Ack)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg = read(t, conn)
	assert.Equal(t, EventError, msg.Event)
}

func TestHandleWebSocket_RegistryDeliversToSocket(t *testing.T) {
	ts := newTestServer(t, testConfig())
	conn := dial(t, ts.url, "u1")
	read(t, conn)

	ids := ts.reg.SessionsOfUser("u1")
	require.Len(t, ids, 1)
	entry, ok := ts.reg.Lookup(ids[0])
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		require.NoError(t, entry.Conn.Send(context.Background(), protocol.EventRelatedTaskToggled, map[string]int{"seq": i}))
	}
	for i := 0; i < 5; i++ {
		msg := read(t, conn)
		assert.Equal(t, protocol.EventRelatedTaskToggled, msg.Event)
		var payload map[string]int
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, i, payload["seq"], "frames arrive in send order")
	}
}

func TestHandleWebSocket_DisconnectCleansUp(t *testing.T) {
	ts := newTestServer(t, testConfig())
	conn := dial(t, ts.url, "u1")
	msg := read(t, conn)
	var snap protocol.Snapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snap))

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()

	require.Eventually(t, func() bool { return len(ts.proto.disconnects()) == 1 }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{snap.ID}, ts.proto.disconnects())
	assert.Equal(t, 0, ts.reg.Count())

	got, err := ts.presence.Get(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCloseAllConnections(t *testing.T) {
	ts := newTestServer(t, testConfig())
	conns := []*websocket.Conn{dial(t, ts.url, "u1"), dial(t, ts.url, "u2")}
	for _, c := range conns {
		read(t, c)
	}

	ts.manager.CloseAllConnections("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, ts.manager.WaitForCompletion(ctx))
	assert.Equal(t, 0, ts.reg.Count())
	assert.Len(t, ts.proto.disconnects(), 2)

	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
		_, _, err := c.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	}
}

func TestClientSession_SendAfterClose(t *testing.T) {
	ts := newTestServer(t, testConfig())
	conn := dial(t, ts.url, "u1")
	read(t, conn)

	ids := ts.reg.SessionsOfUser("u1")
	require.Len(t, ids, 1)
	cs, ok := ts.manager.GetClient(ids[0])
	require.True(t, ok)

	require.NoError(t, cs.Close(websocket.CloseNormalClosure, "done"))
	assert.ErrorIs(t, cs.Send(context.Background(), "x", nil), ErrSessionClosed)
	assert.NoError(t, cs.Close(websocket.CloseNormalClosure, "again"), "second close is a no-op")
}
