package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/recipe-forge/internal/progress"
)

type fixedStatus struct {
	status QueueStatus
	err    error
}

func (f fixedStatus) QueueStatus(context.Context) (QueueStatus, error) {
	return f.status, f.err
}

type countingSubscriber struct {
	progress.Subscriber
	calls atomic.Int32
}

func (s *countingSubscriber) Subscribe(ctx context.Context, h progress.Handler) (progress.Subscription, error) {
	s.calls.Add(1)
	return s.Subscriber.Subscribe(ctx, h)
}

type harness struct {
	t       *testing.T
	bus     *progress.MemoryBus
	sub     *countingSubscriber
	gateway *Gateway
	server  *httptest.Server
}

func newHarness(t *testing.T, status StatusReader) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := progress.NewMemoryBus(16, logger)
	sub := &countingSubscriber{Subscriber: bus}

	g := New(sub, status, DefaultConfig(), logger)
	srv := httptest.NewServer(g)
	t.Cleanup(func() {
		srv.Close()
		_ = g.Stop()
	})
	return &harness{t: t, bus: bus, sub: sub, gateway: g, server: srv}
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	before := h.gateway.ClientCount()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(h.t, func() bool { return h.gateway.ClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

type inbound struct {
	Event string          `json:"event"`
	Room  string          `json:"room"`
	Data  json.RawMessage `json:"data"`
}

func read(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f inbound
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestBroadcastsProgressToEveryClient(t *testing.T) {
	h := newHarness(t, fixedStatus{})
	a := h.dial()
	b := h.dial()

	ev := progress.Event{
		SubjectKey: "https://example.com/pasta",
		Stage:      progress.StageStored,
		Timestamp:  1700000000000,
		RecipeID:   42,
	}
	require.NoError(t, h.bus.Publish(context.Background(), ev))

	for _, conn := range []*websocket.Conn{a, b} {
		f := read(t, conn)
		assert.Equal(t, EventProgress, f.Event)
		assert.JSONEq(t,
			`{"url":"https://example.com/pasta","stage":"stored","timestamp":1700000000000,"recipeId":42}`,
			string(f.Data))
	}
}

func TestSubscribesOnce(t *testing.T) {
	h := newHarness(t, fixedStatus{})
	require.NoError(t, h.gateway.Start(context.Background()))
	require.NoError(t, h.gateway.Start(context.Background()))
	h.dial()
	h.dial()

	assert.Equal(t, int32(1), h.sub.calls.Load())
	assert.Equal(t, 1, h.bus.SubscriberCount())
}

func TestQueueStatusQuery(t *testing.T) {
	h := newHarness(t, fixedStatus{status: QueueStatus{Processing: 3, AI: 1, Invent: 0, Timestamp: 99}})
	conn := h.dial()

	require.NoError(t, conn.WriteJSON(map[string]string{"event": EventGetQueueStatus}))

	f := read(t, conn)
	assert.Equal(t, EventQueueStatus, f.Event)
	assert.JSONEq(t, `{"processing":3,"ai":1,"invent":0,"timestamp":99}`, string(f.Data))
}

func TestQueueStatusErrorGoesToRequesterOnly(t *testing.T) {
	h := newHarness(t, fixedStatus{err: errors.New("redis down")})
	asker := h.dial()
	bystander := h.dial()

	require.NoError(t, asker.WriteJSON(map[string]string{"event": EventGetQueueStatus}))

	f := read(t, asker)
	assert.Equal(t, EventError, f.Event)
	assert.JSONEq(t, `{"message":"failed to get queue status"}`, string(f.Data))

	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := bystander.ReadMessage()
	assert.Error(t, err, "bystander receives nothing")
}

func TestJoinRoomAndUnknownEvents(t *testing.T) {
	h := newHarness(t, fixedStatus{})
	conn := h.dial()

	require.NoError(t, conn.WriteJSON(map[string]string{"event": EventJoinRoom, "room": "user-1"}))
	f := read(t, conn)
	assert.Equal(t, EventJoined, f.Event)
	assert.Equal(t, "user-1", f.Room)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "dance"}))
	f = read(t, conn)
	assert.Equal(t, EventError, f.Event)
	assert.Contains(t, string(f.Data), "unknown event")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = read(t, conn)
	assert.Equal(t, EventError, f.Event)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	h := newHarness(t, fixedStatus{})
	conn := h.dial()
	require.Equal(t, 1, h.gateway.ClientCount())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.gateway.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSlowClientIsDropped(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(progress.NewMemoryBus(1, logger), fixedStatus{}, DefaultConfig(), logger)

	slow := &client{send: make(chan []byte, 1)}
	fast := &client{send: make(chan []byte, 8)}
	require.True(t, g.add(slow))
	require.True(t, g.add(fast))

	ev := progress.NewEvent("k", progress.StageQueued)
	g.Broadcast(ev)
	g.Broadcast(ev)

	assert.Equal(t, 1, g.ClientCount())
	assert.Len(t, fast.send, 2)

	_, open := <-slow.send
	assert.True(t, open, "buffered frame is still readable")
	_, open = <-slow.send
	assert.False(t, open, "send channel closed after drop")
}

func TestStopDisconnectsClients(t *testing.T) {
	h := newHarness(t, fixedStatus{})
	conn := h.dial()

	require.NoError(t, h.gateway.Stop())
	assert.Equal(t, 0, h.gateway.ClientCount())
	assert.Equal(t, 0, h.bus.SubscriberCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Error(t, h.gateway.Start(context.Background()))
}

type depth struct {
	n   int64
	err error
}

func (d depth) Depth(context.Context) (int64, error) { return d.n, d.err }

func TestQueueStatusReader(t *testing.T) {
	r := NewQueueStatusReader(depth{n: 4}, depth{n: 2}, depth{n: 1})
	r.now = func() time.Time { return time.UnixMilli(1234) }

	s, err := r.QueueStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QueueStatus{Processing: 4, AI: 2, Invent: 1, Timestamp: 1234}, s)

	r = NewQueueStatusReader(depth{n: 4}, depth{err: errors.New("boom")}, depth{n: 1})
	_, err = r.QueueStatus(context.Background())
	assert.Error(t, err)
}
