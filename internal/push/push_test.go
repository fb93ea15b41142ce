package push

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

	"github.com/mmeshcher/marketplace-core/internal/model"
)

func testEvent(t *testing.T, userID string) model.PushEvent {
	t.Helper()
	ev, err := model.NewPushEvent(userID, model.PushOrderUpdate, model.OrderUpdatePayload{
		OrderID: "o1",
		Status:  model.OrderStatusConfirmed,
		Message: "confirmed",
	})
	require.NoError(t, err)
	return ev
}

func TestHub_DeliverToEverySession(t *testing.T) {
	hub := NewHub(50*time.Millisecond, nil)
	a := newSession("u1", nil)
	b := newSession("u1", nil)
	other := newSession("u2", nil)
	hub.Register(a)
	hub.Register(b)
	hub.Register(other)

	n := hub.Deliver(testEvent(t, "u1"))
	assert.Equal(t, 2, n)
	assert.Len(t, a.send, 1)
	assert.Len(t, b.send, 1)
	assert.Len(t, other.send, 0)

	var got wireEvent
	require.NoError(t, json.Unmarshal(<-a.send, &got))
	assert.Equal(t, model.PushOrderUpdate, got.Type)
	assert.Contains(t, string(got.Payload), `"orderId":"o1"`)
}

func TestHub_DeliverWithoutSessions(t *testing.T) {
	hub := NewHub(time.Millisecond, nil)
	assert.Zero(t, hub.Deliver(testEvent(t, "nobody")))
}

func TestHub_SlowSessionIsClosedAndRemoved(t *testing.T) {
	hub := NewHub(10*time.Millisecond, nil)
	slow := newSession("u1", nil)
	fast := newSession("u1", nil)
	hub.Register(slow)
	hub.Register(fast)

	for i := 0; i < sendBuffer; i++ {
		slow.send <- []byte("x")
	}

	n := hub.Deliver(testEvent(t, "u1"))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, hub.SessionCount("u1"))

	select {
	case <-slow.done:
	default:
		t.Fatal("slow session must be closed")
	}
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(time.Millisecond, nil)
	s := newSession("u1", nil)
	hub.Register(s)

	hub.Unregister(s)
	hub.Unregister(s)
	s.Close()
	s.Close()

	assert.Zero(t, hub.SessionCount("u1"))
	assert.False(t, s.enqueue([]byte("x"), time.Millisecond))
}

type recordingBroker struct {
	mu     sync.Mutex
	events []model.PushEvent
}

func (b *recordingBroker) Publish(_ context.Context, ev model.PushEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestDispatcher_EnqueueDropsWhenFull(t *testing.T) {
	d := NewDispatcher(&recordingBroker{}, 2, 1, nil)

	assert.True(t, d.Enqueue(testEvent(t, "u1")))
	assert.True(t, d.Enqueue(testEvent(t, "u1")))
	assert.False(t, d.Enqueue(testEvent(t, "u1")))
	assert.Equal(t, int64(1), d.Dropped())
}

func TestDispatcher_RunPublishesQueuedEvents(t *testing.T) {
	broker := &recordingBroker{}
	d := NewDispatcher(broker, 16, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		require.True(t, d.Enqueue(testEvent(t, "u1")))
	}

	require.Eventually(t, func() bool { return broker.count() == 10 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestNewRedisBroker_InvalidURL(t *testing.T) {
	_, err := NewRedisBroker("not a url", NewHub(time.Millisecond, nil), nil)
	assert.Error(t, err)
}

func TestServeWS_EndToEnd(t *testing.T) {
	hub := NewHub(time.Second, nil)
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.SessionCount("u1") == 1 }, time.Second, 5*time.Millisecond)

	broker := NewLocalBroker(hub)
	require.NoError(t, broker.Publish(context.Background(), testEvent(t, "u1")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got wireEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, model.PushOrderUpdate, got.Type)

	conn.Close()
	require.Eventually(t, func() bool { return hub.SessionCount("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
