package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyflow/internal/domain"
)

type fakeSub struct {
	id   string
	fail bool

	mu     sync.Mutex
	got    []Event
	closed bool
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(ev Event) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return nil
}

func (f *fakeSub) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSub) events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.got...)
}

func TestBroadcastDropsFailingSubscriberOnly(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var healthy []*fakeSub
	for i := 0; i < 4; i++ {
		s := &fakeSub{id: fmt.Sprintf("ok-%d", i)}
		healthy = append(healthy, s)
		hub.Add(s)
	}
	bad := &fakeSub{id: "bad", fail: true}
	hub.Add(bad)

	n := hub.Broadcast(Event{TaskID: "t1", Status: domain.StatusDone})
	assert.Equal(t, 4, n)
	for _, s := range healthy {
		require.Len(t, s.events(), 1)
		assert.Equal(t, "t1", s.events()[0].TaskID)
	}
	assert.Equal(t, 4, hub.Len())
	assert.True(t, bad.closed)

	hub.Broadcast(Event{TaskID: "t2", Status: domain.StatusFailed})
	assert.Len(t, healthy[0].events(), 2)
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.Equal(t, 0, hub.Broadcast(Event{TaskID: "x"}))
}

func TestCloseAll(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := &fakeSub{id: "a"}
	hub.Add(a)
	hub.CloseAll()
	assert.Equal(t, 0, hub.Len())
	assert.True(t, a.closed)
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := &fakeSub{id: "s"}
	hub.Add(sub)
	bus, err := NewBus(hub, 8, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Event{TaskID: "t", Status: domain.StatusProcessing, Progress: 10}))
	require.NoError(t, bus.Publish(Event{TaskID: "t", Status: domain.StatusProcessing, Progress: 60}))
	require.NoError(t, bus.Publish(Event{TaskID: "t", Status: domain.StatusDone, Progress: 100}))
	require.NoError(t, bus.Close())

	got := sub.events()
	require.Len(t, got, 3)
	assert.Equal(t, 10, got[0].Progress)
	assert.Equal(t, 60, got[1].Progress)
	assert.Equal(t, domain.StatusDone, got[2].Status)

	assert.Error(t, bus.Publish(Event{TaskID: "late"}))
}

func TestTerminalEvent(t *testing.T) {
	ev := TerminalEvent("t", domain.KindImage, domain.Outcome{
		Status:    domain.StatusFailed,
		Error:     "quota",
		ErrorKind: domain.ErrorKindRateLimit,
	})
	assert.Equal(t, "failed", ev.Message)
	assert.Equal(t, domain.ErrorKindRateLimit, ev.ErrorKind)
	assert.Empty(t, ev.Result)

	ev = TerminalEvent("t", domain.KindQuery, domain.Outcome{
		Status: domain.StatusDone,
		Result: json.RawMessage(`{"response":"ok"}`),
	})
	assert.Equal(t, 100, ev.Progress)
	assert.JSONEq(t, `{"response":"ok"}`, string(ev.Result))
}

func TestWebhookPostsJSON(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var got map[string]any
		_ = json.Unmarshal(body, &got)
		bodies <- got
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(time.Second, zerolog.Nop())
	err := wh.Post(context.Background(), srv.URL, map[string]any{"task_id": "t", "status": "done"})
	require.NoError(t, err)
	got := <-bodies
	assert.Equal(t, "done", got["status"])
}

func TestWebhookFailureIsReturnedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(time.Second, zerolog.Nop())
	err := wh.Post(context.Background(), srv.URL, map[string]any{"task_id": "t"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookEmptyURLIsNoop(t *testing.T) {
	wh := NewWebhook(time.Second, zerolog.Nop())
	assert.NoError(t, wh.Post(context.Background(), "", nil))
}

func TestWSSubscriberRoundTrip(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := NewWSSubscriber(conn, time.Second)
		hub.Add(sub)
		close(registered)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				hub.Remove(sub)
				return
			}
			_ = sub.Echo(msg)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	<-registered

	assert.Equal(t, 1, hub.Broadcast(Event{TaskID: "t", Status: domain.StatusDone}))

	var ev Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "t", ev.TaskID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))
}
