package trigger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

type fakeSubscriber struct {
	mu          sync.Mutex
	connected   bool
	failConnect int
	connects    int
	subscribed  []string
	handler     func([]byte)
}

func (f *fakeSubscriber) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnect > 0 {
		f.failConnect--
		return errors.New("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	f.handler = handler
	return nil
}

func (f *fakeSubscriber) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSubscriber) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeSubscriber) publish(payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h([]byte(payload))
}

func fastReconnect() ReconnectConfig {
	return ReconnectConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}
}

func TestMQTTPush_Commands(t *testing.T) {
	sub := &fakeSubscriber{}
	push := newMQTTPush(MQTTConfig{Topic: "cam/cmd", Reconnect: fastReconnect()}, sub)
	ctx := context.Background()

	if _, ok := push.Poll(ctx); ok {
		t.Fatal("Poll() before any message returned an event")
	}
	if len(sub.subscribed) != 1 || sub.subscribed[0] != "cam/cmd" {
		t.Fatalf("subscribed = %v, want [cam/cmd]", sub.subscribed)
	}

	sub.publish(`{"message":"photo"}`)
	ev, ok := push.Poll(ctx)
	if !ok {
		t.Fatal("Poll() = no event after photo command")
	}
	if ev.Kind != types.TriggerRemoteCommand || ev.Payload != "photo" || ev.Source != "mqtt" {
		t.Errorf("event = %+v", ev)
	}
	if _, ok := push.Poll(ctx); ok {
		t.Error("command consumed twice")
	}

	sub.publish(`{"message":"ignore"}`)
	sub.publish(`{}`)
	sub.publish(`not json`)
	if _, ok := push.Poll(ctx); ok {
		t.Error("non-photo messages produced an event")
	}

	stats := push.Stats()
	if stats.Received != 1 || stats.Ignored != 2 || stats.ParseErrors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMQTTPush_BurstCoalesces(t *testing.T) {
	sub := &fakeSubscriber{}
	push := newMQTTPush(MQTTConfig{Topic: "cam/cmd", Reconnect: fastReconnect()}, sub)
	ctx := context.Background()
	push.Poll(ctx)

	for i := 0; i < 5; i++ {
		sub.publish(`{"message":"photo"}`)
	}

	if _, ok := push.Poll(ctx); !ok {
		t.Fatal("Poll() = no event")
	}
	if _, ok := push.Poll(ctx); ok {
		t.Error("burst produced a second event")
	}
	if got := push.Stats().Coalesced; got != 4 {
		t.Errorf("Coalesced = %d, want 4", got)
	}
}

func TestMQTTPush_ReconnectResubscribes(t *testing.T) {
	sub := &fakeSubscriber{}
	push := newMQTTPush(MQTTConfig{Topic: "cam/cmd", Reconnect: fastReconnect()}, sub)
	ctx := context.Background()
	push.Poll(ctx)

	sub.Disconnect()
	sub.failConnect = 2

	if _, ok := push.Poll(ctx); ok {
		t.Fatal("Poll() after reconnect returned an event")
	}
	if !sub.IsConnected() {
		t.Fatal("subscriber not reconnected")
	}
	if sub.connects != 4 {
		t.Errorf("connects = %d, want 4 (initial + 2 failures + success)", sub.connects)
	}
	if len(sub.subscribed) != 2 {
		t.Errorf("subscriptions = %d, want 2", len(sub.subscribed))
	}
	if got := push.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
}

func TestMQTTPush_ReconnectGivesUp(t *testing.T) {
	sub := &fakeSubscriber{failConnect: 100}
	push := newMQTTPush(MQTTConfig{Topic: "cam/cmd", Reconnect: fastReconnect()}, sub)

	if _, ok := push.Poll(context.Background()); ok {
		t.Fatal("Poll() while broker down returned an event")
	}
	if sub.connects != 3 {
		t.Errorf("connects = %d, want 3 (bounded by max retries)", sub.connects)
	}
}

func newCommandServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	return srv, conns
}

func waitForEvent(t *testing.T, src Source) (types.TriggerEvent, bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := src.Poll(context.Background()); ok {
			return ev, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return types.TriggerEvent{}, false
}

func TestWebSocketPush(t *testing.T) {
	srv, conns := newCommandServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	push := NewWebSocketPush(WebSocketConfig{URL: url, Token: "secret", Reconnect: fastReconnect()})
	defer push.Close()

	if _, ok := push.Poll(context.Background()); ok {
		t.Fatal("Poll() before any message returned an event")
	}

	var server *websocket.Conn
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no connection")
	}
	defer server.Close()

	server.WriteMessage(websocket.TextMessage, []byte(`{"message":"ignore"}`))
	server.WriteMessage(websocket.TextMessage, []byte(`{"message":"photo"}`))

	ev, ok := waitForEvent(t, push)
	if !ok {
		t.Fatal("no event from websocket command")
	}
	if ev.Kind != types.TriggerRemoteCommand || ev.Source != "websocket" {
		t.Errorf("event = %+v", ev)
	}
	if got := push.Stats().Ignored; got != 1 {
		t.Errorf("Ignored = %d, want 1", got)
	}
}

func TestWebSocketPush_Unauthorized(t *testing.T) {
	srv, _ := newCommandServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	push := NewWebSocketPush(WebSocketConfig{URL: url, Token: "wrong", Reconnect: fastReconnect()})

	if _, ok := push.Poll(context.Background()); ok {
		t.Fatal("Poll() with rejected handshake returned an event")
	}
	if push.Stats().Connected {
		t.Error("push reports connected after rejected handshake")
	}
}
