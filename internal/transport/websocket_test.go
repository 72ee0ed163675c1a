package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/noderunner/internal/logtest"
	"github.com/gateway-fm/noderunner/pkg/logs"
)

// dialIdle returns the client side of a connection whose server side never
// reads or writes.
func dialIdle(t *testing.T) *websocket.Conn {
	t.Helper()
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-hold
	}))
	t.Cleanup(func() {
		close(hold)
		srv.Close()
	})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestBlockStream_StalledClientDoesNotBlockBroadcast(t *testing.T) {
	path := logtest.Write(t, logtest.Block(t, 1, logtest.T0))
	bs := NewBlockStream(logs.NewObserver(logs.NewReader(path, logs.WithLogger(discard))), time.Hour, discard)
	t.Cleanup(bs.Stop)

	// No write loop drains this queue.
	stalled := &client{conn: dialIdle(t), queue: make(chan []byte)}
	healthy := newClient(dialIdle(t))
	bs.clientsMu.Lock()
	bs.clients[stalled] = true
	bs.clients[healthy] = true
	bs.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		bs.poll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll blocked on a stalled client")
	}

	if n := bs.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
	if got := len(healthy.queue); got != 1 {
		t.Errorf("healthy client queued %d events, want 1", got)
	}
	if _, ok := <-stalled.queue; ok {
		t.Error("stalled client queue should be closed")
	}
}

func TestBlockStream_BacklogThenLiveInOrder(t *testing.T) {
	t0 := logtest.T0
	path := logtest.Write(t,
		logtest.Block(t, 3, t0),
		logtest.Block(t, 2, t0.Add(time.Second)),
		logtest.Block(t, 1, t0.Add(2*time.Second)),
	)
	srv := newTestServer(t, ServerConfig{Reader: logs.NewReader(path)})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/blocks"

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	for want := 0; want < 3; want++ {
		if ev := readEvent(t, first); ev.Index != want {
			t.Fatalf("first client event %d has index %d", want, ev.Index)
		}
	}

	late, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer late.Close()
	logtest.Append(t, path,
		logtest.Block(t, 1, t0.Add(3*time.Second)),
		logtest.Block(t, 0, t0.Add(4*time.Second)),
	)

	// Every block exactly once, whether it came from the backlog or a
	// broadcast racing the connection.
	for want := 0; want < 5; want++ {
		ev := readEvent(t, late)
		if ev.Index != want {
			t.Fatalf("late client event %d has index %d", want, ev.Index)
		}
		if want == 4 && !ev.Idle {
			t.Errorf("last event should be idle: %+v", ev)
		}
	}
}
