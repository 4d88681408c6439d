package websocket

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"exchange_connector/pkg/logging"

	"github.com/gorilla/websocket"
)

func splitTestURL(t *testing.T, serverURL string) (host, port string) {
	t.Helper()
	trimmed := strings.TrimPrefix(serverURL, "http://")
	h, p, err := net.SplitHostPort(trimmed)
	if err != nil {
		t.Fatalf("cannot split %s: %v", serverURL, err)
	}
	return "ws://" + h, p
}

func TestClient_ReceivesMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"depthUpdate"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	host, port := splitTestURL(t, server.URL)
	logger, _ := logging.NewZapLogger("ERROR")

	received := make(chan []byte, 1)
	client := NewClient(logger)
	client.Connect(host, port, "/ws/btcusdt@depth",
		func(message []byte) { received <- message }, nil)
	defer client.Disconnect()

	select {
	case msg := <-received:
		if string(msg) != `{"e":"depthUpdate"}` {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestClient_SendFIFO(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, string(msg))
			mu.Unlock()
		}
		close(done)
	}))
	defer server.Close()

	host, port := splitTestURL(t, server.URL)
	logger, _ := logging.NewZapLogger("ERROR")

	connected := make(chan struct{}, 1)
	client := NewClient(logger)
	client.Connect(host, port, "/ws", func([]byte) {}, func(up bool) {
		if up {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer client.Disconnect()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}

	for _, m := range []string{"first", "second", "third"} {
		if !client.Send([]byte(m)) {
			t.Fatalf("send of %q failed while connected", m)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frames")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i, m := range want {
		if got[i] != m {
			t.Errorf("frame %d = %q, want %q", i, got[i], m)
		}
	}
}

func TestClient_SendWhileDisconnectedIsDropped(t *testing.T) {
	logger, _ := logging.NewZapLogger("ERROR")
	client := NewClient(logger)

	if client.Send([]byte("dropped")) {
		t.Error("send should report false while disconnected")
	}
	if client.IsConnected() {
		t.Error("client should not report connected")
	}
}

func TestClient_ReconnectBackoffSpacing(t *testing.T) {
	if testing.Short() {
		t.Skip("backoff timing test")
	}

	var mu sync.Mutex
	var attempts []time.Time

	// Accept TCP connections but fail the WebSocket upgrade.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	host, port := splitTestURL(t, server.URL)
	logger, _ := logging.NewZapLogger("ERROR")

	client := NewClient(logger)
	client.SetMaxReconnectAttempts(3)
	client.Connect(host, port, "/ws", func([]byte) {}, nil)
	defer client.Disconnect()

	// Attempts at t0, t0+1s, t0+3s.
	deadline := time.Now().Add(6 * time.Second)
	for {
		mu.Lock()
		n := len(attempts)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) < 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	if gap := attempts[1].Sub(attempts[0]); gap < time.Second {
		t.Errorf("first retry after %v, want >= 1s", gap)
	}
	if gap := attempts[2].Sub(attempts[1]); gap < 2*time.Second {
		t.Errorf("second retry after %v, want >= 2s", gap)
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connections, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	host, port := splitTestURL(t, server.URL)
	logger, _ := logging.NewZapLogger("ERROR")

	var transitions int32
	client := NewClient(logger)
	client.Connect(host, port, "/ws", func([]byte) {}, func(up bool) {
		atomic.AddInt32(&transitions, 1)
	})
	defer client.Disconnect()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&connections) < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if atomic.LoadInt32(&connections) < 2 {
		t.Fatalf("expected a reconnect, got %d connections", connections)
	}
	if atomic.LoadInt32(&transitions) < 2 {
		t.Errorf("expected connect+disconnect status transitions, got %d", transitions)
	}
}
