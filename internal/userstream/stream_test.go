package userstream

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"exchange_connector/internal/auth"
	"exchange_connector/pkg/concurrency"
	"exchange_connector/pkg/httpclient"
	"exchange_connector/pkg/logging"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchange serves the listen-key REST endpoints and the user-data
// WebSocket from one httptest server.
type fakeExchange struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	keyCounter  int
	posts       int32
	puts        int32
	deletes     int32
	refuseWS    atomic.Bool
	activeConns []*websocket.Conn
}

func newFakeExchange(t *testing.T) *fakeExchange {
	f := &fakeExchange{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodPost:
			atomic.AddInt32(&f.posts, 1)
			f.mu.Lock()
			f.keyCounter++
			key := fmt.Sprintf("listen-key-%d", f.keyCounter)
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"listenKey": "` + key + `"}`))
		case http.MethodPut:
			atomic.AddInt32(&f.puts, 1)
			_, _ = w.Write([]byte(`{}`))
		case http.MethodDelete:
			atomic.AddInt32(&f.deletes, 1)
			_, _ = w.Write([]byte(`{}`))
		}
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		if f.refuseWS.Load() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.activeConns = append(f.activeConns, conn)
		f.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeExchange) hosts(t *testing.T) (rest, wsHost, wsPort string) {
	t.Helper()
	trimmed := strings.TrimPrefix(f.server.URL, "http://")
	h, p, err := net.SplitHostPort(trimmed)
	require.NoError(t, err)
	return f.server.URL, "ws://" + h, p
}

func (f *fakeExchange) sendToClients(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.activeConns {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(message))
	}
}

func (f *fakeExchange) closeClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.activeConns {
		conn.Close()
	}
	f.activeConns = nil
}

func newTestStream(t *testing.T, f *fakeExchange, callback MessageCallback) *Stream {
	t.Helper()

	signer, err := auth.NewSignerFromKeys("test-key", "test-secret", true)
	require.NoError(t, err)

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "test", MaxWorkers: 4, MaxCapacity: 64,
	}, logger)
	t.Cleanup(pool.Stop)

	s := New(signer, httpclient.NewClient(2*time.Second), pool, callback, logger)
	rest, wsHost, wsPort := f.hosts(t)
	s.SetHosts(rest, wsHost, wsPort)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStream_LifecycleDeliversFrames(t *testing.T) {
	f := newFakeExchange(t)

	var received sync.Map
	var count int32
	s := newTestStream(t, f, func(message []byte) {
		received.Store(atomic.AddInt32(&count, 1), string(message))
	})

	require.NoError(t, s.Start())
	assert.Equal(t, "listen-key-1", s.ListenKey())

	waitFor(t, 3*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.activeConns) > 0
	})

	f.sendToClients(`{"e": "executionReport", "X": "NEW"}`)
	waitFor(t, 3*time.Second, func() bool { return atomic.LoadInt32(&count) >= 1 })

	v, ok := received.Load(int32(1))
	require.True(t, ok)
	assert.Equal(t, `{"e": "executionReport", "X": "NEW"}`, v)

	s.Stop()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&f.deletes), int32(1),
		"stop must close the listen key")
}

func TestStream_ReconnectObtainsFreshKey(t *testing.T) {
	f := newFakeExchange(t)

	s := newTestStream(t, f, func([]byte) {})
	s.SetMaxReconnectAttempts(5)
	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.activeConns) > 0
	})
	require.Equal(t, int32(1), atomic.LoadInt32(&f.posts))

	// Drop the connection; the stream must reissue the key and reopen.
	f.closeClients()

	waitFor(t, 10*time.Second, func() bool {
		return atomic.LoadInt32(&f.posts) >= 2 && s.ListenKey() == "listen-key-2"
	})
}

func TestStream_BoundedAttemptsSurfaceConnectionFailure(t *testing.T) {
	f := newFakeExchange(t)

	failures := make(chan map[string]interface{}, 1)
	s := newTestStream(t, f, func(message []byte) {
		var event map[string]interface{}
		if err := json.Unmarshal(message, &event); err != nil {
			return
		}
		if event["event"] == "connection_failure" {
			select {
			case failures <- event:
			default:
			}
		}
	})
	s.SetMaxReconnectAttempts(1)

	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.activeConns) > 0
	})

	// All further upgrades fail; the single allowed reconnect attempt
	// is used up immediately.
	f.refuseWS.Store(true)
	f.closeClients()

	select {
	case event := <-failures:
		assert.Equal(t, "max reconnection attempts reached", event["error"])
	case <-time.After(15 * time.Second):
		t.Fatal("expected a synthetic connection_failure event")
	}
}

func TestStream_KeepAliveExtendsKey(t *testing.T) {
	f := newFakeExchange(t)

	s := newTestStream(t, f, func([]byte) {})
	s.SetKeepAliveInterval(100 * time.Millisecond)

	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return atomic.LoadInt32(&f.puts) >= 2
	})
}

func TestStream_StartFailsWithoutListenKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	signer, err := auth.NewSignerFromKeys("k", "s", true)
	require.NoError(t, err)
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "t", MaxWorkers: 1, MaxCapacity: 8}, logger)
	defer pool.Stop()

	s := New(signer, httpclient.NewClient(time.Second), pool, func([]byte) {}, logger)
	s.SetHosts(server.URL, "ws://127.0.0.1", "1")

	assert.Error(t, s.Start())
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, 16*time.Second, backoffDelay(5))
	assert.Equal(t, 30*time.Second, backoffDelay(6))
	assert.Equal(t, 30*time.Second, backoffDelay(50))
}
