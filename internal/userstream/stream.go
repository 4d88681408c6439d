// Package userstream maintains the authenticated user-data WebSocket:
// listen-key issuance, periodic keep-alive, and reconnection.
package userstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"exchange_connector/internal/auth"
	"exchange_connector/internal/core"
	"exchange_connector/pkg/concurrency"
	"exchange_connector/pkg/httpclient"
	"exchange_connector/pkg/websocket"

	"github.com/goccy/go-json"
)

const (
	defaultKeepAliveInterval = 30 * time.Minute
	maxReconnectDelay        = 30 * time.Second
	postConnectKeepAlive     = 5 * time.Second
)

// MessageCallback receives every user-data frame verbatim. It runs off
// the WebSocket reader goroutine and must be non-blocking.
type MessageCallback func(message []byte)

// Stream owns the listen-key lifecycle and the user-data WebSocket.
type Stream struct {
	logger     core.ILogger
	signer     *auth.Signer
	httpClient *httpclient.Client
	callback   MessageCallback
	pool       *concurrency.WorkerPool

	keepAliveInterval    time.Duration
	maxReconnectAttempts int32
	reconnectAttempts    int32

	listenKeyMu sync.Mutex
	listenKey   string

	wsMu     sync.Mutex
	wsClient *websocket.Client
	wsGen    uint64

	restHost string
	wsHost   string
	wsPort   string

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stream. The signer is borrowed from the gateway; its
// credential data is immutable.
func New(signer *auth.Signer, httpClient *httpclient.Client, pool *concurrency.WorkerPool, callback MessageCallback, logger core.ILogger) *Stream {
	return &Stream{
		logger:               logger.WithField("component", "user_data_stream"),
		signer:               signer,
		httpClient:           httpClient,
		callback:             callback,
		pool:                 pool,
		keepAliveInterval:    defaultKeepAliveInterval,
		maxReconnectAttempts: 10,
		restHost:             signer.RestBase(),
		wsHost:               signer.WsBase(),
		wsPort:               "443",
	}
}

// SetHosts overrides the exchange endpoints (tests only).
func (s *Stream) SetHosts(restHost, wsHost, wsPort string) {
	s.restHost = restHost
	s.wsHost = wsHost
	s.wsPort = wsPort
}

// SetKeepAliveInterval overrides the keep-alive cadence.
func (s *Stream) SetKeepAliveInterval(d time.Duration) {
	s.keepAliveInterval = d
}

// SetMaxReconnectAttempts bounds consecutive reconnect attempts.
func (s *Stream) SetMaxReconnectAttempts(n int) {
	atomic.StoreInt32(&s.maxReconnectAttempts, int32(n))
}

// Start obtains a listen key, opens the WebSocket, and launches the
// keep-alive loop.
func (s *Stream) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	key, err := s.createListenKey()
	if err != nil {
		s.cancel()
		s.running.Store(false)
		return fmt.Errorf("creating listen key: %w", err)
	}
	s.setListenKey(key)

	s.openWebSocket(key)

	s.wg.Add(1)
	go s.keepAliveLoop()

	s.logger.Info("User data stream started")
	return nil
}

// Stop closes the listen key, disconnects the WebSocket, and joins the
// keep-alive loop.
func (s *Stream) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()

	s.closeListenKey()

	s.wsMu.Lock()
	client := s.wsClient
	s.wsClient = nil
	s.wsMu.Unlock()
	if client != nil {
		client.Disconnect()
	}

	s.logger.Info("User data stream stopped")
}

// ListenKey returns the current listen key.
func (s *Stream) ListenKey() string {
	s.listenKeyMu.Lock()
	defer s.listenKeyMu.Unlock()
	return s.listenKey
}

func (s *Stream) setListenKey(key string) {
	s.listenKeyMu.Lock()
	s.listenKey = key
	s.listenKeyMu.Unlock()
}

func (s *Stream) authHeaders() map[string]string {
	headers := make(map[string]string, 1)
	s.signer.AddAuthHeader(headers)
	return headers
}

func (s *Stream) createListenKey() (string, error) {
	body, err := s.httpClient.Post(s.ctx, s.restHost, "/api/v3/userDataStream", nil, s.authHeaders(), nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing listen key response: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in response")
	}
	return resp.ListenKey, nil
}

func (s *Stream) keepAliveListenKey() error {
	key := s.ListenKey()
	if key == "" {
		return fmt.Errorf("no listen key to keep alive")
	}
	_, err := s.httpClient.Put(s.ctx, s.restHost, "/api/v3/userDataStream",
		map[string]string{"listenKey": key}, s.authHeaders())
	return err
}

func (s *Stream) closeListenKey() {
	key := s.ListenKey()
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.httpClient.Delete(ctx, s.restHost, "/api/v3/userDataStream",
		map[string]string{"listenKey": key}, s.authHeaders()); err != nil {
		s.logger.Warn("Failed to close listen key", "error", err)
	}
	s.setListenKey("")
}

// openWebSocket replaces the active connection. Status events from the
// superseded client carry a stale generation and are ignored.
func (s *Stream) openWebSocket(listenKey string) {
	client := websocket.NewClient(s.logger.WithField("stream", "user_data"))
	client.SetMaxReconnectAttempts(1)

	s.wsMu.Lock()
	old := s.wsClient
	s.wsClient = client
	s.wsGen++
	gen := s.wsGen
	s.wsMu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	client.Connect(s.wsHost, s.wsPort, "/ws/"+listenKey, s.onMessage,
		func(connected bool) { s.onStatus(gen, connected) })
}

func (s *Stream) currentGen() uint64 {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return s.wsGen
}

func (s *Stream) onMessage(message []byte) {
	// Copy the frame: the reader's buffer is reused, but the callback
	// runs later on a pool worker.
	frame := make([]byte, len(message))
	copy(frame, message)

	if err := s.pool.Submit(func() { s.callback(frame) }); err != nil {
		s.logger.Warn("Dropping user data frame, callback pool full", "error", err)
	}
}

func (s *Stream) onStatus(gen uint64, connected bool) {
	if gen != s.currentGen() {
		return
	}
	if connected {
		atomic.StoreInt32(&s.reconnectAttempts, 0)
		s.logger.Info("User data WebSocket connected")

		// Validate the listen key shortly after (re)connect.
		_ = s.pool.Submit(func() {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(postConnectKeepAlive):
			}
			if s.running.Load() {
				if err := s.keepAliveListenKey(); err != nil {
					s.logger.Warn("Post-connect keep-alive failed", "error", err)
				}
			}
		})
		return
	}

	s.logger.Warn("User data WebSocket disconnected")
	if !s.running.Load() {
		return
	}
	s.scheduleReconnect()
}

// scheduleReconnect runs the reissue-and-reopen sequence on a pool
// worker so the WebSocket reader goroutine is never blocked.
func (s *Stream) scheduleReconnect() {
	attempts := atomic.AddInt32(&s.reconnectAttempts, 1)
	maxAttempts := atomic.LoadInt32(&s.maxReconnectAttempts)

	if maxAttempts > 0 && attempts > maxAttempts {
		s.logger.Error("Max reconnect attempts reached, stopping user data stream",
			"attempts", attempts)
		s.notifyConnectionFailure(int(attempts), int(maxAttempts))
		s.running.Store(false)
		s.cancel()
		return
	}

	delay := backoffDelay(int(attempts))
	s.logger.Info("Scheduling user data reconnect", "attempt", attempts, "delay", delay)

	_ = s.pool.Submit(func() {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		if !s.running.Load() {
			return
		}

		key, err := s.createListenKey()
		if err != nil {
			s.logger.Error("Failed to create listen key for reconnect", "error", err)
			s.scheduleReconnect()
			return
		}
		s.setListenKey(key)
		s.openWebSocket(key)
	})
}

func (s *Stream) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.keepAliveListenKey(); err != nil {
			s.logger.Warn("Keep-alive failed, reissuing listen key", "error", err)

			key, err := s.createListenKey()
			if err != nil {
				s.logger.Error("Failed to reissue listen key", "error", err)
				s.scheduleReconnect()
				continue
			}
			s.setListenKey(key)
			s.openWebSocket(key)
			continue
		}

		atomic.StoreInt32(&s.reconnectAttempts, 0)
		s.logger.Debug("Listen key keep-alive sent")
	}
}

// notifyConnectionFailure delivers a synthetic event to the owner so it
// can observe terminal stream failure through the normal message path.
func (s *Stream) notifyConnectionFailure(attempts, maxAttempts int) {
	payload, err := json.Marshal(map[string]interface{}{
		"event":              "connection_failure",
		"error":              "max reconnection attempts reached",
		"reconnect_attempts": attempts,
		"max_attempts":       maxAttempts,
	})
	if err != nil {
		return
	}
	_ = s.pool.Submit(func() { s.callback(payload) })
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second << uint(attempt-1)
	if delay > maxReconnectDelay || delay <= 0 {
		return maxReconnectDelay
	}
	return delay
}
