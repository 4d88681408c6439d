// Package websocket provides the persistent TLS WebSocket client used for
// exchange market-data and user-data streams.
package websocket

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"exchange_connector/internal/core"
	"exchange_connector/pkg/telemetry"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageCallback handles one received text frame. It runs on the
// connection's reader goroutine and must not block.
type MessageCallback func(message []byte)

// StatusCallback fires on every connected/disconnected transition.
type StatusCallback func(connected bool)

const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Client maintains one outbound WebSocket connection with automatic
// reconnection. Reads are sequential per connection; writes are FIFO
// from a single send queue. Messages sent while disconnected are
// silently dropped.
type Client struct {
	onMessage MessageCallback
	onStatus  StatusCallback

	host   string
	port   string
	target string

	maxReconnectAttempts int32

	conn      *websocket.Conn
	connMu    sync.Mutex
	connected atomic.Bool

	sendQueue chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool

	logger core.ILogger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient creates an unconnected client.
func NewClient(logger core.ILogger) *Client {
	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	return &Client{
		sendQueue:   make(chan []byte, 256),
		logger:      logger,
		tracer:      tracer,
		msgCounter:  msgCounter,
		connCounter: connCounter,
	}
}

// SetMaxReconnectAttempts bounds consecutive reconnect attempts.
// Zero means unlimited.
func (c *Client) SetMaxReconnectAttempts(n int) {
	atomic.StoreInt32(&c.maxReconnectAttempts, int32(n))
}

// Connect starts the connection lifecycle and returns immediately.
// onMessage and onStatus run on the client's own reader goroutine.
func (c *Client) Connect(host, port, target string, onMessage MessageCallback, onStatus StatusCallback) bool {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("WebSocket client already started", "host", host, "target", target)
		return false
	}

	c.host = host
	c.port = port
	c.target = target
	c.onMessage = onMessage
	c.onStatus = onStatus
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.runLoop()
	return true
}

// Send enqueues a text frame. Frames queued while connected are
// delivered in FIFO order; frames sent while disconnected are dropped.
func (c *Client) Send(message []byte) bool {
	if !c.connected.Load() {
		return false
	}
	select {
	case c.sendQueue <- message:
		return true
	default:
		c.logger.Warn("WebSocket send queue full, dropping message", "host", c.host, "target", c.target)
		return false
	}
}

// IsConnected reports whether the WebSocket handshake has completed and
// the connection is live.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect initiates a graceful close and stops all background work.
func (c *Client) Disconnect() {
	if !c.started.Load() {
		return
	}
	c.cancel()
	c.closeConn()
	c.wg.Wait()
	c.started.Store(false)

	// Drain frames queued before shutdown.
	for {
		select {
		case <-c.sendQueue:
		default:
			return
		}
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	delay := newReconnectBackoff()
	var attempts int32

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.dial(); err != nil {
			attempts++
			maxAttempts := atomic.LoadInt32(&c.maxReconnectAttempts)
			c.logger.Error("WebSocket connect failed", "host", c.host, "target", c.target,
				"attempt", attempts, "error", err)
			if maxAttempts > 0 && attempts >= maxAttempts {
				c.logger.Error("WebSocket giving up after max reconnect attempts",
					"host", c.host, "target", c.target, "attempts", attempts)
				if c.onStatus != nil {
					c.onStatus(false)
				}
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(nextDelay(delay)):
			}
			continue
		}

		attempts = 0
		delay = newReconnectBackoff()
		c.connected.Store(true)
		if c.onStatus != nil {
			c.onStatus(true)
		}

		writeCtx, writeCancel := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.writeLoop(writeCtx)

		c.readLoop()
		writeCancel()

		c.connected.Store(false)
		c.closeConn()
		if c.onStatus != nil {
			c.onStatus(false)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(nextDelay(delay)):
		}
	}
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialReconnectDelay
	b.MaxInterval = maxReconnectDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

func nextDelay(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

func (c *Client) dial() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(
			attribute.String("ws.host", c.host),
			attribute.String("ws.target", c.target),
		),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			ServerName: c.host,
			MinVersion: tls.VersionTLS12,
		},
	}

	conn, _, err := dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// streamURL assembles wss://host:port/target. A host prefixed with
// ws:// forces a plaintext connection (tests only).
func (c *Client) streamURL() string {
	if strings.HasPrefix(c.host, "ws://") {
		return "ws://" + net.JoinHostPort(strings.TrimPrefix(c.host, "ws://"), c.port) + c.target
	}
	return "wss://" + net.JoinHostPort(c.host, c.port) + c.target
}

func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("WebSocket read failed", "host", c.host, "target", c.target, "error", err)
			}
			return
		}

		c.msgCounter.Add(c.ctx, 1)
		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case message := <-c.sendQueue:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("WebSocket write failed", "host", c.host, "target", c.target, "error", err)
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
}
