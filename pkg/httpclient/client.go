// Package httpclient provides the single-shot HTTPS client used for all
// REST calls to the exchange.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "exchange_connector/pkg/errors"
	"exchange_connector/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// StatusError is returned for any non-2xx exchange response.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, string(e.Body))
}

// IsRateLimited reports whether the response carries a Binance
// rate-limit status (429) or IP-ban status (418).
func (e *StatusError) IsRateLimited() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusTeapot
}

// Client performs one-shot TLS requests. Each request opens its own
// connection (Connection: close) and honors a single wall-clock timeout
// across resolve, connect, handshake, write, and read. The client never
// retries; retry policy belongs to callers.
type Client struct {
	timeout time.Duration
	limiter *rate.Limiter

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// DefaultTimeout bounds each request phase when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// NewClient creates a client with the given per-request timeout.
// A zero timeout selects DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		timeout:     timeout,
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// SetRateLimit installs a token-bucket limiter applied before each
// request. Binance weights requests per endpoint; the bucket is sized by
// the caller for the busiest path it protects.
func (c *Client) SetRateLimit(rps rate.Limit, burst int) {
	c.limiter = rate.NewLimiter(rps, burst)
}

// Get performs a GET request against https://host+target.
func (c *Client) Get(ctx context.Context, host, target string, params map[string]string, headers map[string]string) ([]byte, error) {
	return c.Request(ctx, http.MethodGet, host, target, params, headers, nil)
}

// Post performs a POST request against https://host+target.
func (c *Client) Post(ctx context.Context, host, target string, params map[string]string, headers map[string]string, body []byte) ([]byte, error) {
	return c.Request(ctx, http.MethodPost, host, target, params, headers, body)
}

// Put performs a PUT request against https://host+target.
func (c *Client) Put(ctx context.Context, host, target string, params map[string]string, headers map[string]string) ([]byte, error) {
	return c.Request(ctx, http.MethodPut, host, target, params, headers, nil)
}

// Delete performs a DELETE request against https://host+target.
func (c *Client) Delete(ctx context.Context, host, target string, params map[string]string, headers map[string]string) ([]byte, error) {
	return c.Request(ctx, http.MethodDelete, host, target, params, headers, nil)
}

// Request performs a single attempt. The target may already carry a
// query string (signed requests); params, when present, are merged into
// it and the whole query is re-encoded in key order.
func (c *Client) Request(ctx context.Context, method, host, target string, params map[string]string, headers map[string]string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := buildURL(host, target, params)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Close = true
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.host", host),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := c.transportFor(host).RoundTrip(req)

	c.reqCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", req.URL.Path),
	))
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", req.URL.Path),
	))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error", "transport")))
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %v", apperrors.ErrTimeout, method, target, err)
		}
		return nil, fmt.Errorf("%w: %s %s: %v", apperrors.ErrTransport, method, target, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrTimeout, target, err)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrTransport, target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", resp.StatusCode)))
		return nil, &StatusError{Code: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}

// transportFor builds a per-request transport. Connections are never
// reused; SNI follows the request host.
func (c *Client) transportFor(host string) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: c.timeout,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			ServerName: hostOnly(host),
			MinVersion: tls.VersionTLS12,
		},
		TLSHandshakeTimeout:   c.timeout,
		ResponseHeaderTimeout: c.timeout,
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     false,
	}
}

func buildURL(host, target string, params map[string]string) (string, error) {
	scheme := "https"
	if strings.HasPrefix(host, "http://") {
		scheme = "http"
		host = strings.TrimPrefix(host, "http://")
	} else {
		host = strings.TrimPrefix(host, "https://")
	}

	raw := scheme + "://" + host + target
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request target %q: %w", raw, err)
	}

	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func hostOnly(host string) string {
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
