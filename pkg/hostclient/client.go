// Package hostclient implements the pooled, retrying, circuit-breaker-
// protected HTTP adapter (C1) that every component talking to a remote
// worker or host service embeds: connection pooling, bounded retries with
// exponential backoff, a per-service circuit breaker, request/latency
// metrics, and a TTL-cached health check.
package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ktrdr/opscore/pkg/log"
	"github.com/ktrdr/opscore/pkg/metrics"
	"github.com/sony/gobreaker"
)

// Config tunes a Client's pooling, retry, and health-check behavior.
type Config struct {
	ServiceName        string
	BaseURL            string
	Timeout            time.Duration
	MaxRetries         int
	ConnPoolLimit      int
	IdleConnTimeout    time.Duration
	HealthCheckTTL     time.Duration
	EnableRequestTrace bool
}

// DefaultConfig mirrors the defaults the original async host service shipped
// with (30s timeout, 3 retries, 20-connection pool).
func DefaultConfig(serviceName, baseURL string) Config {
	return Config{
		ServiceName:     serviceName,
		BaseURL:         baseURL,
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		ConnPoolLimit:   20,
		IdleConnTimeout: 90 * time.Second,
		HealthCheckTTL:  5 * time.Minute,
	}
}

// Client is the base adapter embedded by per-service clients (training,
// backtesting, data-load workers, agent sessions). A Client is only usable
// between a call to Acquire and its matching Release; outside that scope
// every request-issuing method fails with a "not initialized" ServiceError,
// mirroring the original adapter's async-context-manager guard.
type Client struct {
	cfg Config

	mu       sync.Mutex
	acquired bool
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker

	healthMu        sync.Mutex
	lastHealthCheck time.Time
	lastHealthy     bool

	statsMu       sync.Mutex
	requestsMade  int64
	errors        int64
	byStatusCode  map[int]int64
	byEndpoint    map[string]int64
	responseTimes []float64

	traceMu  sync.Mutex
	traceSeq int64
	traces   []TraceRecord
}

const maxTraceRecords = 500

// New builds an unacquired Client over cfg. Call Acquire before issuing any
// request, and Release on every exit path once done with it.
func New(cfg Config) *Client {
	return &Client{
		cfg:          cfg,
		byStatusCode: make(map[int]int64),
		byEndpoint:   make(map[string]int64),
	}
}

// Acquire opens the connection pool and circuit breaker backing this
// client. The transport is tuned for a small, steady fleet of long-lived
// backend connections rather than internet-facing fan-out. Safe to call
// more than once; only the first call takes effect.
func (c *Client) Acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return
	}

	transport := &http.Transport{
		MaxIdleConns:        c.cfg.ConnPoolLimit,
		MaxIdleConnsPerHost: c.cfg.ConnPoolLimit,
		IdleConnTimeout:     c.cfg.IdleConnTimeout,
	}

	breakerSettings := gobreaker.Settings{
		Name:        c.cfg.ServiceName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.HostCircuitBreakerState.WithLabelValues(name).Set(float64(to))
			log.WithService(name).Warn(fmt.Sprintf("circuit breaker state change: %s -> %s", from, to))
		},
	}

	c.http = &http.Client{Transport: transport, Timeout: c.cfg.Timeout}
	c.breaker = gobreaker.NewCircuitBreaker(breakerSettings)
	c.acquired = true
}

// Release tears down the connection pool, guaranteeing idle connections are
// closed on every exit path. Safe to call more than once, and safe to call
// without a prior Acquire.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return
	}
	c.http.CloseIdleConnections()
	c.http = nil
	c.breaker = nil
	c.acquired = false
}

// acquiredState returns the pooled client and breaker if the scope is
// active, or a "not initialized" ServiceError if Acquire has not been
// called (or Release already has).
func (c *Client) acquiredState() (*http.Client, *gobreaker.CircuitBreaker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return nil, nil, &ServiceError{ServiceName: c.cfg.ServiceName, Body: "not initialized"}
	}
	return c.http, c.breaker, nil
}

// Do issues a JSON request to endpoint (relative to BaseURL), retrying
// connection/timeout failures with exponential backoff and never retrying
// HTTP-level errors. body is marshaled as JSON if non-nil; out is
// unmarshaled from the response body if non-nil.
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	httpClient, breaker, err := c.acquiredState()
	if err != nil {
		return err
	}

	url := c.cfg.BaseURL + endpoint

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := breaker.Execute(func() (any, error) {
			return c.doOnce(ctx, httpClient, method, url, endpoint, body, out)
		})
		_ = result

		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return ErrServiceUnavailable
		}
		lastErr = err

		// Only ErrConnection/ErrTimeout are worth retrying; a ServiceError
		// means the host answered and retrying will not change that.
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	return err == ErrConnection || err == ErrTimeout
}

func (c *Client) doOnce(ctx context.Context, httpClient *http.Client, method, url, endpoint string, body, out any) (any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startedAt := time.Now().UTC()
	timer := metrics.NewTimer()
	resp, err := httpClient.Do(req)
	timer.ObserveDurationVec(metrics.HostRequestDuration, c.cfg.ServiceName, endpoint)

	c.recordStats(endpoint, resp, err, timer.Duration())
	defer c.recordTrace(endpoint, method, startedAt, timer.Duration(), &err)

	if err != nil {
		var netErr interface{ Timeout() bool }
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			metrics.HostRequestsTotal.WithLabelValues(c.cfg.ServiceName, endpoint, "timeout").Inc()
			err = ErrTimeout
			return nil, err
		}
		metrics.HostRequestsTotal.WithLabelValues(c.cfg.ServiceName, endpoint, "connection_error").Inc()
		err = ErrConnection
		return nil, err
	}
	defer resp.Body.Close()

	metrics.HostRequestsTotal.WithLabelValues(c.cfg.ServiceName, endpoint, statusBucket(resp.StatusCode)).Inc()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = &ServiceError{ServiceName: c.cfg.ServiceName, StatusCode: resp.StatusCode, Body: string(respBody)}
		return nil, err
	}

	if out != nil && len(respBody) > 0 {
		if unmarshalErr := json.Unmarshal(respBody, out); unmarshalErr != nil {
			err = fmt.Errorf("decode response: %w", unmarshalErr)
			return nil, err
		}
	}
	return nil, nil
}

// recordTrace appends an optional per-request trace record, only when
// Config.EnableRequestTrace is set. success is derived from *errPtr at the
// time this deferred call runs, after doOnce has set its final value.
func (c *Client) recordTrace(endpoint, method string, startedAt time.Time, duration time.Duration, errPtr *error) {
	if !c.cfg.EnableRequestTrace {
		return
	}
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	c.traceSeq++
	c.traces = append(c.traces, TraceRecord{
		ID:        c.traceSeq,
		Endpoint:  endpoint,
		Method:    method,
		StartedAt: startedAt,
		EndedAt:   startedAt.Add(duration),
		Duration:  duration,
		Success:   *errPtr == nil,
	})
	if len(c.traces) > maxTraceRecords {
		c.traces = c.traces[len(c.traces)-maxTraceRecords:]
	}
}

// Traces returns a snapshot of the per-request trace records collected so
// far. Empty unless Config.EnableRequestTrace is set.
func (c *Client) Traces() []TraceRecord {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	return append([]TraceRecord(nil), c.traces...)
}

// TraceRecord is one optional per-request trace entry.
type TraceRecord struct {
	ID        int64
	Endpoint  string
	Method    string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Success   bool
}

func statusBucket(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}

func (c *Client) recordStats(endpoint string, resp *http.Response, err error, elapsed time.Duration) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.requestsMade++
	c.byEndpoint[endpoint]++
	c.responseTimes = append(c.responseTimes, elapsed.Seconds())
	if err != nil {
		c.errors++
		return
	}
	if resp != nil {
		c.byStatusCode[resp.StatusCode]++
	}
}
