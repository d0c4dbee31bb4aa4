package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// maxResponseBytes caps how much of a worker response is read.
const maxResponseBytes = 1 << 20

// HTTPTransport POSTs dispatch requests to worker endpoints over HTTP. Each
// endpoint gets its own circuit breaker; the pooled client is shared.
type HTTPTransport struct {
	cfg     config.HTTPTransportConfig
	client  *http.Client
	metrics *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewHTTPTransport creates the HTTP worker transport. metrics may be nil.
func NewHTTPTransport(cfg config.HTTPTransportConfig, metrics *observability.Metrics) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// Schemes implements Transport.
func (t *HTTPTransport) Schemes() []string {
	return []string{"http", "https"}
}

// Deliver POSTs the request to the endpoint. A 2xx response is the worker's
// delivery acknowledgment. 5xx responses and connection errors count against
// the endpoint's circuit breaker; 4xx responses do not, since the worker was
// reachable and rejected the request itself.
func (t *HTTPTransport) Deliver(ctx context.Context, endpoint string, req Request) error {
	br := t.breakerFor(endpoint)
	if err := br.Allow(); err != nil {
		t.recordBreakerState(req.Role, br)
		return model.NewDispatchError(req.Role, "circuit breaker open")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return model.NewDispatchError(req.Role, "encode request: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return model.NewDispatchError(req.Role, "build request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Case-Id", req.CaseID)
	httpReq.Header.Set("X-Task-Id", req.TaskID)
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		br.RecordFailure()
		t.recordBreakerState(req.Role, br)
		if isConnectionError(err) {
			return model.NewDispatchError(req.Role, "endpoint unreachable")
		}
		return model.NewDispatchError(req.Role, err.Error())
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 500:
		br.RecordFailure()
		t.recordBreakerState(req.Role, br)
		return model.NewDispatchError(req.Role, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return model.NewDispatchError(req.Role,
			fmt.Sprintf("endpoint rejected dispatch with %d: %s", resp.StatusCode, snippet(respBody)))
	default:
		br.RecordSuccess()
		t.recordBreakerState(req.Role, br)
		return nil
	}
}

// BreakerState returns the breaker state for an endpoint. Endpoints without
// delivery history report closed.
func (t *HTTPTransport) BreakerState(endpoint string) BreakerState {
	t.mu.Lock()
	br, ok := t.breakers[endpoint]
	t.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return br.State()
}

func (t *HTTPTransport) breakerFor(endpoint string) *Breaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	br, ok := t.breakers[endpoint]
	if !ok {
		br = NewBreaker(t.cfg.CircuitBreaker)
		t.breakers[endpoint] = br
	}
	return br
}

func (t *HTTPTransport) recordBreakerState(role string, br *Breaker) {
	if t.metrics == nil {
		return
	}
	var v float64
	switch br.State() {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	t.metrics.SetWorkerCircuitBreakerState(role, v)
}

// isConnectionError reports whether the error is a dial/DNS level failure.
func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// snippet returns the response body truncated to a log-safe length.
func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
