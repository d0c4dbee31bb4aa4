// Package dispatch delivers task requests to worker endpoints. The
// orchestrator owns task state; this package owns delivery only: transport
// selection, per-endpoint circuit breaking, in-flight cancellation, and
// retry scheduling with exponential backoff.
package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/directory"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// Request is the payload delivered to a worker for one dispatch attempt.
type Request struct {
	CaseID             string                    `json:"case_id"`
	TaskID             string                    `json:"task_id"`
	Role               string                    `json:"role"`
	Attempt            int                       `json:"attempt"`
	Input              map[string]any            `json:"input,omitempty"`
	DependencyPayloads map[string]map[string]any `json:"dependency_payloads,omitempty"`
	CallbackURL        string                    `json:"callback_url,omitempty"`
}

// Transport delivers a single dispatch attempt to a worker endpoint. A nil
// return means the worker acknowledged the attempt and will report its
// outcome through a callback.
type Transport interface {
	// Schemes lists the endpoint URL schemes this transport serves.
	Schemes() []string
	// Deliver performs one delivery attempt. It must respect ctx
	// cancellation and never retries on its own.
	Deliver(ctx context.Context, endpoint string, req Request) error
}

// Events receives delivery outcomes. The orchestrator implements it and
// applies the resulting task transitions under the per-case lock.
type Events interface {
	// DeliveryAcked reports that a worker acknowledged the dispatch attempt.
	DeliveryAcked(ctx context.Context, caseID, taskID string)
	// DeliveryFailed reports that the attempt never reached a worker.
	DeliveryFailed(ctx context.Context, caseID, taskID string, err error)
}

// Dispatcher resolves role endpoints through the directory and hands
// requests to the matching transport asynchronously. It tracks in-flight
// deliveries and pending retry timers per case so an abort can cancel them.
type Dispatcher struct {
	dir        *directory.Directory
	cfg        config.DispatchConfig
	logger     *zap.Logger
	transports map[string]Transport

	mu       sync.Mutex
	events   Events
	inflight map[string]map[string]context.CancelFunc
	timers   map[string]map[string]*time.Timer
	closed   bool
	wg       sync.WaitGroup
}

// New creates a dispatcher over the given transports, indexed by the URL
// schemes they serve. Bind must be called before the first Dispatch.
func New(dir *directory.Directory, cfg config.DispatchConfig, logger *zap.Logger, transports ...Transport) *Dispatcher {
	byScheme := make(map[string]Transport)
	for _, tr := range transports {
		for _, scheme := range tr.Schemes() {
			byScheme[scheme] = tr
		}
	}
	return &Dispatcher{
		dir:        dir,
		cfg:        cfg,
		logger:     logger,
		transports: byScheme,
		inflight:   make(map[string]map[string]context.CancelFunc),
		timers:     make(map[string]map[string]*time.Timer),
	}
}

// Bind wires the delivery event sink. Called once at startup, after the
// orchestrator is constructed.
func (d *Dispatcher) Bind(events Events) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = events
}

// Dispatch resolves the role endpoint and delivers the request
// asynchronously. It returns synchronously with an UNKNOWN_ROLE error on a
// directory miss or a DISPATCH_ERROR when no transport serves the endpoint;
// all other outcomes arrive through the Events sink.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	endpoint, err := d.dir.Resolve(req.Role)
	if err != nil {
		return err
	}
	tr, err := d.transportFor(endpoint, req.Role)
	if err != nil {
		return err
	}

	// The delivery outlives the request that triggered it: keep trace
	// context, drop the caller's cancellation.
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return model.NewDispatchError(req.Role, "dispatcher is shut down")
	}
	events := d.events
	if events == nil {
		d.mu.Unlock()
		cancel()
		return model.NewDispatchError(req.Role, "no event sink bound")
	}
	m := d.inflight[req.CaseID]
	if m == nil {
		m = make(map[string]context.CancelFunc)
		d.inflight[req.CaseID] = m
	}
	m[req.TaskID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Debug("dispatch: delivering",
		zap.String("case_id", req.CaseID),
		zap.String("task_id", req.TaskID),
		zap.String("role", req.Role),
		zap.Int("attempt", req.Attempt),
		zap.String("endpoint", endpoint),
	)

	go func() {
		defer d.wg.Done()

		sctx, span := observability.StartSpan(dctx, "dispatch.deliver",
			observability.AttrCaseID.String(req.CaseID),
			observability.AttrTaskID.String(req.TaskID),
			observability.AttrRole.String(req.Role),
			observability.AttrAttempt.Int(req.Attempt),
		)
		deliverErr := tr.Deliver(sctx, endpoint, req)
		observability.EndSpanWithError(span, deliverErr)

		// A cancelled case has already popped its entry; the outcome is
		// no longer wanted.
		if !d.clearInflight(req.CaseID, req.TaskID) {
			return
		}

		cbctx := context.WithoutCancel(dctx)
		if deliverErr != nil {
			d.logger.Warn("dispatch: delivery failed",
				zap.String("case_id", req.CaseID),
				zap.String("task_id", req.TaskID),
				zap.String("role", req.Role),
				zap.Int("attempt", req.Attempt),
				zap.Error(deliverErr),
			)
			events.DeliveryFailed(cbctx, req.CaseID, req.TaskID, deliverErr)
			return
		}
		events.DeliveryAcked(cbctx, req.CaseID, req.TaskID)
	}()

	return nil
}

// ScheduleRetry runs redispatch after the backoff delay for the given
// attempt, unless the case is cancelled or the dispatcher closed first.
// Returns the chosen delay.
func (d *Dispatcher) ScheduleRetry(caseID, taskID string, attempt int, redispatch func()) time.Duration {
	delay := d.retryDelay(attempt)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	m := d.timers[caseID]
	if m == nil {
		m = make(map[string]*time.Timer)
		d.timers[caseID] = m
	}
	m[taskID] = time.AfterFunc(delay, func() {
		d.clearTimer(caseID, taskID)
		redispatch()
	})
	d.mu.Unlock()

	d.logger.Info("dispatch: retry scheduled",
		zap.String("case_id", caseID),
		zap.String("task_id", taskID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
	return delay
}

// CancelCase cancels the case's in-flight deliveries and stops its pending
// retry timers. Workers that already received a request are not guaranteed
// to stop; their late callbacks are handled by the orchestrator.
func (d *Dispatcher) CancelCase(caseID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, cancel := range d.inflight[caseID] {
		cancel()
	}
	delete(d.inflight, caseID)
	for _, t := range d.timers[caseID] {
		t.Stop()
	}
	delete(d.timers, caseID)
}

// InflightCount returns the number of deliveries currently in flight for a
// case. Used by diagnostics and tests.
func (d *Dispatcher) InflightCount(caseID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight[caseID])
}

// Close cancels all in-flight deliveries, stops all retry timers, and waits
// for delivery goroutines to exit. Dispatch returns an error afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for _, m := range d.inflight {
		for _, cancel := range m {
			cancel()
		}
	}
	d.inflight = make(map[string]map[string]context.CancelFunc)
	for _, m := range d.timers {
		for _, t := range m {
			t.Stop()
		}
	}
	d.timers = make(map[string]map[string]*time.Timer)
	d.mu.Unlock()

	d.wg.Wait()
}

// transportFor picks the transport serving the endpoint's URL scheme.
func (d *Dispatcher) transportFor(endpoint, role string) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, model.NewDispatchError(role, fmt.Sprintf("invalid endpoint %q", endpoint))
	}
	tr, ok := d.transports[u.Scheme]
	if !ok {
		return nil, model.NewDispatchError(role, fmt.Sprintf("no transport for endpoint %q", endpoint))
	}
	return tr, nil
}

// clearInflight pops the in-flight entry and releases its context. Reports
// whether the entry was still present.
func (d *Dispatcher) clearInflight(caseID, taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.inflight[caseID]
	cancel, ok := m[taskID]
	if !ok {
		return false
	}
	delete(m, taskID)
	if len(m) == 0 {
		delete(d.inflight, caseID)
	}
	cancel()
	return true
}

func (d *Dispatcher) clearTimer(caseID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.timers[caseID]
	delete(m, taskID)
	if len(m) == 0 {
		delete(d.timers, caseID)
	}
}

// retryDelay computes the backoff delay before the given retry attempt
// (1 = first retry). Jitter comes from the backoff policy's default
// randomization.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	if d.cfg.Backoff.Initial > 0 {
		bo.InitialInterval = d.cfg.Backoff.Initial
	}
	if d.cfg.Backoff.Max > 0 {
		bo.MaxInterval = d.cfg.Backoff.Max
	}
	if d.cfg.Backoff.Multiplier > 0 {
		bo.Multiplier = d.cfg.Backoff.Multiplier
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
