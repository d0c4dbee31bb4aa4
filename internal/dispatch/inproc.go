package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pitabwire/caseflow/model"
)

// Worker handles dispatch attempts delivered over the in-process transport.
// The returned payload becomes the task's completion callback; a non-nil
// error becomes its failure callback. Exactly one of the two is reported
// per attempt.
type Worker interface {
	Handle(ctx context.Context, req Request) (map[string]any, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, req Request) (map[string]any, error)

// Handle implements Worker.
func (f WorkerFunc) Handle(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// WorkerRegistry stores named in-process workers. Safe for concurrent use
// after initial registration.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewWorkerRegistry creates an empty worker registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]Worker)}
}

// Register adds a worker under the given name. Panics if the name is taken,
// since that is a wiring mistake at startup.
func (r *WorkerRegistry) Register(name string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[name]; exists {
		panic(fmt.Sprintf("dispatch: worker %q already registered", name))
	}
	r.workers[name] = w
}

// Get returns the worker registered under the given name.
func (r *WorkerRegistry) Get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Names returns all registered worker names, sorted.
func (r *WorkerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallbackSink receives worker outcomes. The orchestrator implements it;
// these are the same entry points external workers hit over HTTP.
type CallbackSink interface {
	OnResult(ctx context.Context, taskID string, payload map[string]any) error
	OnFailure(ctx context.Context, taskID string, reason string) error
}

// InProcTransport delivers dispatch requests to workers registered in the
// same process. Endpoints use the form "inproc://<worker>". Used by the
// embedded demo workers and tests.
type InProcTransport struct {
	registry *WorkerRegistry

	mu   sync.RWMutex
	sink CallbackSink
	wg   sync.WaitGroup
}

// NewInProcTransport creates the in-process transport. Bind must be called
// before the first delivery.
func NewInProcTransport(registry *WorkerRegistry) *InProcTransport {
	return &InProcTransport{registry: registry}
}

// Bind wires the callback sink. Called once at startup, after the
// orchestrator is constructed.
func (t *InProcTransport) Bind(sink CallbackSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Schemes implements Transport.
func (t *InProcTransport) Schemes() []string {
	return []string{"inproc"}
}

// Deliver hands the request to the named worker. The handoff itself is the
// delivery acknowledgment; the worker's return value is reported through
// the callback sink from its own goroutine.
func (t *InProcTransport) Deliver(ctx context.Context, endpoint string, req Request) error {
	name := strings.TrimPrefix(endpoint, "inproc://")
	w, ok := t.registry.Get(name)
	if !ok {
		return model.NewDispatchError(req.Role, fmt.Sprintf("no in-process worker %q", name))
	}

	t.mu.RLock()
	sink := t.sink
	t.mu.RUnlock()
	if sink == nil {
		return model.NewDispatchError(req.Role, "no callback sink bound")
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		result, err := w.Handle(ctx, req)

		// Callbacks outlive an aborted dispatch context; the orchestrator
		// records late outcomes as audit events.
		cbctx := context.WithoutCancel(ctx)
		if err != nil {
			_ = sink.OnFailure(cbctx, req.TaskID, err.Error())
			return
		}
		_ = sink.OnResult(cbctx, req.TaskID, result)
	}()
	return nil
}

// Wait blocks until every handed-off worker invocation has reported its
// outcome. Used in tests and during shutdown.
func (t *InProcTransport) Wait() {
	t.wg.Wait()
}
