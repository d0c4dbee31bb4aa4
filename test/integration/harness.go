// Package integration provides a reusable test harness for end-to-end
// testing of the caseflow server. It starts a full HTTP server over a real
// store, dispatcher, and timeline hub, with workers supplied per test either
// in-process or as mock HTTP worker services.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/directory"
	"github.com/pitabwire/caseflow/internal/dispatch"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/monitor"
	"github.com/pitabwire/caseflow/internal/orchestrator"
	"github.com/pitabwire/caseflow/internal/registry"
	"github.com/pitabwire/caseflow/internal/timeline"
	"github.com/pitabwire/caseflow/internal/topology"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/model"
)

// TestHarness encapsulates a fully wired caseflow server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Store  registry.CaseStore
	Engine *orchestrator.Engine
	Hub    *timeline.Hub

	dispatcher *dispatch.Dispatcher
	mon        *monitor.Monitor
	cfg        *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	sqlitePath     string
	workers        map[string]dispatch.Worker
	endpoints      map[string]string
	retryCeiling   int
	defaultTimeout time.Duration
	backoffInitial time.Duration
}

// WithSQLite persists cases in a SQLite file instead of the in-memory store.
// Reusing the same path across two harnesses simulates a process restart.
func WithSQLite(path string) HarnessOption {
	return func(c *harnessConfig) { c.sqlitePath = path }
}

// WithWorker runs the role as an in-process worker.
func WithWorker(role string, w dispatch.Worker) HarnessOption {
	return func(c *harnessConfig) { c.workers[role] = w }
}

// WithEndpoint points the role at an external HTTP worker endpoint.
func WithEndpoint(role, url string) HarnessOption {
	return func(c *harnessConfig) { c.endpoints[role] = url }
}

// WithRetryCeiling overrides the dispatch retry ceiling.
func WithRetryCeiling(n int) HarnessOption {
	return func(c *harnessConfig) { c.retryCeiling = n }
}

// WithDefaultTimeout sets one short timeout for every role, clearing the
// per-role overrides.
func WithDefaultTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.defaultTimeout = d }
}

// NewHarness builds and starts a caseflow server. Roles without a worker or
// endpoint get an instant in-process success worker.
func NewHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		workers:        make(map[string]dispatch.Worker),
		endpoints:      make(map[string]string),
		retryCeiling:   2,
		backoffInitial: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(hc)
	}

	cfg := config.Defaults()
	cfg.Dispatch.RetryCeiling = hc.retryCeiling
	cfg.Dispatch.Backoff.Initial = hc.backoffInitial
	if hc.defaultTimeout > 0 {
		cfg.Topology.DefaultTimeout = hc.defaultTimeout
		for i := range cfg.Topology.Roles {
			cfg.Topology.Roles[i].Timeout = 0
		}
	}

	topo, err := topology.New(cfg.Topology)
	if err != nil {
		t.Fatalf("topology.New error: %v", err)
	}

	var store registry.CaseStore
	if hc.sqlitePath != "" {
		s, err := registry.OpenSQLiteCaseStore(hc.sqlitePath)
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		if err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate sqlite store: %v", err)
		}
		store = s
	} else {
		store = registry.NewMemoryCaseStore()
	}

	dir := directory.New()
	reg := dispatch.NewWorkerRegistry()
	for _, role := range topo.Roles() {
		if url, ok := hc.endpoints[role.Name]; ok {
			dir.Register(role.Name, url)
			continue
		}
		dir.Register(role.Name, "inproc://"+role.Name)
		w, ok := hc.workers[role.Name]
		if !ok {
			name := role.Name
			w = dispatch.WorkerFunc(func(context.Context, dispatch.Request) (map[string]any, error) {
				return map[string]any{"role": name}, nil
			})
		}
		reg.Register(role.Name, w)
	}

	// The server listener exists before Start, so the callback URL workers
	// post their outcomes to is known before the engine is built.
	server := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + server.Listener.Addr().String()
	cfg.Dispatch.HTTP.CallbackURL = baseURL

	logger := zap.NewNop()
	hub := timeline.NewHub(store, cfg.Timeline, logger, nil, nil)
	inproc := dispatch.NewInProcTransport(reg)
	httpTransport := dispatch.NewHTTPTransport(cfg.Dispatch.HTTP, nil)
	dispatcher := dispatch.New(dir, cfg.Dispatch, logger, inproc, httpTransport)

	engine := orchestrator.New(store, topo, dispatcher, hub, idempotency.NewMemoryStore(),
		orchestrator.Config{
			RetryCeiling: cfg.Dispatch.RetryCeiling,
			CallbackURL:  baseURL,
		}, logger, nil)
	dispatcher.Bind(engine)
	inproc.Bind(engine)

	mon := monitor.New(cfg.Monitor, logger, nil)
	mon.Start(hub)

	if err := engine.Resume(context.Background()); err != nil {
		t.Fatalf("engine.Resume error: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Engine:    engine,
		Directory: dir,
		Hub:       hub,
		Monitor:   mon,
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		},
	})
	server.Config = &http.Server{Handler: router}
	server.Start()

	h := &TestHarness{
		t:          t,
		server:     server,
		Store:      store,
		Engine:     engine,
		Hub:        hub,
		dispatcher: dispatcher,
		mon:        mon,
		cfg:        cfg,
	}
	t.Cleanup(h.Close)
	return h
}

// Close shuts the harness down. Safe to call more than once.
func (h *TestHarness) Close() {
	if h.server == nil {
		return
	}
	h.server.Close()
	h.mon.Stop()
	h.dispatcher.Close()
	h.Hub.Close()
	h.Store.Close()
	h.server = nil
}

// URL returns the server base URL.
func (h *TestHarness) URL() string {
	return h.server.URL
}

// POST sends a JSON request and returns the response.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		h.t.Fatalf("marshal request body: %v", err)
	}
	resp, err := http.Post(h.server.URL+path, "application/json", strings.NewReader(string(data)))
	if err != nil {
		h.t.Fatalf("POST %s error: %v", path, err)
	}
	return resp
}

// GET sends a GET request and returns the response.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		h.t.Fatalf("GET %s error: %v", path, err)
	}
	return resp
}

// DecodeJSON asserts the response status and decodes the body into out.
func (h *TestHarness) DecodeJSON(resp *http.Response, wantStatus int, out any) {
	h.t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, wantStatus, body)
	}
	if out == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		h.t.Fatalf("decode response: %v", err)
	}
}

// CreateCase submits a case and asserts it was accepted as new.
func (h *TestHarness) CreateCase(caseID string, input map[string]any) {
	h.t.Helper()
	resp := h.POST("/v1/cases", map[string]any{"case_id": caseID, "input_payload": input})
	h.DecodeJSON(resp, http.StatusCreated, nil)
}

// WaitCaseStatus polls the case endpoint until the case reaches the wanted
// status and returns the final response body.
func (h *TestHarness) WaitCaseStatus(caseID, want string) map[string]any {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		var body struct {
			Case map[string]any `json:"case"`
		}
		resp := h.GET("/v1/cases/" + caseID)
		h.DecodeJSON(resp, http.StatusOK, &body)
		last, _ = body.Case["status"].(string)
		if last == want {
			var full map[string]any
			resp := h.GET("/v1/cases/" + caseID)
			h.DecodeJSON(resp, http.StatusOK, &full)
			return full
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("case %s status = %q, want %q", caseID, last, want)
	return nil
}

// Sweep runs the timeout sweep once, as the background sweeper would.
func (h *TestHarness) Sweep() int {
	h.t.Helper()
	n, err := h.Engine.SweepExpired(context.Background(), time.Now())
	if err != nil {
		h.t.Fatalf("SweepExpired error: %v", err)
	}
	return n
}

// SweepUntilTerminal sweeps repeatedly until the case leaves the running
// state.
func (h *TestHarness) SweepUntilTerminal(caseID string) map[string]any {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.Sweep()
		c, err := h.Store.GetCase(context.Background(), caseID)
		if err != nil {
			h.t.Fatalf("GetCase error: %v", err)
		}
		if model.CaseStatusIsTerminal(c.Status) {
			var full map[string]any
			resp := h.GET("/v1/cases/" + caseID)
			h.DecodeJSON(resp, http.StatusOK, &full)
			return full
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("case %s never reached a terminal status", caseID)
	return nil
}

// TaskByRole returns the case's task for a role.
func (h *TestHarness) TaskByRole(caseID, role string) model.Task {
	h.t.Helper()
	tasks, err := h.Store.ListTasks(context.Background(), caseID)
	if err != nil {
		h.t.Fatalf("ListTasks error: %v", err)
	}
	for _, task := range tasks {
		if task.Role == role {
			return task
		}
	}
	h.t.Fatalf("case %s has no task for role %q", caseID, role)
	return model.Task{}
}

// reportOf extracts the report object from a case response body.
func reportOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	report, ok := body["report"].(map[string]any)
	if !ok {
		t.Fatalf("case response has no report: %v", body)
	}
	return report
}

// missingFields extracts report.missing_fields as a sorted-insensitive set.
func missingFields(t *testing.T, report map[string]any) map[string]bool {
	t.Helper()
	raw, _ := report["missing_fields"].([]any)
	set := make(map[string]bool, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		set[s] = true
	}
	return set
}
