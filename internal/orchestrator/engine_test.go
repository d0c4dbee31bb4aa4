package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/directory"
	"github.com/pitabwire/caseflow/internal/dispatch"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/registry"
	"github.com/pitabwire/caseflow/internal/timeline"
	"github.com/pitabwire/caseflow/internal/topology"
	"github.com/pitabwire/caseflow/model"
)

// --- harness ---

type harness struct {
	store  *registry.MemoryCaseStore
	topo   *topology.Topology
	disp   *dispatch.Dispatcher
	inproc *dispatch.InProcTransport
	hub    *timeline.Hub
	cache  idempotency.Store
	engine *Engine
}

func dischargeTopology() config.TopologyConfig {
	return config.Defaults().Topology
}

// newHarness wires a full engine over the in-memory store and the in-process
// transport. workers maps role name to its worker; roles without an entry get
// an instant success worker returning {"role": <role>}.
func newHarness(t *testing.T, topoCfg config.TopologyConfig, retryCeiling int, workers map[string]dispatch.Worker) *harness {
	t.Helper()

	store := registry.NewMemoryCaseStore()
	topo, err := topology.New(topoCfg)
	if err != nil {
		t.Fatalf("topology.New error: %v", err)
	}

	dir := directory.New()
	reg := dispatch.NewWorkerRegistry()
	for _, role := range topo.Roles() {
		dir.Register(role.Name, "inproc://"+role.Name)
		w, ok := workers[role.Name]
		if !ok {
			name := role.Name
			w = dispatch.WorkerFunc(func(context.Context, dispatch.Request) (map[string]any, error) {
				return map[string]any{"role": name}, nil
			})
		}
		reg.Register(role.Name, w)
	}

	inproc := dispatch.NewInProcTransport(reg)
	disp := dispatch.New(dir, config.DispatchConfig{
		RetryCeiling: retryCeiling,
		Backoff: config.BackoffConfig{
			Initial:    2 * time.Millisecond,
			Max:        20 * time.Millisecond,
			Multiplier: 2,
		},
	}, zap.NewNop(), inproc)
	hub := timeline.NewHub(store, config.TimelineConfig{SubscriberBuffer: 64}, zap.NewNop(), nil, nil)
	cache := idempotency.NewMemoryStore()

	eng := New(store, topo, disp, hub, cache, Config{RetryCeiling: retryCeiling}, zap.NewNop(), nil)
	disp.Bind(eng)
	inproc.Bind(eng)

	t.Cleanup(func() {
		disp.Close()
		hub.Close()
	})
	return &harness{store: store, topo: topo, disp: disp, inproc: inproc, hub: hub, cache: cache, engine: eng}
}

func (h *harness) waitStatus(t *testing.T, caseID, want string) model.Case {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c, err := h.store.GetCase(context.Background(), caseID)
		if err == nil && c.Status == want {
			return c
		}
		if time.Now().After(deadline) {
			t.Fatalf("case %s status = %q, want %q", caseID, c.Status, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitTaskStatus(t *testing.T, caseID, role, want string) model.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task := h.taskByRole(t, caseID, role)
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s/%s status = %q, want %q", caseID, role, task.Status, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) taskByRole(t *testing.T, caseID, role string) model.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), caseID)
	if err != nil {
		t.Fatalf("ListTasks error: %v", err)
	}
	for _, task := range tasks {
		if task.Role == role {
			return task
		}
	}
	t.Fatalf("no task for role %q in case %s", role, caseID)
	return model.Task{}
}

func (h *harness) events(t *testing.T, caseID string) []model.TimelineEvent {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), caseID, 0, 0)
	if err != nil {
		t.Fatalf("ListEvents error: %v", err)
	}
	return events
}

// sweepUntil polls SweepExpired until at least one task is swept.
func (h *harness) sweepUntil(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := h.engine.SweepExpired(context.Background(), time.Now().UTC())
		if err != nil {
			t.Fatalf("SweepExpired error: %v", err)
		}
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep never found an expired task")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// blockingWorker parks until released or its delivery context is cancelled.
type blockingWorker struct {
	role    string
	release chan struct{}
	// ignoreCancel keeps the worker running past abort so its late callback
	// can be observed.
	ignoreCancel bool
}

func newBlockingWorker(role string) *blockingWorker {
	return &blockingWorker{role: role, release: make(chan struct{})}
}

func (w *blockingWorker) Handle(ctx context.Context, _ dispatch.Request) (map[string]any, error) {
	if w.ignoreCancel {
		<-w.release
		return map[string]any{"role": w.role, "late": true}, nil
	}
	select {
	case <-w.release:
		return map[string]any{"role": w.role}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// orderRecorder records the order worker deliveries start in.
type orderRecorder struct {
	mu    sync.Mutex
	roles []string
}

func (o *orderRecorder) worker(role string) dispatch.Worker {
	return dispatch.WorkerFunc(func(context.Context, dispatch.Request) (map[string]any, error) {
		o.mu.Lock()
		o.roles = append(o.roles, role)
		o.mu.Unlock()
		return map[string]any{"role": role}, nil
	})
}

func (o *orderRecorder) index(role string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, r := range o.roles {
		if r == role {
			return i
		}
	}
	return -1
}

// --- full-case scenarios ---

func TestEngine_AllRolesComplete(t *testing.T) {
	rec := &orderRecorder{}
	workers := map[string]dispatch.Worker{}
	for _, role := range []string{"pharmacy", "eligibility", "resource", "shelter", "transport", "reviewer"} {
		workers[role] = rec.worker(role)
	}
	h := newHarness(t, dischargeTopology(), 2, workers)

	res, err := h.engine.CreateCase(context.Background(), "case-a", map[string]any{"patient_id": "pt-100"})
	if err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}
	if !res.Created {
		t.Fatal("Created = false, want true")
	}
	if len(res.Tasks) != 6 {
		t.Fatalf("len(Tasks) = %d, want 6", len(res.Tasks))
	}

	h.waitStatus(t, "case-a", model.CaseStatusCompleted)

	report, err := h.engine.Report(context.Background(), "case-a")
	if err != nil {
		t.Fatalf("Report error: %v", err)
	}
	if !report.Completeness {
		t.Error("Completeness = false, want true")
	}
	if len(report.MissingFields) != 0 {
		t.Errorf("MissingFields = %v, want empty", report.MissingFields)
	}
	if len(report.Results) != 6 {
		t.Fatalf("len(Results) = %d, want 6", len(report.Results))
	}
	for _, r := range report.Results {
		if r.Status != model.TaskStatusCompleted {
			t.Errorf("role %s status = %q, want completed", r.Role, r.Status)
		}
		if r.Payload == nil {
			t.Errorf("role %s has no payload", r.Role)
		}
	}

	// Dependents never start before shelter does.
	if si, ri, ti := rec.index("shelter"), rec.index("resource"), rec.index("transport"); si > ri || si > ti {
		t.Errorf("delivery order %v: shelter must precede resource and transport", rec.roles)
	}
}

func TestEngine_CriticalRoleTimeout(t *testing.T) {
	topoCfg := dischargeTopology()
	for i := range topoCfg.Roles {
		if topoCfg.Roles[i].Name == "shelter" {
			topoCfg.Roles[i].Timeout = 20 * time.Millisecond
		}
	}
	h := newHarness(t, topoCfg, 2, map[string]dispatch.Worker{
		"shelter": newBlockingWorker("shelter"),
	})

	if _, err := h.engine.CreateCase(context.Background(), "case-b", nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}

	h.sweepUntil(t)
	c := h.waitStatus(t, "case-b", model.CaseStatusFailed)

	shelter := h.taskByRole(t, c.ID, "shelter")
	if shelter.Status != model.TaskStatusTimedOut {
		t.Errorf("shelter status = %q, want timed_out", shelter.Status)
	}
	for _, role := range []string{"resource", "transport"} {
		task := h.taskByRole(t, c.ID, role)
		if task.Status != model.TaskStatusSkipped {
			t.Errorf("%s status = %q, want skipped", role, task.Status)
		}
		if !strings.Contains(task.FailureReason, "unmet dependencies: shelter") {
			t.Errorf("%s failure reason = %q, want the unmet dependency named", role, task.FailureReason)
		}
	}

	report, err := h.engine.Report(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Report error: %v", err)
	}
	if report.Completeness {
		t.Error("Completeness = true, want false")
	}
	want := map[string]bool{"resource": true, "shelter": true, "transport": true}
	if len(report.MissingFields) != len(want) {
		t.Fatalf("MissingFields = %v, want resource, shelter, transport", report.MissingFields)
	}
	for _, f := range report.MissingFields {
		if !want[f] {
			t.Errorf("unexpected missing field %q", f)
		}
	}
}

func TestEngine_NonCriticalFailsAfterRetries(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	h := newHarness(t, dischargeTopology(), 2, map[string]dispatch.Worker{
		"eligibility": dispatch.WorkerFunc(func(context.Context, dispatch.Request) (map[string]any, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New("payer system unavailable")
		}),
	})

	if _, err := h.engine.CreateCase(context.Background(), "case-c", nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}
	c := h.waitStatus(t, "case-c", model.CaseStatusPartial)

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 2 {
		t.Errorf("eligibility attempts = %d, want 2", got)
	}

	elig := h.taskByRole(t, c.ID, "eligibility")
	if elig.Status != model.TaskStatusFailed {
		t.Errorf("eligibility status = %q, want failed", elig.Status)
	}
	if elig.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", elig.AttemptCount)
	}

	report, err := h.engine.Report(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Report error: %v", err)
	}
	if len(report.MissingFields) != 1 || report.MissingFields[0] != "eligibility" {
		t.Errorf("MissingFields = %v, want [eligibility]", report.MissingFields)
	}
}

func TestEngine_AbortFreezesLateCompletion(t *testing.T) {
	transportWorker := newBlockingWorker("transport")
	transportWorker.ignoreCancel = true
	h := newHarness(t, dischargeTopology(), 2, map[string]dispatch.Worker{
		"transport": transportWorker,
	})

	if _, err := h.engine.CreateCase(context.Background(), "case-d", nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}
	h.waitTaskStatus(t, "case-d", "transport", model.TaskStatusInProgress)

	c, err := h.engine.Abort(context.Background(), "case-d")
	if err != nil {
		t.Fatalf("Abort error: %v", err)
	}
	if c.Status != model.CaseStatusAborted {
		t.Fatalf("status = %q, want aborted", c.Status)
	}

	// The worker finishes after the abort; its result is audit-only.
	before := len(h.events(t, "case-d"))
	close(transportWorker.release)

	deadline := time.Now().Add(3 * time.Second)
	for len(h.events(t, "case-d")) <= before {
		if time.Now().After(deadline) {
			t.Fatal("late callback never reached the timeline")
		}
		time.Sleep(2 * time.Millisecond)
	}

	c2, err := h.store.GetCase(context.Background(), "case-d")
	if err != nil {
		t.Fatalf("GetCase error: %v", err)
	}
	if c2.Status != model.CaseStatusAborted {
		t.Errorf("status after late callback = %q, want aborted", c2.Status)
	}
	task := h.taskByRole(t, "case-d", "transport")
	if task.Status != model.TaskStatusInProgress {
		t.Errorf("transport task status = %q, want frozen in_progress", task.Status)
	}
	if task.ResultPayload != nil {
		t.Error("late payload was stored on the frozen task")
	}

	// Aborting again is a no-op.
	again, err := h.engine.Abort(context.Background(), "case-d")
	if err != nil {
		t.Fatalf("second Abort error: %v", err)
	}
	if again.Status != model.CaseStatusAborted {
		t.Errorf("second Abort status = %q, want aborted", again.Status)
	}
}

// --- resubmission ---

func TestEngine_DuplicateActiveRejected(t *testing.T) {
	h := newHarness(t, dischargeTopology(), 2, map[string]dispatch.Worker{
		"shelter": newBlockingWorker("shelter"),
	})

	if _, err := h.engine.CreateCase(context.Background(), "case-dup", nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}

	_, err := h.engine.CreateCase(context.Background(), "case-dup", nil)
	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) || envelope.Code != model.ErrDuplicateCase {
		t.Fatalf("resubmission error = %v, want DUPLICATE_CASE", err)
	}
}

func TestEngine_TerminalResubmissionReturnsOutcome(t *testing.T) {
	h := newHarness(t, dischargeTopology(), 2, nil)

	if _, err := h.engine.CreateCase(context.Background(), "case-r", nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}
	h.waitStatus(t, "case-r", model.CaseStatusCompleted)

	check := func(t *testing.T) {
		res, err := h.engine.CreateCase(context.Background(), "case-r", map[string]any{"different": "input"})
		if err != nil {
			t.Fatalf("resubmission error: %v", err)
		}
		if res.Created {
			t.Error("Created = true, want false")
		}
		if res.Outcome == nil || res.Outcome.Status != model.CaseStatusCompleted {
			t.Fatalf("Outcome = %+v, want completed", res.Outcome)
		}
		if res.Outcome.Report == nil || len(res.Outcome.Report.Results) != 6 {
			t.Error("resubmission outcome carries no full report")
		}
		if h.store.Len() != 1 {
			t.Errorf("store has %d cases, want 1 (no duplicate tasks)", h.store.Len())
		}
	}

	t.Run("cache warm", check)

	// Cold path: the outcome is rebuilt from the store.
	h.engine.cache = idempotency.NewMemoryStore()
	t.Run("cache cold", check)
}

// --- concurrency ---

func TestEngine_ConcurrentCompletionCallbacks(t *testing.T) {
	topoCfg := config.TopologyConfig{
		DefaultTimeout: time.Minute,
		Roles: []config.RoleConfig{
			{Name: "left"},
			{Name: "right"},
			{Name: "join", DependsOn: []string{"left", "right"}, Critical: true},
		},
	}

	for i := 0; i < 25; i++ {
		h := newHarness(t, topoCfg, 2, map[string]dispatch.Worker{
			"left":  newBlockingWorker("left"),
			"right": newBlockingWorker("right"),
		})

		caseID := "case-race"
		if _, err := h.engine.CreateCase(context.Background(), caseID, nil); err != nil {
			t.Fatalf("CreateCase error: %v", err)
		}
		left := h.waitTaskStatus(t, caseID, "left", model.TaskStatusInProgress)
		right := h.waitTaskStatus(t, caseID, "right", model.TaskStatusInProgress)

		var wg sync.WaitGroup
		for _, id := range []string{left.ID, right.ID} {
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				applied, err := h.engine.ApplyResult(context.Background(), taskID, map[string]any{"ok": true})
				if err != nil {
					t.Errorf("ApplyResult error: %v", err)
				}
				if !applied {
					t.Error("ApplyResult reported not applied")
				}
			}(id)
		}
		wg.Wait()

		h.waitStatus(t, caseID, model.CaseStatusCompleted)
		join := h.taskByRole(t, caseID, "join")
		if join.Status != model.TaskStatusCompleted {
			t.Fatalf("join status = %q, want completed (lost eligibility transition)", join.Status)
		}
		if join.AttemptCount != 0 {
			t.Fatalf("join dispatched %d extra times", join.AttemptCount)
		}
	}
}

// --- timeline causality ---

func TestEngine_TimelineCausalOrder(t *testing.T) {
	h := newHarness(t, dischargeTopology(), 2, nil)

	if _, err := h.engine.CreateCase(context.Background(), "case-t", nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}
	h.waitStatus(t, "case-t", model.CaseStatusCompleted)

	events := h.events(t, "case-t")
	shelterDone, resourceEligible := -1, -1
	var lastSeq int64
	for i, ev := range events {
		if ev.Seq <= lastSeq {
			t.Fatalf("event %d seq %d not increasing", i, ev.Seq)
		}
		lastSeq = ev.Seq
		if ev.Role == "shelter" && ev.Status == model.TaskStatusCompleted && shelterDone == -1 {
			shelterDone = i
		}
		if ev.Role == "resource" && ev.Status == model.TaskStatusEligible && resourceEligible == -1 {
			resourceEligible = i
		}
	}
	if shelterDone == -1 || resourceEligible == -1 {
		t.Fatal("expected shelter completion and resource eligibility events")
	}
	if shelterDone > resourceEligible {
		t.Errorf("shelter completed at %d after resource eligible at %d", shelterDone, resourceEligible)
	}
}

// --- restart resume ---

func TestEngine_ResumeSweepsAndFinishes(t *testing.T) {
	topoCfg := dischargeTopology()
	for i := range topoCfg.Roles {
		if topoCfg.Roles[i].Name == "shelter" {
			topoCfg.Roles[i].Timeout = 10 * time.Millisecond
		}
	}
	h := newHarness(t, topoCfg, 2, map[string]dispatch.Worker{
		"shelter": newBlockingWorker("shelter"),
	})

	if _, err := h.engine.CreateCase(context.Background(), "case-resume", nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}
	h.waitTaskStatus(t, "case-resume", "pharmacy", model.TaskStatusCompleted)
	h.waitTaskStatus(t, "case-resume", "shelter", model.TaskStatusInProgress)

	// Simulate a restart: a second engine comes up over the same store,
	// which still holds the shelter task in flight past its deadline. The
	// first stack stays parked; closing it here would fire the blocked
	// worker's failure callback and reset the task before resume runs.
	time.Sleep(20 * time.Millisecond)

	h2 := &harness{store: h.store}
	topo, err := topology.New(topoCfg)
	if err != nil {
		t.Fatalf("topology.New error: %v", err)
	}
	dir := directory.New()
	reg := dispatch.NewWorkerRegistry()
	for _, role := range topo.Roles() {
		dir.Register(role.Name, "inproc://"+role.Name)
		name := role.Name
		reg.Register(role.Name, dispatch.WorkerFunc(func(context.Context, dispatch.Request) (map[string]any, error) {
			return map[string]any{"role": name}, nil
		}))
	}
	inproc := dispatch.NewInProcTransport(reg)
	disp := dispatch.New(dir, config.DispatchConfig{
		RetryCeiling: 2,
		Backoff:      config.BackoffConfig{Initial: 2 * time.Millisecond, Multiplier: 2},
	}, zap.NewNop(), inproc)
	hub := timeline.NewHub(h.store, config.TimelineConfig{}, zap.NewNop(), nil, nil)
	h2.engine = New(h.store, topo, disp, hub, nil, Config{RetryCeiling: 2}, zap.NewNop(), nil)
	disp.Bind(h2.engine)
	inproc.Bind(h2.engine)
	t.Cleanup(func() {
		disp.Close()
		hub.Close()
	})

	if err := h2.engine.Resume(context.Background()); err != nil {
		t.Fatalf("Resume error: %v", err)
	}

	c := h2.waitStatus(t, "case-resume", model.CaseStatusFailed)
	shelter := h2.taskByRole(t, c.ID, "shelter")
	if shelter.Status != model.TaskStatusTimedOut {
		t.Errorf("shelter status after resume = %q, want timed_out", shelter.Status)
	}
	for _, role := range []string{"resource", "transport"} {
		if task := h2.taskByRole(t, c.ID, role); task.Status != model.TaskStatusSkipped {
			t.Errorf("%s status after resume = %q, want skipped", role, task.Status)
		}
	}
}

// --- report access ---

func TestEngine_ReportWhileActiveConflicts(t *testing.T) {
	h := newHarness(t, dischargeTopology(), 2, map[string]dispatch.Worker{
		"shelter": newBlockingWorker("shelter"),
	})

	if _, err := h.engine.CreateCase(context.Background(), "case-p", nil); err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}

	_, err := h.engine.Report(context.Background(), "case-p")
	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) || envelope.Code != model.ErrConflict {
		t.Fatalf("Report error = %v, want CONFLICT", err)
	}

	if _, err := h.engine.Abort(context.Background(), "case-p"); err != nil {
		t.Fatalf("Abort error: %v", err)
	}
	_, err = h.engine.Report(context.Background(), "case-p")
	if !errors.As(err, &envelope) || envelope.Code != model.ErrConflict {
		t.Fatalf("Report after abort error = %v, want CONFLICT", err)
	}
}

func TestEngine_GeneratedCaseID(t *testing.T) {
	h := newHarness(t, dischargeTopology(), 2, nil)

	res, err := h.engine.CreateCase(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("CreateCase error: %v", err)
	}
	if res.Case.ID == "" {
		t.Fatal("no case ID generated")
	}
	h.waitStatus(t, res.Case.ID, model.CaseStatusCompleted)
}
