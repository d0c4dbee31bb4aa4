// Package orchestrator drives discharge cases through their lifecycle. The
// engine creates the task set from the role topology, dispatches eligible
// tasks, applies worker callbacks, propagates skips from roles that can no
// longer complete, and verifies the final outcome once every task settles.
//
// All case and task transitions happen under a per-case lock, so writes
// and their timeline events stay ordered per case. The engine owns task
// state exclusively; the dispatcher only delivers and the monitor only
// observes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/dispatch"
	"github.com/pitabwire/caseflow/internal/graph"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/registry"
	"github.com/pitabwire/caseflow/internal/timeline"
	"github.com/pitabwire/caseflow/internal/topology"
	"github.com/pitabwire/caseflow/internal/verify"
	"github.com/pitabwire/caseflow/model"
)

// Config carries the engine settings not owned by other components.
type Config struct {
	// RetryCeiling is the attempt-failure count at which a task stops
	// being retried and fails. Zero means a single attempt.
	RetryCeiling int
	// CallbackURL is the externally reachable base URL workers post
	// their outcomes to. Empty when only in-process workers run.
	CallbackURL string
	// OutcomeTTL bounds how long terminal outcomes stay in the
	// idempotency cache. Zero or negative means no expiry.
	OutcomeTTL time.Duration
}

// Engine is the case orchestration core.
type Engine struct {
	store      registry.CaseStore
	topo       *topology.Topology
	dispatcher *dispatch.Dispatcher
	hub        *timeline.Hub
	cache      idempotency.Store
	cfg        Config
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// The engine receives delivery outcomes from the dispatcher and worker
// callbacks from every transport.
var (
	_ dispatch.Events       = (*Engine)(nil)
	_ dispatch.CallbackSink = (*Engine)(nil)
)

// New creates the engine. The cache and metrics may be nil.
func New(
	store registry.CaseStore,
	topo *topology.Topology,
	dispatcher *dispatch.Dispatcher,
	hub *timeline.Hub,
	cache idempotency.Store,
	cfg Config,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		store:      store,
		topo:       topo,
		dispatcher: dispatcher,
		hub:        hub,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		locks:      make(map[string]*sync.Mutex),
	}
}

// CreateResult is the outcome of a CreateCase call.
type CreateResult struct {
	Case  model.Case
	Tasks []model.Task
	// Created is false when the case already existed; the caller then
	// answers with Outcome instead of the fresh representation.
	Created bool
	// Outcome is the recorded terminal outcome for a resubmission of a
	// finished case.
	Outcome *idempotency.Outcome
}

// CreateCase registers a new case and starts it: one task per declared
// role, dependency-free tasks dispatched immediately. Resubmitting a
// finished case returns its recorded outcome; resubmitting an active one
// is a DUPLICATE_CASE error. An empty caseID gets a generated one.
func (e *Engine) CreateCase(ctx context.Context, caseID string, input map[string]any) (res CreateResult, err error) {
	if caseID == "" {
		caseID = uuid.NewString()
	}

	ctx, span := observability.StartSpan(ctx, "orchestrator.create_case",
		observability.AttrCaseID.String(caseID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. A finished case answers resubmission with its recorded outcome.
	if e.cache != nil {
		outcome, found, cerr := e.cache.Check(ctx, caseID)
		switch {
		case cerr != nil:
			e.logger.Warn("orchestrator: outcome cache check failed",
				zap.String("case_id", caseID), zap.Error(cerr))
		case found:
			if e.metrics != nil {
				e.metrics.RecordIdempotencyHit()
			}
			return CreateResult{Case: model.Case{ID: caseID, Status: outcome.Status}, Outcome: outcome}, nil
		default:
			if e.metrics != nil {
				e.metrics.RecordIdempotencyMiss()
			}
		}
	}

	l := e.lockCase(caseID)
	var c model.Case
	defer func() { e.releaseCase(caseID, l, c.Status) }()

	// 2. Persist the case with one task per declared role.
	now := time.Now().UTC()
	c = model.Case{
		ID:           caseID,
		Status:       model.CaseStatusCreated,
		InputPayload: input,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	roles := e.topo.Roles()
	tasks := make([]model.Task, 0, len(roles))
	for i, role := range roles {
		tasks = append(tasks, model.Task{
			ID:           uuid.NewString(),
			CaseID:       caseID,
			Role:         role.Name,
			Ordinal:      i,
			Status:       e.topo.InitialStatus(role.Name),
			Dependencies: role.DependsOn,
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
		})
	}
	if cerr := e.store.CreateCase(ctx, c, tasks); cerr != nil {
		res, err = e.resolveDuplicate(ctx, caseID, cerr)
		if res.Case.ID != "" {
			c = res.Case
		}
		return res, err
	}
	if e.metrics != nil {
		e.metrics.RecordCaseCreated()
	}
	e.logger.Info("orchestrator: case created",
		zap.String("case_id", caseID),
		zap.Int("tasks", len(tasks)),
	)
	e.publishEvent(ctx, caseID, "", model.CaseStatusCreated, "")

	// 3. Start running and dispatch the initial wave.
	c.Status = model.CaseStatusRunning
	if err = e.saveCase(ctx, &c); err != nil {
		return CreateResult{}, err
	}
	e.publishEvent(ctx, caseID, "", model.CaseStatusRunning, "")
	if err = e.dispatchEligible(ctx, &c); err != nil {
		return CreateResult{}, err
	}

	tasks, err = e.store.ListTasks(ctx, caseID)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Case: c, Tasks: tasks, Created: true}, nil
}

// resolveDuplicate answers a CreateCase collision: finished cases return
// their recorded outcome, active ones a DUPLICATE_CASE error.
func (e *Engine) resolveDuplicate(ctx context.Context, caseID string, createErr error) (CreateResult, error) {
	var envelope *model.ErrorEnvelope
	if !errors.As(createErr, &envelope) || envelope.Code != model.ErrDuplicateCase {
		return CreateResult{}, createErr
	}
	existing, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return CreateResult{}, createErr
	}
	if !model.CaseStatusIsTerminal(existing.Status) {
		return CreateResult{}, model.NewDuplicateCaseError(caseID)
	}

	outcome := idempotency.Outcome{CaseID: caseID, Status: existing.Status}
	if existing.Status != model.CaseStatusAborted {
		tasks, err := e.store.ListTasks(ctx, caseID)
		if err != nil {
			return CreateResult{}, err
		}
		report := verify.BuildReport(existing, e.topo, tasks)
		outcome.Report = &report
	}
	e.cacheOutcome(ctx, outcome)
	return CreateResult{Case: existing, Outcome: &outcome}, nil
}

// GetCase returns a case and its tasks in declaration order.
func (e *Engine) GetCase(ctx context.Context, caseID string) (model.Case, []model.Task, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return model.Case{}, nil, err
	}
	tasks, err := e.store.ListTasks(ctx, caseID)
	if err != nil {
		return model.Case{}, nil, err
	}
	return c, tasks, nil
}

// ListCases returns cases matching the filters, newest first.
func (e *Engine) ListCases(ctx context.Context, filters registry.CaseFilters) ([]model.Case, error) {
	return e.store.ListCases(ctx, filters)
}

// Timeline returns a page of a case's timeline events after the cursor.
func (e *Engine) Timeline(ctx context.Context, caseID string, afterSeq int64, limit int) ([]model.TimelineEvent, error) {
	if _, err := e.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, caseID, afterSeq, limit)
}

// Report returns the final report of a finished case. Asking while the
// case is still active is a CONFLICT; aborted cases carry no report.
func (e *Engine) Report(ctx context.Context, caseID string) (model.FinalReport, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return model.FinalReport{}, err
	}
	if !model.CaseStatusIsTerminal(c.Status) {
		return model.FinalReport{}, model.NewConflictError(
			fmt.Sprintf("case %q is still %s", caseID, c.Status),
		)
	}
	if c.Status == model.CaseStatusAborted {
		return model.FinalReport{}, model.NewConflictError(
			fmt.Sprintf("case %q was aborted and has no report", caseID),
		)
	}
	tasks, err := e.store.ListTasks(ctx, caseID)
	if err != nil {
		return model.FinalReport{}, err
	}
	return verify.BuildReport(c, e.topo, tasks), nil
}

// Abort moves an active case to aborted, cancels its in-flight deliveries
// and retry timers, and freezes its tasks as they stand. Worker outcomes
// that still arrive are recorded as audit events only. Aborting a finished
// case is a no-op returning the current state.
func (e *Engine) Abort(ctx context.Context, caseID string) (c model.Case, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.abort",
		observability.AttrCaseID.String(caseID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	l := e.lockCase(caseID)
	c, err = e.store.GetCase(ctx, caseID)
	if err != nil {
		l.Unlock()
		return model.Case{}, err
	}
	defer func() { e.releaseCase(caseID, l, c.Status) }()

	if model.CaseStatusIsTerminal(c.Status) {
		return c, nil
	}

	prior := c.Status
	c.Status = model.CaseStatusAborted
	if err = e.saveCase(ctx, &c); err != nil {
		return model.Case{}, err
	}
	e.publishEvent(ctx, caseID, "", model.CaseStatusAborted, "aborted while "+prior)
	e.dispatcher.CancelCase(caseID)
	if e.metrics != nil {
		e.metrics.RecordCaseFinished(model.CaseStatusAborted, time.Since(c.CreatedAt))
		// Frozen in-flight tasks will never get a counted callback.
		if tasks, lerr := e.store.ListTasks(ctx, caseID); lerr == nil {
			for _, task := range tasks {
				if model.TaskStatusInFlight(task.Status) {
					e.metrics.RecordTaskSettled(task.Role)
				}
			}
		}
	}
	e.cacheOutcome(ctx, idempotency.Outcome{CaseID: caseID, Status: model.CaseStatusAborted})
	e.logger.Info("orchestrator: case aborted",
		zap.String("case_id", caseID),
		zap.String("prior_status", prior),
	)
	return c, nil
}

// ApplyResult applies a worker completion callback. It reports false when
// the attempt is no longer in flight; the callback is then recorded on
// the timeline as an audit event and no state changes.
func (e *Engine) ApplyResult(ctx context.Context, taskID string, payload map[string]any) (applied bool, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.apply_result",
		observability.AttrTaskID.String(taskID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	c, task, l, err := e.lockTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	defer func() { e.releaseCase(c.ID, l, c.Status) }()

	if model.CaseStatusIsTerminal(c.Status) || !model.TaskStatusInFlight(task.Status) {
		e.auditLateCallback(ctx, &c, &task, model.TaskStatusCompleted, "")
		return false, nil
	}

	task.Status = model.TaskStatusCompleted
	task.ResultPayload = payload
	task.FailureReason = ""
	if err = e.saveTask(ctx, &task); err != nil {
		return false, err
	}
	e.publishEvent(ctx, c.ID, task.Role, model.TaskStatusCompleted, "")
	if e.metrics != nil {
		e.metrics.RecordTaskSettled(task.Role)
	}
	e.recordOutcome(&task)

	if err = e.advanceCase(ctx, &c, task.Role, model.TaskStatusCompleted); err != nil {
		return true, err
	}
	return true, nil
}

// ApplyFailure applies a worker failure callback under the retry policy.
// It reports false when the attempt is no longer in flight; the callback
// is then recorded on the timeline as an audit event and no state changes.
func (e *Engine) ApplyFailure(ctx context.Context, taskID, reason string) (applied bool, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.apply_failure",
		observability.AttrTaskID.String(taskID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	c, task, l, err := e.lockTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	defer func() { e.releaseCase(c.ID, l, c.Status) }()

	if model.CaseStatusIsTerminal(c.Status) || !model.TaskStatusInFlight(task.Status) {
		e.auditLateCallback(ctx, &c, &task, model.TaskStatusFailed, reason)
		return false, nil
	}

	if err = e.failAttempt(ctx, &c, &task, reason); err != nil {
		return true, err
	}
	return true, nil
}

// OnResult implements dispatch.CallbackSink for in-process workers.
func (e *Engine) OnResult(ctx context.Context, taskID string, payload map[string]any) error {
	_, err := e.ApplyResult(ctx, taskID, payload)
	return err
}

// OnFailure implements dispatch.CallbackSink for in-process workers.
func (e *Engine) OnFailure(ctx context.Context, taskID string, reason string) error {
	_, err := e.ApplyFailure(ctx, taskID, reason)
	return err
}

// DeliveryAcked implements dispatch.Events. The worker acknowledged the
// attempt and will report its outcome through a callback.
func (e *Engine) DeliveryAcked(ctx context.Context, caseID, taskID string) {
	l := e.lockCase(caseID)
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		l.Unlock()
		e.logger.Warn("orchestrator: ack for unknown case",
			zap.String("case_id", caseID), zap.Error(err))
		return
	}
	defer func() { e.releaseCase(caseID, l, c.Status) }()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Warn("orchestrator: ack for unknown task",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	// The ack may lose its race against the callback, a timeout, or an
	// abort; the later transition stands.
	if model.CaseStatusIsTerminal(c.Status) || task.Status != model.TaskStatusDispatched {
		return
	}

	task.Status = model.TaskStatusInProgress
	if err := e.saveTask(ctx, &task); err != nil {
		e.logger.Error("orchestrator: ack persist failed",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	e.publishEvent(ctx, caseID, task.Role, model.TaskStatusInProgress, "")
}

// DeliveryFailed implements dispatch.Events. The attempt never reached a
// worker and counts as an attempt failure under the retry policy.
func (e *Engine) DeliveryFailed(ctx context.Context, caseID, taskID string, derr error) {
	l := e.lockCase(caseID)
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		l.Unlock()
		e.logger.Warn("orchestrator: delivery failure for unknown case",
			zap.String("case_id", caseID), zap.Error(err))
		return
	}
	defer func() { e.releaseCase(caseID, l, c.Status) }()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Warn("orchestrator: delivery failure for unknown task",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if model.CaseStatusIsTerminal(c.Status) || !model.TaskStatusInFlight(task.Status) {
		return
	}

	if err := e.failAttempt(ctx, &c, &task, derr.Error()); err != nil {
		e.logger.Error("orchestrator: delivery failure handling failed",
			zap.String("case_id", caseID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// SweepExpired times out every in-flight task whose deadline passed and
// returns how many it settled. Runs periodically and once at startup.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.FindExpiredTasks(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, stale := range expired {
		if e.sweepTask(ctx, stale.CaseID, stale.ID, now) {
			swept++
		}
	}
	if swept > 0 {
		e.logger.Info("orchestrator: sweep timed out tasks", zap.Int("count", swept))
	}
	return swept, nil
}

// sweepTask re-checks one expired task under its case lock and applies
// the timeout. Timed-out tasks are never retried.
func (e *Engine) sweepTask(ctx context.Context, caseID, taskID string, now time.Time) bool {
	l := e.lockCase(caseID)
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		l.Unlock()
		return false
	}
	defer func() { e.releaseCase(caseID, l, c.Status) }()

	if model.CaseStatusIsTerminal(c.Status) {
		return false
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	// A callback may have settled the task between the scan and the lock.
	if !model.TaskStatusInFlight(task.Status) || task.Deadline == nil || !task.Deadline.Before(now) {
		return false
	}

	task.Status = model.TaskStatusTimedOut
	task.FailureReason = model.NewTaskTimeoutError(task.ID).Message
	if err := e.saveTask(ctx, &task); err != nil {
		e.logger.Error("orchestrator: timeout persist failed",
			zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	e.publishEvent(ctx, caseID, task.Role, model.TaskStatusTimedOut, task.FailureReason)
	if e.metrics != nil {
		e.metrics.RecordTaskSettled(task.Role)
	}
	e.recordOutcome(&task)
	e.logger.Warn("orchestrator: task timed out",
		zap.String("case_id", caseID),
		zap.String("task_id", taskID),
		zap.String("role", task.Role),
	)

	if err := e.advanceCase(ctx, &c, task.Role, model.TaskStatusTimedOut); err != nil {
		e.logger.Error("orchestrator: advance after timeout failed",
			zap.String("case_id", caseID), zap.Error(err))
	}
	return true
}

// Resume reconciles persisted state after a restart: expired tasks are
// timed out, interrupted cases progress again, and cases whose tasks all
// settled while the service was down get verified.
func (e *Engine) Resume(ctx context.Context) error {
	if _, err := e.SweepExpired(ctx, time.Now().UTC()); err != nil {
		return err
	}
	active, err := e.store.FindActiveCases(ctx)
	if err != nil {
		return err
	}
	for _, c := range active {
		if err := e.resumeCase(ctx, c.ID); err != nil {
			e.logger.Error("orchestrator: resume failed",
				zap.String("case_id", c.ID), zap.Error(err))
		}
	}
	if len(active) > 0 {
		e.logger.Info("orchestrator: resumed active cases", zap.Int("count", len(active)))
	}
	return nil
}

// resumeCase re-applies whatever follow-up work a crash may have cut
// short: skips owed to settled failures, promotions owed to settled
// completions, dispatch of eligible tasks, and verification.
func (e *Engine) resumeCase(ctx context.Context, caseID string) error {
	l := e.lockCase(caseID)
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		l.Unlock()
		return err
	}
	defer func() { e.releaseCase(caseID, l, c.Status) }()

	switch {
	case model.CaseStatusIsTerminal(c.Status):
		return nil
	case c.Status == model.CaseStatusCreated:
		c.Status = model.CaseStatusRunning
		if err := e.saveCase(ctx, &c); err != nil {
			return err
		}
		e.publishEvent(ctx, caseID, "", model.CaseStatusRunning, "resumed after restart")
	case c.Status == model.CaseStatusVerifying:
		tasks, err := e.store.ListTasks(ctx, caseID)
		if err != nil {
			return err
		}
		return e.finalize(ctx, &c, tasks)
	}

	tasks, err := e.store.ListTasks(ctx, caseID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status == model.TaskStatusFailed || task.Status == model.TaskStatusTimedOut {
			if err := e.applySkips(ctx, &c, task.Role, task.Status); err != nil {
				return err
			}
		}
	}

	tasks, err = e.store.ListTasks(ctx, caseID)
	if err != nil {
		return err
	}
	for _, ready := range graph.NewlyEligible(tasks) {
		i := taskIndex(tasks, ready.ID)
		tasks[i].Status = model.TaskStatusEligible
		if err := e.saveTask(ctx, &tasks[i]); err != nil {
			return err
		}
		e.publishEvent(ctx, caseID, tasks[i].Role, model.TaskStatusEligible, "dependencies satisfied")
	}

	// Retry timers did not survive the restart, so eligible covers
	// pending retries too; they go out again immediately.
	if err := e.dispatchEligible(ctx, &c); err != nil {
		return err
	}
	return e.maybeVerify(ctx, &c)
}

// --- Locked transition helpers ---

// dispatchEligible dispatches every eligible task of the case in
// declaration order. Caller holds the case lock.
func (e *Engine) dispatchEligible(ctx context.Context, c *model.Case) error {
	tasks, err := e.store.ListTasks(ctx, c.ID)
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].Status != model.TaskStatusEligible {
			continue
		}
		if err := e.dispatchTask(ctx, c, &tasks[i], tasks); err != nil {
			return err
		}
	}
	return nil
}

// dispatchTask moves an eligible task to dispatched and hands it to the
// dispatcher. A synchronous dispatch error counts as an attempt failure.
// Caller holds the case lock.
func (e *Engine) dispatchTask(ctx context.Context, c *model.Case, task *model.Task, tasks []model.Task) error {
	now := time.Now().UTC()
	deadline := now.Add(e.topo.Timeout(task.Role))
	task.Status = model.TaskStatusDispatched
	task.DispatchedAt = &now
	task.Deadline = &deadline
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}
	e.publishEvent(ctx, c.ID, task.Role, model.TaskStatusDispatched,
		fmt.Sprintf("attempt %d", task.AttemptCount+1))
	if e.metrics != nil {
		e.metrics.RecordTaskDispatched(task.Role)
	}

	req := dispatch.Request{
		CaseID:             c.ID,
		TaskID:             task.ID,
		Role:               task.Role,
		Attempt:            task.AttemptCount + 1,
		Input:              c.InputPayload,
		DependencyPayloads: graph.DependencyPayloads(tasks, task.Role),
		CallbackURL:        e.callbackURL(task.ID),
	}
	if err := e.dispatcher.Dispatch(ctx, req); err != nil {
		e.logger.Warn("orchestrator: dispatch rejected",
			zap.String("case_id", c.ID),
			zap.String("task_id", task.ID),
			zap.String("role", task.Role),
			zap.Error(err),
		)
		return e.failAttempt(ctx, c, task, err.Error())
	}
	return nil
}

// failAttempt applies one attempt failure: re-dispatch after backoff
// below the retry ceiling, terminal failure at it. Caller holds the case
// lock; the task must be in flight or freshly dispatched.
func (e *Engine) failAttempt(ctx context.Context, c *model.Case, task *model.Task, reason string) error {
	if e.metrics != nil && model.TaskStatusInFlight(task.Status) {
		e.metrics.RecordTaskSettled(task.Role)
	}

	task.AttemptCount++
	if task.AttemptCount < e.cfg.RetryCeiling {
		task.Status = model.TaskStatusEligible
		task.DispatchedAt = nil
		task.Deadline = nil
		if err := e.saveTask(ctx, task); err != nil {
			return err
		}
		delay := e.dispatcher.ScheduleRetry(c.ID, task.ID, task.AttemptCount, e.redispatch(task.ID))
		e.publishEvent(ctx, c.ID, task.Role, model.TaskStatusEligible,
			fmt.Sprintf("attempt %d failed: %s; retry in %s",
				task.AttemptCount, reason, delay.Round(time.Millisecond)))
		if e.metrics != nil {
			e.metrics.RecordDispatchRetry(task.Role)
		}
		return nil
	}

	task.Status = model.TaskStatusFailed
	task.FailureReason = reason
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}
	e.publishEvent(ctx, c.ID, task.Role, model.TaskStatusFailed,
		fmt.Sprintf("attempt %d failed: %s", task.AttemptCount, reason))
	e.recordOutcome(task)
	e.logger.Warn("orchestrator: task failed",
		zap.String("case_id", c.ID),
		zap.String("task_id", task.ID),
		zap.String("role", task.Role),
		zap.Int("attempts", task.AttemptCount),
		zap.String("reason", reason),
	)
	return e.advanceCase(ctx, c, task.Role, model.TaskStatusFailed)
}

// redispatch returns the callback the dispatcher's retry timer runs. It
// re-checks state under the case lock; the retry is skipped when the case
// finished or the task moved on in the meantime.
func (e *Engine) redispatch(taskID string) func() {
	return func() {
		ctx := context.Background()
		ref, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			e.logger.Warn("orchestrator: retry lookup failed",
				zap.String("task_id", taskID), zap.Error(err))
			return
		}

		l := e.lockCase(ref.CaseID)
		c, err := e.store.GetCase(ctx, ref.CaseID)
		if err != nil {
			l.Unlock()
			e.logger.Warn("orchestrator: retry case lookup failed",
				zap.String("case_id", ref.CaseID), zap.Error(err))
			return
		}
		defer func() { e.releaseCase(c.ID, l, c.Status) }()

		if model.CaseStatusIsTerminal(c.Status) {
			return
		}
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil || task.Status != model.TaskStatusEligible {
			return
		}
		tasks, err := e.store.ListTasks(ctx, c.ID)
		if err != nil {
			e.logger.Warn("orchestrator: retry task list failed",
				zap.String("case_id", c.ID), zap.Error(err))
			return
		}
		if err := e.dispatchTask(ctx, &c, &task, tasks); err != nil {
			e.logger.Error("orchestrator: retry dispatch failed",
				zap.String("case_id", c.ID),
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}
}

// advanceCase applies the graph consequences of one task settling and
// verifies the case once nothing is left in motion. Caller holds the
// case lock.
func (e *Engine) advanceCase(ctx context.Context, c *model.Case, role, status string) error {
	switch status {
	case model.TaskStatusCompleted:
		if err := e.dispatchUnblocked(ctx, c); err != nil {
			return err
		}
	case model.TaskStatusFailed, model.TaskStatusTimedOut:
		if err := e.applySkips(ctx, c, role, status); err != nil {
			return err
		}
	}
	return e.maybeVerify(ctx, c)
}

// dispatchUnblocked promotes blocked tasks whose dependencies are now all
// complete and dispatches them in declaration order. Caller holds the
// case lock.
func (e *Engine) dispatchUnblocked(ctx context.Context, c *model.Case) error {
	tasks, err := e.store.ListTasks(ctx, c.ID)
	if err != nil {
		return err
	}
	promoted := graph.NewlyEligible(tasks)
	for _, ready := range promoted {
		i := taskIndex(tasks, ready.ID)
		tasks[i].Status = model.TaskStatusEligible
		if err := e.saveTask(ctx, &tasks[i]); err != nil {
			return err
		}
		e.publishEvent(ctx, c.ID, tasks[i].Role, model.TaskStatusEligible, "dependencies satisfied")
	}
	for _, ready := range promoted {
		i := taskIndex(tasks, ready.ID)
		if err := e.dispatchTask(ctx, c, &tasks[i], tasks); err != nil {
			return err
		}
	}
	return nil
}

// applySkips marks every blocked task that can no longer run once the
// given role settled without completing. The set is transitive. Caller
// holds the case lock.
func (e *Engine) applySkips(ctx context.Context, c *model.Case, role, status string) error {
	tasks, err := e.store.ListTasks(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, doomed := range graph.SkipSet(tasks, role) {
		i := taskIndex(tasks, doomed.ID)
		tasks[i].Status = model.TaskStatusSkipped
		reason := model.NewDependencyUnsatisfiedError(doomed.Role, role).Message
		if unmet := graph.UnsatisfiedDependencies(tasks, doomed.Role); len(unmet) > 0 {
			reason = fmt.Sprintf("%s; unmet dependencies: %s", reason, strings.Join(unmet, ", "))
		}
		tasks[i].FailureReason = reason
		if err := e.saveTask(ctx, &tasks[i]); err != nil {
			return err
		}
		e.publishEvent(ctx, c.ID, doomed.Role, model.TaskStatusSkipped, tasks[i].FailureReason)
		if e.metrics != nil {
			e.metrics.RecordTaskOutcome(doomed.Role, model.TaskStatusSkipped, 0)
		}
	}
	return nil
}

// maybeVerify finalizes the case once no task can make further progress.
// It runs after every terminal task transition; the running-status check
// keeps it from firing twice. Caller holds the case lock.
func (e *Engine) maybeVerify(ctx context.Context, c *model.Case) error {
	if c.Status != model.CaseStatusRunning {
		return nil
	}
	tasks, err := e.store.ListTasks(ctx, c.ID)
	if err != nil {
		return err
	}
	if !graph.AllSettled(tasks) {
		return nil
	}

	c.Status = model.CaseStatusVerifying
	if err := e.saveCase(ctx, c); err != nil {
		return err
	}
	e.publishEvent(ctx, c.ID, "", model.CaseStatusVerifying, "")
	return e.finalize(ctx, c, tasks)
}

// finalize computes and persists the final status of a verifying case and
// records its outcome for resubmissions. Caller holds the case lock.
func (e *Engine) finalize(ctx context.Context, c *model.Case, tasks []model.Task) error {
	outcome, missing := verify.Outcome(e.topo, tasks)
	c.Status = outcome
	if err := e.saveCase(ctx, c); err != nil {
		return err
	}
	msg := ""
	if len(missing) > 0 {
		msg = "missing: " + strings.Join(missing, ", ")
	}
	e.publishEvent(ctx, c.ID, "", outcome, msg)

	e.logger.Info("orchestrator: case finished",
		zap.String("case_id", c.ID),
		zap.String("final_status", outcome),
		zap.Strings("missing_fields", missing),
	)
	if e.metrics != nil {
		e.metrics.RecordCaseFinished(outcome, time.Since(c.CreatedAt))
	}

	out := idempotency.Outcome{CaseID: c.ID, Status: outcome}
	report := verify.BuildReport(*c, e.topo, tasks)
	out.Report = &report
	e.cacheOutcome(ctx, out)
	return nil
}

// auditLateCallback records a callback that arrived for an attempt no
// longer in flight. State is never touched. Caller holds the case lock.
func (e *Engine) auditLateCallback(ctx context.Context, c *model.Case, task *model.Task, status, detail string) {
	msg := fmt.Sprintf("late callback: task already %s, case %s", task.Status, c.Status)
	if detail != "" {
		msg += ": " + detail
	}
	e.publishEvent(ctx, c.ID, task.Role, status, msg)
	e.logger.Info("orchestrator: late callback recorded",
		zap.String("case_id", c.ID),
		zap.String("task_id", task.ID),
		zap.String("role", task.Role),
		zap.String("callback", status),
		zap.String("task_status", task.Status),
	)
}

// --- Plumbing ---

// lockCase acquires the per-case mutex, creating it on first use.
func (e *Engine) lockCase(caseID string) *sync.Mutex {
	e.mu.Lock()
	l, ok := e.locks[caseID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[caseID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l
}

// releaseCase unlocks the per-case mutex, dropping its map entry once the
// case is terminal. A late caller recreates the entry transiently and
// only ever appends audit events.
func (e *Engine) releaseCase(caseID string, l *sync.Mutex, status string) {
	if model.CaseStatusIsTerminal(status) {
		e.mu.Lock()
		delete(e.locks, caseID)
		e.mu.Unlock()
	}
	l.Unlock()
}

// lockTask resolves a task's case and locks it, returning fresh reads of
// both taken under the lock.
func (e *Engine) lockTask(ctx context.Context, taskID string) (model.Case, model.Task, *sync.Mutex, error) {
	ref, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Case{}, model.Task{}, nil, err
	}
	l := e.lockCase(ref.CaseID)
	c, err := e.store.GetCase(ctx, ref.CaseID)
	if err != nil {
		l.Unlock()
		return model.Case{}, model.Task{}, nil, err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		l.Unlock()
		return model.Case{}, model.Task{}, nil, err
	}
	return c, task, l, nil
}

// saveCase persists a case transition and mirrors the store's version
// bump so the local copy stays usable for further updates.
func (e *Engine) saveCase(ctx context.Context, c *model.Case) error {
	if err := e.store.UpdateCase(ctx, *c); err != nil {
		return err
	}
	c.Version++
	return nil
}

// saveTask persists a task transition and mirrors the store's version
// bump so the local copy stays usable for further updates.
func (e *Engine) saveTask(ctx context.Context, task *model.Task) error {
	if err := e.store.UpdateTask(ctx, *task); err != nil {
		return err
	}
	task.Version++
	return nil
}

// publishEvent appends a transition to the case timeline and fans it out
// to subscribers. Timeline failures are logged, not propagated: the
// registry remains the source of truth for state.
func (e *Engine) publishEvent(ctx context.Context, caseID, role, status, message string) {
	stored, err := e.store.AppendEvent(ctx, model.TimelineEvent{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Role:      role,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("orchestrator: timeline append failed",
			zap.String("case_id", caseID),
			zap.String("status", status),
			zap.Error(err),
		)
		return
	}
	e.hub.Publish(stored)
}

// cacheOutcome records a terminal outcome for duplicate resubmissions.
func (e *Engine) cacheOutcome(ctx context.Context, outcome idempotency.Outcome) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(ctx, outcome.CaseID, outcome, e.cfg.OutcomeTTL); err != nil {
		e.logger.Warn("orchestrator: outcome cache write failed",
			zap.String("case_id", outcome.CaseID), zap.Error(err))
	}
}

// recordOutcome records task outcome metrics with the dispatch-to-settle
// duration of the final attempt.
func (e *Engine) recordOutcome(task *model.Task) {
	if e.metrics == nil {
		return
	}
	var took time.Duration
	if task.DispatchedAt != nil {
		took = time.Since(*task.DispatchedAt)
	}
	e.metrics.RecordTaskOutcome(task.Role, task.Status, took)
}

// callbackURL builds the per-task callback base workers post outcomes to.
func (e *Engine) callbackURL(taskID string) string {
	if e.cfg.CallbackURL == "" {
		return ""
	}
	return strings.TrimRight(e.cfg.CallbackURL, "/") + "/v1/tasks/" + taskID
}

func taskIndex(tasks []model.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}
