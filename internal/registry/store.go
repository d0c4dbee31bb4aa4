// Package registry persists cases, their task sets, and the append-only
// timeline. Three CaseStore implementations exist: in-memory (tests and
// ephemeral runs), SQLite (single-node durable default), and PostgreSQL.
package registry

import (
	"context"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// CaseStore persists cases, tasks, and timeline events.
type CaseStore interface {
	// CreateCase persists a new case together with its initial task set in
	// one atomic step. Returns DUPLICATE_CASE if the case ID already exists.
	CreateCase(ctx context.Context, c model.Case, tasks []model.Task) error

	// GetCase retrieves a case by ID. Returns NOT_FOUND if it doesn't exist.
	GetCase(ctx context.Context, caseID string) (model.Case, error)

	// UpdateCase persists an updated case with optimistic locking. The
	// version must match the stored version; returns CONFLICT otherwise.
	UpdateCase(ctx context.Context, c model.Case) error

	// ListCases returns case summaries matching the filters, newest first.
	ListCases(ctx context.Context, filters CaseFilters) ([]model.Case, error)

	// GetTask retrieves a task by ID. Returns NOT_FOUND if it doesn't exist.
	GetTask(ctx context.Context, taskID string) (model.Task, error)

	// ListTasks returns all tasks of a case in role-declaration order.
	ListTasks(ctx context.Context, caseID string) ([]model.Task, error)

	// UpdateTask persists an updated task with optimistic locking. The
	// version must match the stored version; returns CONFLICT otherwise.
	UpdateTask(ctx context.Context, task model.Task) error

	// AppendEvent adds an event to the case's timeline, assigning the next
	// per-case sequence number. Returns the stored event with Seq set.
	AppendEvent(ctx context.Context, event model.TimelineEvent) (model.TimelineEvent, error)

	// ListEvents returns a case's timeline events with Seq greater than
	// afterSeq, in sequence order, up to limit (0 means the store default).
	ListEvents(ctx context.Context, caseID string, afterSeq int64, limit int) ([]model.TimelineEvent, error)

	// FindActiveCases returns all cases not in a terminal status. Used by
	// the restart resume procedure.
	FindActiveCases(ctx context.Context) ([]model.Case, error)

	// FindExpiredTasks returns in-flight tasks of active cases whose
	// deadline is before the cutoff. Used by the timeout sweep.
	FindExpiredTasks(ctx context.Context, cutoff time.Time) ([]model.Task, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// CaseFilters are optional filters for listing cases.
type CaseFilters struct {
	Status string
	Limit  int
	Offset int
}

// defaultEventLimit caps timeline pages when the caller passes no limit.
const defaultEventLimit = 1000
