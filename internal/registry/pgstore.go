package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	input_payload JSONB NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	ordinal INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	depends_on JSONB NOT NULL DEFAULT '[]',
	result_payload JSONB NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	dispatched_at TIMESTAMPTZ NULL,
	deadline TIMESTAMPTZ NULL,
	version INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE(case_id, role)
);
CREATE INDEX IF NOT EXISTS idx_tasks_case ON tasks(case_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks(status, deadline);

CREATE TABLE IF NOT EXISTS timeline_events (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	seq BIGINT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(case_id, seq)
);
`

// PgCaseStore is a PostgreSQL-backed CaseStore using pgx/v5.
type PgCaseStore struct {
	pool *pgxpool.Pool
}

// NewPgCaseStore creates a new PostgreSQL case store.
func NewPgCaseStore(pool *pgxpool.Pool) *PgCaseStore {
	return &PgCaseStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PgCaseStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateCase persists a new case together with its initial task set.
func (s *PgCaseStore) CreateCase(ctx context.Context, c model.Case, tasks []model.Task) error {
	inputJSON, err := marshalMap(c.InputPayload)
	if err != nil {
		return fmt.Errorf("marshal input payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx create case: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO cases (id, status, input_payload, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.Status, inputJSON, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewDuplicateCaseError(c.ID)
	}

	for _, task := range tasks {
		depsJSON, err := marshalStrings(task.Dependencies)
		if err != nil {
			return fmt.Errorf("marshal dependencies: %w", err)
		}
		resultJSON, err := nullableMap(task.ResultPayload)
		if err != nil {
			return fmt.Errorf("marshal result payload: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (
				id, case_id, role, ordinal, status, depends_on, result_payload,
				failure_reason, attempt_count, dispatched_at, deadline, version,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			task.ID, task.CaseID, task.Role, task.Ordinal, task.Status, depsJSON, resultJSON,
			task.FailureReason, task.AttemptCount, task.DispatchedAt, task.Deadline, task.Version,
			task.CreatedAt, task.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create case: %w", err)
	}
	return nil
}

// GetCase retrieves a case by ID.
func (s *PgCaseStore) GetCase(ctx context.Context, caseID string) (model.Case, error) {
	var c model.Case
	var inputJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, status, input_payload, version, created_at, updated_at
		FROM cases
		WHERE id = $1`,
		caseID,
	).Scan(&c.ID, &c.Status, &inputJSON, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.Case{}, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("query case: %w", err)
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &c.InputPayload); err != nil {
			return model.Case{}, fmt.Errorf("unmarshal input payload: %w", err)
		}
	}
	return c, nil
}

// UpdateCase persists an updated case with optimistic locking. Status
// changes are checked against the case state machine.
func (s *PgCaseStore) UpdateCase(ctx context.Context, c model.Case) error {
	// The status at the expected version is the status this write
	// transitions from. A missing row falls through to the version
	// conflict below.
	var prior string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM cases WHERE id = $1 AND version = $2`, c.ID, c.Version,
	).Scan(&prior)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		return fmt.Errorf("read case status: %w", err)
	case prior != c.Status:
		if verr := ValidateCaseTransition(prior, c.Status); verr != nil {
			return verr
		}
	}

	inputJSON, err := marshalMap(c.InputPayload)
	if err != nil {
		return fmt.Errorf("marshal input payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE cases SET
			status = $1,
			input_payload = $2,
			version = $3,
			updated_at = $4
		WHERE id = $5 AND version = $6`,
		c.Status, inputJSON, c.Version+1, time.Now().UTC(),
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d)", c.ID, c.Version),
		)
	}
	return nil
}

// ListCases returns cases matching the filters, newest first.
func (s *PgCaseStore) ListCases(ctx context.Context, filters CaseFilters) ([]model.Case, error) {
	query := `SELECT id, status, input_payload, version, created_at, updated_at
	          FROM cases`
	var args []any
	argIdx := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryCases(ctx, query, args...)
}

// GetTask retrieves a task by ID.
func (s *PgCaseStore) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	var t model.Task
	var depsJSON, resultJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, case_id, role, ordinal, status, depends_on, result_payload,
		       failure_reason, attempt_count, dispatched_at, deadline, version,
		       created_at, updated_at
		FROM tasks
		WHERE id = $1`,
		taskID,
	).Scan(
		&t.ID, &t.CaseID, &t.Role, &t.Ordinal, &t.Status, &depsJSON, &resultJSON,
		&t.FailureReason, &t.AttemptCount, &t.DispatchedAt, &t.Deadline, &t.Version,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.Task{}, model.NewNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("query task: %w", err)
	}

	if depsJSON != nil {
		if err := json.Unmarshal(depsJSON, &t.Dependencies); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &t.ResultPayload); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal result payload: %w", err)
		}
	}
	return t, nil
}

// ListTasks returns all tasks of a case in role-declaration order.
func (s *PgCaseStore) ListTasks(ctx context.Context, caseID string) ([]model.Task, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, `
		SELECT id, case_id, role, ordinal, status, depends_on, result_payload,
		       failure_reason, attempt_count, dispatched_at, deadline, version,
		       created_at, updated_at
		FROM tasks
		WHERE case_id = $1
		ORDER BY ordinal ASC`,
		caseID,
	)
}

// UpdateTask persists an updated task with optimistic locking. Status
// changes are checked against the task state machine.
func (s *PgCaseStore) UpdateTask(ctx context.Context, task model.Task) error {
	var prior string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM tasks WHERE id = $1 AND version = $2`, task.ID, task.Version,
	).Scan(&prior)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		return fmt.Errorf("read task status: %w", err)
	case prior != task.Status:
		if verr := ValidateTaskTransition(prior, task.Status); verr != nil {
			return verr
		}
	}

	resultJSON, err := nullableMap(task.ResultPayload)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $1,
			result_payload = $2,
			failure_reason = $3,
			attempt_count = $4,
			dispatched_at = $5,
			deadline = $6,
			version = $7,
			updated_at = $8
		WHERE id = $9 AND version = $10`,
		task.Status, resultJSON, task.FailureReason, task.AttemptCount,
		task.DispatchedAt, task.Deadline, task.Version+1, time.Now().UTC(),
		task.ID, task.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("task %q version conflict (expected %d)", task.ID, task.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the case's timeline with the next sequence number.
func (s *PgCaseStore) AppendEvent(ctx context.Context, event model.TimelineEvent) (model.TimelineEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.TimelineEvent{}, fmt.Errorf("begin tx append event: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var exists int
	err = tx.QueryRow(ctx, `SELECT 1 FROM cases WHERE id = $1`, event.CaseID).Scan(&exists)
	if err == pgx.ErrNoRows {
		return model.TimelineEvent{}, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", event.CaseID),
		)
	}
	if err != nil {
		return model.TimelineEvent{}, fmt.Errorf("check case: %w", err)
	}

	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM timeline_events
		WHERE case_id = $1`,
		event.CaseID,
	).Scan(&event.Seq); err != nil {
		return model.TimelineEvent{}, fmt.Errorf("next event seq: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (id, case_id, seq, role, status, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.CaseID, event.Seq, event.Role, event.Status, event.Message, event.Timestamp,
	); err != nil {
		return model.TimelineEvent{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.TimelineEvent{}, fmt.Errorf("commit append event: %w", err)
	}
	return event, nil
}

// ListEvents returns a case's timeline events after the given sequence number.
func (s *PgCaseStore) ListEvents(ctx context.Context, caseID string, afterSeq int64, limit int) ([]model.TimelineEvent, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, case_id, seq, role, status, message, created_at
		FROM timeline_events
		WHERE case_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		caseID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.TimelineEvent
	for rows.Next() {
		var event model.TimelineEvent
		if err := rows.Scan(
			&event.ID, &event.CaseID, &event.Seq, &event.Role, &event.Status,
			&event.Message, &event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// FindActiveCases returns all non-terminal cases, oldest first.
func (s *PgCaseStore) FindActiveCases(ctx context.Context) ([]model.Case, error) {
	return s.queryCases(ctx, `
		SELECT id, status, input_payload, version, created_at, updated_at
		FROM cases
		WHERE status NOT IN ($1, $2, $3, $4)
		ORDER BY created_at ASC`,
		model.CaseStatusCompleted, model.CaseStatusPartial,
		model.CaseStatusFailed, model.CaseStatusAborted,
	)
}

// FindExpiredTasks returns in-flight tasks of active cases past their deadline.
func (s *PgCaseStore) FindExpiredTasks(ctx context.Context, cutoff time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT t.id, t.case_id, t.role, t.ordinal, t.status, t.depends_on, t.result_payload,
		       t.failure_reason, t.attempt_count, t.dispatched_at, t.deadline, t.version,
		       t.created_at, t.updated_at
		FROM tasks t
		JOIN cases c ON c.id = t.case_id
		WHERE t.status IN ($1, $2)
		  AND t.deadline IS NOT NULL
		  AND t.deadline < $3
		  AND c.status NOT IN ($4, $5, $6, $7)
		ORDER BY t.deadline ASC`,
		model.TaskStatusDispatched, model.TaskStatusInProgress, cutoff,
		model.CaseStatusCompleted, model.CaseStatusPartial,
		model.CaseStatusFailed, model.CaseStatusAborted,
	)
}

// HealthCheck verifies the database is reachable.
func (s *PgCaseStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgCaseStore) Close() error {
	s.pool.Close()
	return nil
}

// queryCases executes a query and returns cases.
func (s *PgCaseStore) queryCases(ctx context.Context, query string, args ...any) ([]model.Case, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		var c model.Case
		var inputJSON []byte
		if err := rows.Scan(&c.ID, &c.Status, &inputJSON, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		if inputJSON != nil {
			_ = json.Unmarshal(inputJSON, &c.InputPayload)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// queryTasks executes a query and returns tasks.
func (s *PgCaseStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		var depsJSON, resultJSON []byte
		if err := rows.Scan(
			&t.ID, &t.CaseID, &t.Role, &t.Ordinal, &t.Status, &depsJSON, &resultJSON,
			&t.FailureReason, &t.AttemptCount, &t.DispatchedAt, &t.Deadline, &t.Version,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if depsJSON != nil {
			_ = json.Unmarshal(depsJSON, &t.Dependencies)
		}
		if resultJSON != nil {
			_ = json.Unmarshal(resultJSON, &t.ResultPayload)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
