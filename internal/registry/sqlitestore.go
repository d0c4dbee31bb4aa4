package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/caseflow/model"
)

// Timestamps are stored as Unix milliseconds so sub-second task deadlines
// survive the round trip.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	input_payload TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	role TEXT NOT NULL,
	ordinal INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	depends_on TEXT NOT NULL DEFAULT '[]',
	result_payload TEXT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	dispatched_at INTEGER NULL,
	deadline INTEGER NULL,
	version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(case_id, role),
	FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_case ON tasks(case_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks(status, deadline);

CREATE TABLE IF NOT EXISTS timeline_events (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(case_id, seq),
	FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
);
`

const taskColumns = `id, case_id, role, ordinal, status, depends_on, result_payload,
	failure_reason, attempt_count, dispatched_at, deadline, version, created_at, updated_at`

const caseColumns = `id, status, input_payload, version, created_at, updated_at`

// SQLiteCaseStore is a file-backed CaseStore using modernc.org/sqlite.
type SQLiteCaseStore struct {
	db *sql.DB
}

// OpenSQLiteCaseStore opens (or creates) the database file and applies the
// connection pragmas. Call Migrate before first use.
func OpenSQLiteCaseStore(dbPath string) (*SQLiteCaseStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &SQLiteCaseStore{db: db}, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteCaseStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateCase persists a new case together with its initial task set.
func (s *SQLiteCaseStore) CreateCase(ctx context.Context, c model.Case, tasks []model.Task) error {
	inputJSON, err := marshalMap(c.InputPayload)
	if err != nil {
		return fmt.Errorf("marshal input payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create case: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cases(id, status, input_payload, version, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		c.ID, c.Status, inputJSON, c.Version, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("case rows affected: %w", err)
	}
	if affected == 0 {
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
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks(
				id, case_id, role, ordinal, status, depends_on, result_payload,
				failure_reason, attempt_count, dispatched_at, deadline, version, created_at, updated_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.CaseID, task.Role, task.Ordinal, task.Status, depsJSON, resultJSON,
			task.FailureReason, task.AttemptCount, nullableUnixMilli(task.DispatchedAt),
			nullableUnixMilli(task.Deadline), task.Version,
			task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create case: %w", err)
	}
	return nil
}

// GetCase retrieves a case by ID.
func (s *SQLiteCaseStore) GetCase(ctx context.Context, caseID string) (model.Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE id = ?`, caseID,
	)
	c, err := scanCaseRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Case{}, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

// UpdateCase persists an updated case with optimistic locking. Status
// changes are checked against the case state machine.
func (s *SQLiteCaseStore) UpdateCase(ctx context.Context, c model.Case) error {
	// The status at the expected version is the status this write
	// transitions from. A missing row falls through to the version
	// conflict below.
	var prior string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM cases WHERE id = ? AND version = ?`, c.ID, c.Version,
	).Scan(&prior)
	switch {
	case errors.Is(err, sql.ErrNoRows):
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

	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET status = ?, input_payload = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		c.Status, inputJSON, c.Version+1, time.Now().UTC().UnixMilli(),
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("case rows affected: %w", err)
	}
	if affected == 0 {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d)", c.ID, c.Version),
		)
	}
	return nil
}

// ListCases returns cases matching the filters, newest first.
func (s *SQLiteCaseStore) ListCases(ctx context.Context, filters CaseFilters) ([]model.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases`
	var args []any

	if filters.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filters.Status)
	}
	query += ` ORDER BY created_at DESC`

	if filters.Limit > 0 || filters.Offset > 0 {
		limit := filters.Limit
		if limit <= 0 {
			limit = -1 // SQLite: no limit, offset still applies
		}
		query += ` LIMIT ?`
		args = append(args, limit)
		if filters.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filters.Offset)
		}
	}

	return s.queryCases(ctx, query, args...)
}

// GetTask retrieves a task by ID.
func (s *SQLiteCaseStore) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID,
	)
	task, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.NewNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks of a case in role-declaration order.
func (s *SQLiteCaseStore) ListTasks(ctx context.Context, caseID string) ([]model.Task, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE case_id = ? ORDER BY ordinal ASC`,
		caseID,
	)
}

// UpdateTask persists an updated task with optimistic locking. Status
// changes are checked against the task state machine.
func (s *SQLiteCaseStore) UpdateTask(ctx context.Context, task model.Task) error {
	var prior string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM tasks WHERE id = ? AND version = ?`, task.ID, task.Version,
	).Scan(&prior)
	switch {
	case errors.Is(err, sql.ErrNoRows):
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

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?, result_payload = ?, failure_reason = ?, attempt_count = ?,
			dispatched_at = ?, deadline = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		task.Status, resultJSON, task.FailureReason, task.AttemptCount,
		nullableUnixMilli(task.DispatchedAt), nullableUnixMilli(task.Deadline),
		task.Version+1, time.Now().UTC().UnixMilli(),
		task.ID, task.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return model.NewConflictError(
			fmt.Sprintf("task %q version conflict (expected %d)", task.ID, task.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the case's timeline with the next sequence number.
func (s *SQLiteCaseStore) AppendEvent(ctx context.Context, event model.TimelineEvent) (model.TimelineEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TimelineEvent{}, fmt.Errorf("begin tx append event: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE id = ?`, event.CaseID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimelineEvent{}, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", event.CaseID),
		)
	}
	if err != nil {
		return model.TimelineEvent{}, fmt.Errorf("check case: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE case_id = ?`,
		event.CaseID,
	).Scan(&event.Seq); err != nil {
		return model.TimelineEvent{}, fmt.Errorf("next event seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO timeline_events(id, case_id, seq, role, status, message, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.CaseID, event.Seq, event.Role, event.Status, event.Message,
		event.Timestamp.UnixMilli(),
	); err != nil {
		return model.TimelineEvent{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.TimelineEvent{}, fmt.Errorf("commit append event: %w", err)
	}
	return event, nil
}

// ListEvents returns a case's timeline events after the given sequence number.
func (s *SQLiteCaseStore) ListEvents(ctx context.Context, caseID string, afterSeq int64, limit int) ([]model.TimelineEvent, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, seq, role, status, message, created_at
		FROM timeline_events
		WHERE case_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		caseID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.TimelineEvent
	for rows.Next() {
		var event model.TimelineEvent
		var created int64
		if err := rows.Scan(
			&event.ID, &event.CaseID, &event.Seq, &event.Role, &event.Status,
			&event.Message, &created,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Timestamp = unixMilliToTime(created)
		events = append(events, event)
	}
	return events, rows.Err()
}

// FindActiveCases returns all non-terminal cases, oldest first.
func (s *SQLiteCaseStore) FindActiveCases(ctx context.Context) ([]model.Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases
		WHERE status NOT IN (?, ?, ?, ?)
		ORDER BY created_at ASC`,
		model.CaseStatusCompleted, model.CaseStatusPartial,
		model.CaseStatusFailed, model.CaseStatusAborted,
	)
}

// FindExpiredTasks returns in-flight tasks of active cases past their deadline.
func (s *SQLiteCaseStore) FindExpiredTasks(ctx context.Context, cutoff time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT t.id, t.case_id, t.role, t.ordinal, t.status, t.depends_on, t.result_payload,
			t.failure_reason, t.attempt_count, t.dispatched_at, t.deadline, t.version,
			t.created_at, t.updated_at
		FROM tasks t
		JOIN cases c ON c.id = t.case_id
		WHERE t.status IN (?, ?)
			AND t.deadline IS NOT NULL
			AND t.deadline < ?
			AND c.status NOT IN (?, ?, ?, ?)
		ORDER BY t.deadline ASC`,
		model.TaskStatusDispatched, model.TaskStatusInProgress,
		cutoff.UnixMilli(),
		model.CaseStatusCompleted, model.CaseStatusPartial,
		model.CaseStatusFailed, model.CaseStatusAborted,
	)
}

// HealthCheck verifies the database file is reachable.
func (s *SQLiteCaseStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteCaseStore) Close() error {
	return s.db.Close()
}

// queryCases executes a query and returns cases.
func (s *SQLiteCaseStore) queryCases(ctx context.Context, query string, args ...any) ([]model.Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		c, err := scanCaseRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// queryTasks executes a query and returns tasks.
func (s *SQLiteCaseStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCaseRow(row rowScanner) (model.Case, error) {
	var c model.Case
	var inputJSON string
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Status, &inputJSON, &c.Version, &created, &updated); err != nil {
		return model.Case{}, err
	}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &c.InputPayload); err != nil {
			return model.Case{}, fmt.Errorf("unmarshal input payload: %w", err)
		}
	}
	c.CreatedAt = unixMilliToTime(created)
	c.UpdatedAt = unixMilliToTime(updated)
	return c, nil
}

func scanTaskRow(row rowScanner) (model.Task, error) {
	var t model.Task
	var depsJSON string
	var resultJSON sql.NullString
	var dispatched, deadline sql.NullInt64
	var created, updated int64
	if err := row.Scan(
		&t.ID, &t.CaseID, &t.Role, &t.Ordinal, &t.Status, &depsJSON, &resultJSON,
		&t.FailureReason, &t.AttemptCount, &dispatched, &deadline, &t.Version,
		&created, &updated,
	); err != nil {
		return model.Task{}, err
	}
	if depsJSON != "" {
		if err := json.Unmarshal([]byte(depsJSON), &t.Dependencies); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.ResultPayload); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal result payload: %w", err)
		}
	}
	t.DispatchedAt = int64ToTimePtr(dispatched)
	t.Deadline = int64ToTimePtr(deadline)
	t.CreatedAt = unixMilliToTime(created)
	t.UpdatedAt = unixMilliToTime(updated)
	return t, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		return "[]", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// nullableMap marshals a payload map, mapping nil to SQL NULL.
func nullableMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := unixMilliToTime(v.Int64)
	return &t
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
