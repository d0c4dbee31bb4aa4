package model

import "time"

// Case status constants.
const (
	CaseStatusCreated   = "created"
	CaseStatusRunning   = "running"
	CaseStatusVerifying = "verifying"
	CaseStatusCompleted = "completed"
	CaseStatusPartial   = "partial"
	CaseStatusFailed    = "failed"
	CaseStatusAborted   = "aborted"
)

// Task status constants.
const (
	TaskStatusBlocked    = "blocked"
	TaskStatusEligible   = "eligible"
	TaskStatusDispatched = "dispatched"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusTimedOut   = "timed_out"
	TaskStatusSkipped    = "skipped"
)

// Default worker role names. The topology is configurable; these are the
// roles of the standard discharge-planning workflow.
const (
	RolePharmacy    = "pharmacy"
	RoleEligibility = "eligibility"
	RoleResource    = "resource"
	RoleShelter     = "shelter"
	RoleTransport   = "transport"
	RoleReviewer    = "reviewer"
)

// CaseStatusIsTerminal reports whether a case status admits no further
// transitions.
func CaseStatusIsTerminal(status string) bool {
	switch status {
	case CaseStatusCompleted, CaseStatusPartial, CaseStatusFailed, CaseStatusAborted:
		return true
	}
	return false
}

// TaskStatusIsTerminal reports whether a task status is final for the task.
func TaskStatusIsTerminal(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut, TaskStatusSkipped:
		return true
	}
	return false
}

// TaskStatusInFlight reports whether a task has an outstanding dispatch
// attempt awaiting a worker callback.
func TaskStatusInFlight(status string) bool {
	return status == TaskStatusDispatched || status == TaskStatusInProgress
}

// Case is one patient-discharge coordination instance. All mutation goes
// through the case registry.
type Case struct {
	ID           string         `json:"case_id"`
	Status       string         `json:"status"`
	InputPayload map[string]any `json:"input_payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
}

// CaseSummary is a lightweight representation of a case used in list views.
type CaseSummary struct {
	ID        string    `json:"case_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one role's unit of work within one case. At most one dispatch
// attempt is in flight per (case, role) at any time.
type Task struct {
	ID            string         `json:"task_id"`
	CaseID        string         `json:"case_id"`
	Role          string         `json:"role"`
	Ordinal       int            `json:"ordinal"`
	Status        string         `json:"status"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	ResultPayload map[string]any `json:"result_payload,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	DispatchedAt  *time.Time     `json:"dispatched_at,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Version       int            `json:"version"`
}

// TimelineEvent records one status transition in a case's append-only
// audit stream. Seq is per-case monotonic and serves as the resume cursor.
type TimelineEvent struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
