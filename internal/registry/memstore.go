package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// MemoryCaseStore is an in-memory CaseStore for testing and ephemeral runs.
type MemoryCaseStore struct {
	mu     sync.RWMutex
	cases  map[string]model.Case            // key: case ID
	tasks  map[string]model.Task            // key: task ID
	byCase map[string][]string              // case ID -> task IDs in declaration order
	events map[string][]model.TimelineEvent // key: case ID
}

// NewMemoryCaseStore creates a new in-memory case store.
func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{
		cases:  make(map[string]model.Case),
		tasks:  make(map[string]model.Task),
		byCase: make(map[string][]string),
		events: make(map[string][]model.TimelineEvent),
	}
}

// CreateCase persists a new case together with its initial task set.
func (s *MemoryCaseStore) CreateCase(_ context.Context, c model.Case, tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID]; exists {
		return model.NewDuplicateCaseError(c.ID)
	}

	s.cases[c.ID] = c
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		s.tasks[task.ID] = task
		ids = append(ids, task.ID)
	}
	s.byCase[c.ID] = ids
	return nil
}

// GetCase retrieves a case by ID.
func (s *MemoryCaseStore) GetCase(_ context.Context, caseID string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[caseID]
	if !exists {
		return model.Case{}, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}
	return c, nil
}

// UpdateCase persists an updated case with optimistic locking. Status
// changes are checked against the case state machine.
func (s *MemoryCaseStore) UpdateCase(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.cases[c.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("case %q not found", c.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != c.Version {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d, got %d)", c.ID, c.Version, existing.Version),
		)
	}

	if existing.Status != c.Status {
		if err := ValidateCaseTransition(existing.Status, c.Status); err != nil {
			return err
		}
	}

	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.cases[c.ID] = c
	return nil
}

// ListCases returns cases matching the filters, newest first.
func (s *MemoryCaseStore) ListCases(_ context.Context, filters CaseFilters) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Case
	for _, c := range s.cases {
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		result = append(result, c)
	}

	// Sort by created_at descending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Case{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// GetTask retrieves a task by ID.
func (s *MemoryCaseStore) GetTask(_ context.Context, taskID string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return model.Task{}, model.NewNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	return task, nil
}

// ListTasks returns all tasks of a case in role-declaration order.
func (s *MemoryCaseStore) ListTasks(_ context.Context, caseID string) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.cases[caseID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}

	result := make([]model.Task, 0, len(s.byCase[caseID]))
	for _, id := range s.byCase[caseID] {
		result = append(result, s.tasks[id])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Ordinal < result[j].Ordinal
	})
	return result, nil
}

// UpdateTask persists an updated task with optimistic locking. Status
// changes are checked against the task state machine.
func (s *MemoryCaseStore) UpdateTask(_ context.Context, task model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.tasks[task.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("task %q not found", task.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != task.Version {
		return model.NewConflictError(
			fmt.Sprintf("task %q version conflict (expected %d, got %d)", task.ID, task.Version, existing.Version),
		)
	}

	if existing.Status != task.Status {
		if err := ValidateTaskTransition(existing.Status, task.Status); err != nil {
			return err
		}
	}

	task.Version++
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = task
	return nil
}

// AppendEvent adds an event to the case's timeline with the next sequence number.
func (s *MemoryCaseStore) AppendEvent(_ context.Context, event model.TimelineEvent) (model.TimelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[event.CaseID]; !exists {
		return model.TimelineEvent{}, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", event.CaseID),
		)
	}

	event.Seq = int64(len(s.events[event.CaseID]) + 1)
	s.events[event.CaseID] = append(s.events[event.CaseID], event)
	return event, nil
}

// ListEvents returns a case's timeline events after the given sequence number.
func (s *MemoryCaseStore) ListEvents(_ context.Context, caseID string, afterSeq int64, limit int) ([]model.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.cases[caseID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("case %q not found", caseID),
		)
	}

	if limit <= 0 {
		limit = defaultEventLimit
	}

	var result []model.TimelineEvent
	for _, event := range s.events[caseID] {
		if event.Seq <= afterSeq {
			continue
		}
		result = append(result, event)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// FindActiveCases returns all non-terminal cases, oldest first.
func (s *MemoryCaseStore) FindActiveCases(_ context.Context) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Case
	for _, c := range s.cases {
		if model.CaseStatusIsTerminal(c.Status) {
			continue
		}
		result = append(result, c)
	}

	// Oldest first so restart resume replays in arrival order.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// FindExpiredTasks returns in-flight tasks of active cases past their deadline.
func (s *MemoryCaseStore) FindExpiredTasks(_ context.Context, cutoff time.Time) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Task
	for _, task := range s.tasks {
		if !model.TaskStatusInFlight(task.Status) {
			continue
		}
		if task.Deadline == nil || !task.Deadline.Before(cutoff) {
			continue
		}
		if c, exists := s.cases[task.CaseID]; exists && model.CaseStatusIsTerminal(c.Status) {
			continue
		}
		result = append(result, task)
	}

	// Sort by deadline ascending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Deadline.Before(*result[j].Deadline)
	})

	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryCaseStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryCaseStore) Close() error {
	return nil
}

// Len returns the total number of cases. For testing.
func (s *MemoryCaseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}
