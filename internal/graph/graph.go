// Package graph computes task eligibility and skip propagation over a
// case's task set. All functions are pure: they read the persisted tasks
// and return what should change, leaving transitions to the caller.
package graph

import (
	"sort"

	"github.com/pitabwire/caseflow/model"
)

// NewlyEligible returns the blocked tasks whose dependencies have all
// completed, in role-declaration order.
func NewlyEligible(tasks []model.Task) []model.Task {
	byRole := indexByRole(tasks)

	var ready []model.Task
	for _, task := range tasks {
		if task.Status != model.TaskStatusBlocked {
			continue
		}
		depsDone := true
		for _, dep := range task.Dependencies {
			upstream, ok := byRole[dep]
			if !ok || upstream.Status != model.TaskStatusCompleted {
				depsDone = false
				break
			}
		}
		if depsDone {
			ready = append(ready, task)
		}
	}

	sortByOrdinal(ready)
	return ready
}

// SkipSet returns the blocked tasks that can never become eligible once
// the given role has terminally failed or timed out. The set is
// transitive: dependents of a doomed task are doomed too. Results are in
// role-declaration order.
func SkipSet(tasks []model.Task, failedRole string) []model.Task {
	byRole := indexByRole(tasks)

	// dependents: role -> roles that declare it as a dependency.
	dependents := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			dependents[dep] = append(dependents[dep], task.Role)
		}
	}

	var doomed []model.Task
	visited := map[string]bool{failedRole: true}
	queue := []string{failedRole}
	for len(queue) > 0 {
		role := queue[0]
		queue = queue[1:]
		for _, next := range dependents[role] {
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
			if task, ok := byRole[next]; ok && task.Status == model.TaskStatusBlocked {
				doomed = append(doomed, task)
			}
		}
	}

	sortByOrdinal(doomed)
	return doomed
}

// AllSettled reports whether every task has reached a terminal status.
func AllSettled(tasks []model.Task) bool {
	for _, task := range tasks {
		if !model.TaskStatusIsTerminal(task.Status) {
			return false
		}
	}
	return true
}

// UnsatisfiedDependencies returns the dependencies of the role's task
// that have not completed. Empty means the task may be dispatched.
func UnsatisfiedDependencies(tasks []model.Task, role string) []string {
	byRole := indexByRole(tasks)
	task, ok := byRole[role]
	if !ok {
		return nil
	}

	var unmet []string
	for _, dep := range task.Dependencies {
		upstream, exists := byRole[dep]
		if !exists || upstream.Status != model.TaskStatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// DependencyPayloads collects the result payloads of the role's completed
// upstream tasks, keyed by upstream role. Workers receive these alongside
// the case input.
func DependencyPayloads(tasks []model.Task, role string) map[string]map[string]any {
	byRole := indexByRole(tasks)
	task, ok := byRole[role]
	if !ok || len(task.Dependencies) == 0 {
		return nil
	}

	payloads := make(map[string]map[string]any, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		if upstream, exists := byRole[dep]; exists && upstream.Status == model.TaskStatusCompleted {
			payloads[dep] = upstream.ResultPayload
		}
	}
	return payloads
}

func indexByRole(tasks []model.Task) map[string]model.Task {
	byRole := make(map[string]model.Task, len(tasks))
	for _, task := range tasks {
		byRole[task.Role] = task
	}
	return byRole
}

func sortByOrdinal(tasks []model.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Ordinal < tasks[j].Ordinal
	})
}
