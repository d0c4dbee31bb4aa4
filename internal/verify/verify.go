// Package verify performs the fan-in completeness check once every task of
// a case has settled, and derives the final report served to callers. The
// report is always rebuilt from the persisted tasks, never stored.
package verify

import (
	"sort"
	"time"

	"github.com/pitabwire/caseflow/internal/topology"
	"github.com/pitabwire/caseflow/model"
)

// Outcome computes the terminal case status for a settled task set along
// with the roles that did not complete, in declaration order.
//
//   - every role completed: completed
//   - all critical roles completed, others missing: partial
//   - any critical role missing: failed
func Outcome(topo *topology.Topology, tasks []model.Task) (string, []string) {
	missing := missingRoles(tasks)
	if len(missing) == 0 {
		return model.CaseStatusCompleted, nil
	}

	completed := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.Status == model.TaskStatusCompleted {
			completed[task.Role] = true
		}
	}
	for _, critical := range topo.Critical() {
		if !completed[critical] {
			return model.CaseStatusFailed, missing
		}
	}
	return model.CaseStatusPartial, missing
}

// BuildReport assembles the report for a case from its persisted tasks.
// For a case that is already terminal the case status is authoritative;
// otherwise the status is derived the same way verification would.
func BuildReport(c model.Case, topo *topology.Topology, tasks []model.Task) model.FinalReport {
	ordered := make([]model.Task, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Ordinal < ordered[j].Ordinal
	})

	results := make([]model.RoleResult, 0, len(ordered))
	for _, task := range ordered {
		result := model.RoleResult{Role: task.Role, Status: task.Status}
		if task.Status == model.TaskStatusCompleted {
			result.Payload = task.ResultPayload
		} else {
			result.Gap = task.Status
			result.Reason = task.FailureReason
		}
		results = append(results, result)
	}

	missing := missingRoles(ordered)
	finalStatus := c.Status
	if !model.CaseStatusIsTerminal(c.Status) {
		finalStatus, _ = Outcome(topo, ordered)
	}

	return model.FinalReport{
		CaseID:        c.ID,
		FinalStatus:   finalStatus,
		Completeness:  len(missing) == 0,
		MissingFields: missing,
		Results:       results,
		GeneratedAt:   time.Now().UTC(),
	}
}

// missingRoles returns the roles whose tasks did not complete, in
// declaration order.
func missingRoles(tasks []model.Task) []string {
	ordered := make([]model.Task, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Ordinal < ordered[j].Ordinal
	})

	var missing []string
	for _, task := range ordered {
		if task.Status != model.TaskStatusCompleted {
			missing = append(missing, task.Role)
		}
	}
	return missing
}
