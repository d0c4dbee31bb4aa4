package registry

import "github.com/pitabwire/caseflow/model"

// caseTransitions maps each case status to the statuses it may move to.
// Terminal statuses map to an empty set.
var caseTransitions = map[string][]string{
	model.CaseStatusCreated:   {model.CaseStatusRunning, model.CaseStatusAborted},
	model.CaseStatusRunning:   {model.CaseStatusVerifying, model.CaseStatusAborted},
	model.CaseStatusVerifying: {model.CaseStatusCompleted, model.CaseStatusPartial, model.CaseStatusFailed, model.CaseStatusAborted},
	model.CaseStatusCompleted: {},
	model.CaseStatusPartial:   {},
	model.CaseStatusFailed:    {},
	model.CaseStatusAborted:   {},
}

// taskTransitions maps each task status to the statuses it may move to.
// The in-flight statuses may move back to eligible for a retry attempt.
var taskTransitions = map[string][]string{
	model.TaskStatusBlocked:    {model.TaskStatusEligible, model.TaskStatusSkipped},
	model.TaskStatusEligible:   {model.TaskStatusDispatched},
	model.TaskStatusDispatched: {model.TaskStatusInProgress, model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusTimedOut, model.TaskStatusEligible},
	model.TaskStatusInProgress: {model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusTimedOut, model.TaskStatusEligible},
	model.TaskStatusCompleted:  {},
	model.TaskStatusFailed:     {},
	model.TaskStatusTimedOut:   {},
	model.TaskStatusSkipped:    {},
}

// CanTransitionCase reports whether a case may move from one status to another.
func CanTransitionCase(from, to string) bool {
	return canTransition(caseTransitions, from, to)
}

// CanTransitionTask reports whether a task may move from one status to another.
func CanTransitionTask(from, to string) bool {
	return canTransition(taskTransitions, from, to)
}

// ValidateCaseTransition returns an INVALID_TRANSITION error if a case may
// not move from one status to another.
func ValidateCaseTransition(from, to string) error {
	if !CanTransitionCase(from, to) {
		return model.NewInvalidTransitionError(from, to)
	}
	return nil
}

// ValidateTaskTransition returns an INVALID_TRANSITION error if a task may
// not move from one status to another.
func ValidateTaskTransition(from, to string) error {
	if !CanTransitionTask(from, to) {
		return model.NewInvalidTransitionError(from, to)
	}
	return nil
}

func canTransition(table map[string][]string, from, to string) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
