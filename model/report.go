package model

import "time"

// RoleResult is one role's block in a final report: the task's result
// payload when the role completed, or a gap naming why it did not.
type RoleResult struct {
	Role    string         `json:"role"`
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
	Gap     string         `json:"gap,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// FinalReport is the fan-in product of a case: every required role's result
// merged into one document. It is derived from the case's terminal tasks and
// never stored independently of them.
type FinalReport struct {
	CaseID        string       `json:"case_id"`
	FinalStatus   string       `json:"final_status"`
	Completeness  bool         `json:"completeness"`
	MissingFields []string     `json:"missing_fields,omitempty"`
	Results       []RoleResult `json:"results"`
	GeneratedAt   time.Time    `json:"generated_at"`
}
