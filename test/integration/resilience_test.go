package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// ==========================================================================
// Retry after a worker-reported failure
// ==========================================================================

func TestWorkerFailureIsRetried(t *testing.T) {
	shelter := NewMockWorker(t, "shelter")
	shelter.FailWith("bed registry unavailable")
	shelter.CompleteWith(map[string]any{"address": "second try"})

	h := NewHarness(t, WithEndpoint("shelter", shelter.URL()))

	h.CreateCase("case-retry", nil)
	body := h.WaitCaseStatus("case-retry", model.CaseStatusCompleted)

	if reportOf(t, body)["completeness"] != true {
		t.Error("completeness = false after successful retry")
	}
	if got := len(shelter.WaitReceived(2)); got != 2 {
		t.Errorf("shelter dispatches = %d, want 2", got)
	}
	task := h.TaskByRole("case-retry", "shelter")
	if task.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", task.AttemptCount)
	}
}

// ==========================================================================
// Non-critical role exhausts its retries
// ==========================================================================

func TestNonCriticalRoleExhaustsRetries(t *testing.T) {
	pharmacy := NewMockWorker(t, "pharmacy")
	pharmacy.FailWith("formulary lookup failed")
	pharmacy.FailWith("formulary lookup failed")

	h := NewHarness(t, WithEndpoint("pharmacy", pharmacy.URL()), WithRetryCeiling(2))

	h.CreateCase("case-partial", nil)
	body := h.WaitCaseStatus("case-partial", model.CaseStatusPartial)

	report := reportOf(t, body)
	missing := missingFields(t, report)
	if !missing["pharmacy"] || len(missing) != 1 {
		t.Errorf("missing_fields = %v, want {pharmacy}", report["missing_fields"])
	}
	task := h.TaskByRole("case-partial", "pharmacy")
	if task.Status != model.TaskStatusFailed {
		t.Errorf("pharmacy status = %q, want failed", task.Status)
	}
}

// ==========================================================================
// Unreachable endpoint counts as attempt failures
// ==========================================================================

func TestEndpointErrorsExhaustRetries(t *testing.T) {
	pharmacy := NewMockWorker(t, "pharmacy")
	pharmacy.RejectWith(http.StatusInternalServerError)
	pharmacy.RejectWith(http.StatusInternalServerError)

	h := NewHarness(t, WithEndpoint("pharmacy", pharmacy.URL()), WithRetryCeiling(2))

	h.CreateCase("case-unreach", nil)
	body := h.WaitCaseStatus("case-unreach", model.CaseStatusPartial)

	if !missingFields(t, reportOf(t, body))["pharmacy"] {
		t.Error("pharmacy not listed in missing_fields")
	}
}

// ==========================================================================
// Critical role timeout fails the case and skips dependents
// ==========================================================================

func TestCriticalTimeoutSkipsDependents(t *testing.T) {
	shelter := NewMockWorker(t, "shelter")
	shelter.AckOnly()

	h := NewHarness(t,
		WithEndpoint("shelter", shelter.URL()),
		WithRetryCeiling(2),
		WithDefaultTimeout(50*time.Millisecond),
	)

	h.CreateCase("case-timeout", nil)
	shelter.WaitReceived(1)
	time.Sleep(60 * time.Millisecond)

	body := h.SweepUntilTerminal("case-timeout")
	caseObj, _ := body["case"].(map[string]any)
	if caseObj["status"] != model.CaseStatusFailed {
		t.Fatalf("case status = %v, want failed", caseObj["status"])
	}

	for _, role := range []string{"resource", "transport"} {
		task := h.TaskByRole("case-timeout", role)
		if task.Status != model.TaskStatusSkipped {
			t.Errorf("%s status = %q, want skipped", role, task.Status)
		}
	}
	report := reportOf(t, body)
	missing := missingFields(t, report)
	for _, role := range []string{"shelter", "resource", "transport"} {
		if !missing[role] {
			t.Errorf("missing_fields lacks %s: %v", role, report["missing_fields"])
		}
	}
}
