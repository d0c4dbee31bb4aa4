package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/orchestrator"
	"github.com/pitabwire/caseflow/model"
)

// handleTaskResult is the worker completion callback. A malformed result
// body is treated as a failure of the attempt, per the validation policy.
func handleTaskResult(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")

		var body struct {
			Payload map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			if _, ferr := engine.ApplyFailure(r.Context(), taskID, "malformed result payload"); ferr != nil {
				WriteError(w, ferr)
				return
			}
			WriteValidationError(w, []model.FieldError{{
				Field:   "payload",
				Code:    "invalid",
				Message: "result payload is not valid JSON; recorded as attempt failure",
			}})
			return
		}

		applied, err := engine.ApplyResult(r.Context(), taskID, body.Payload)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeCallbackAck(w, taskID, applied)
	}
}

// handleTaskFailure is the worker failure callback.
func handleTaskFailure(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")

		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		reason := body.Error
		if reason == "" {
			reason = "worker reported failure"
		}

		applied, err := engine.ApplyFailure(r.Context(), taskID, reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeCallbackAck(w, taskID, applied)
	}
}

// writeCallbackAck answers a worker callback: 202 when the callback was
// applied, 200 when the attempt was no longer in flight and the callback
// was recorded as an audit event only.
func writeCallbackAck(w http.ResponseWriter, taskID string, applied bool) {
	status := http.StatusAccepted
	if !applied {
		status = http.StatusOK
	}
	WriteJSON(w, status, map[string]any{
		"task_id": taskID,
		"applied": applied,
	})
}
