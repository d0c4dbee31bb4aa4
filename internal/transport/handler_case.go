package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/orchestrator"
	"github.com/pitabwire/caseflow/internal/registry"
	"github.com/pitabwire/caseflow/model"
)

func handleCaseCreate(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CaseID       string         `json:"case_id"`
			InputPayload map[string]any `json:"input_payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		res, err := engine.CreateCase(r.Context(), body.CaseID, body.InputPayload)
		if err != nil {
			WriteError(w, err)
			return
		}

		if !res.Created {
			// Terminal resubmission: answer with the recorded outcome.
			resp := map[string]any{
				"case_id": res.Case.ID,
				"status":  res.Outcome.Status,
			}
			if res.Outcome.Report != nil {
				resp["report"] = res.Outcome.Report
			}
			WriteJSON(w, http.StatusOK, resp)
			return
		}

		WriteJSON(w, http.StatusCreated, map[string]any{
			"case_id": res.Case.ID,
			"status":  res.Case.Status,
		})
	}
}

func handleCaseGet(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")

		c, tasks, err := engine.GetCase(r.Context(), caseID)
		if err != nil {
			WriteError(w, err)
			return
		}

		resp := map[string]any{
			"case":  c,
			"tasks": tasks,
		}
		if model.CaseStatusIsTerminal(c.Status) && c.Status != model.CaseStatusAborted {
			if report, rerr := engine.Report(r.Context(), caseID); rerr == nil {
				resp["report"] = report
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleCaseList(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := registry.CaseFilters{
			Status: r.URL.Query().Get("status"),
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}

		cases, err := engine.ListCases(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		summaries := make([]model.CaseSummary, 0, len(cases))
		for _, c := range cases {
			summaries = append(summaries, model.CaseSummary{
				ID:        c.ID,
				Status:    c.Status,
				CreatedAt: c.CreatedAt,
				UpdatedAt: c.UpdatedAt,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"cases": summaries})
	}
}

func handleCaseAbort(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")

		existing, _, err := engine.GetCase(r.Context(), caseID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if model.CaseStatusIsTerminal(existing.Status) {
			WriteJSON(w, http.StatusOK, map[string]any{
				"case_id": existing.ID,
				"status":  existing.Status,
			})
			return
		}

		c, err := engine.Abort(r.Context(), caseID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"case_id": c.ID,
			"status":  c.Status,
		})
	}
}

func handleCaseReport(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")

		report, err := engine.Report(r.Context(), caseID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or unparseable.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
