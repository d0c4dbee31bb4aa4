package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/orchestrator"
	"github.com/pitabwire/caseflow/internal/timeline"
	"github.com/pitabwire/caseflow/model"
)

// handleTimelinePage serves a paged snapshot of a case's timeline.
func handleTimelinePage(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")
		after := queryInt64(r, "after", 0)
		limit := queryInt(r, "limit", 0)

		events, err := engine.Timeline(r.Context(), caseID, after, limit)
		if err != nil {
			WriteError(w, err)
			return
		}

		next := after
		if len(events) > 0 {
			next = events[len(events)-1].Seq
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"events":      events,
			"next_cursor": next,
		})
	}
}

// handleTimelineStream serves a case's timeline as Server-Sent Events. Each
// event's SSE id is its seq; reconnecting clients resume from the ?cursor
// query parameter or the standard Last-Event-ID header. Absent both, the
// stream replays from case start.
func handleTimelineStream(engine *orchestrator.Engine, hub *timeline.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")

		// Reject unknown cases before committing to the stream.
		if _, _, err := engine.GetCase(r.Context(), caseID); err != nil {
			WriteError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, model.NewInternalError())
			return
		}

		cursor := queryInt64(r, "cursor", -1)
		if cursor < 0 {
			cursor = headerInt64(r, "Last-Event-ID", 0)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := hub.Subscribe(r.Context(), caseID, cursor)
		defer sub.Close()

		for ev := range sub.Events() {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: timeline\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
		}
	}
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func headerInt64(r *http.Request, name string, def int64) int64 {
	raw := r.Header.Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}
