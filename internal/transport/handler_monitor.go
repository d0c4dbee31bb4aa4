package transport

import (
	"net/http"

	"github.com/pitabwire/caseflow/internal/monitor"
)

func handleMonitorRoles(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if mon == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"roles": []any{}})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"roles": mon.Stats()})
	}
}

func handleMonitorAlerts(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if mon == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"alerts": []any{}})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"alerts": mon.Alerts()})
	}
}
