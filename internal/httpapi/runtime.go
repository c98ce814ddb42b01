package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/arwhub/agenthub/internal/runtimesup"
)

// handleStateRuntimes implements GET /state/runtimes: the registry's full
// descriptor/status snapshot (not in spec.md's "selected" table but named
// by C9's contract in §4.8/§3.6).
func handleStateRuntimes(reg *runtimesup.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"items": reg.List()})
	}
}

type restoreRequest struct {
	Restart bool `json:"restart"`
}

// handleRuntimeRestore implements POST /admin/runtime/{id}/restore: when
// the body sets "restart": true it drives the restore state machine in
// §4.8 synchronously, then reports the runtime's status; without that
// flag it only reports the current status. Without a real adapter-start
// hook wired per runtime, a restore always uses the registry's fallback
// timer.
func handleRuntimeRestore(reg *runtimesup.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req restoreRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Restart {
			reg.RequestRestore(r.Context(), id, nil)
		}
		status, _ := reg.Status(id)
		if status.State == runtimesup.StateError && status.RestartBudget.Remaining == 0 {
			writeProblemErrors(w, http.StatusTooManyRequests, "Restart budget exhausted", status.Summary, status.RestartBudget)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}
