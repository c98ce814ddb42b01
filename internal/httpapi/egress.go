package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/arwhub/agenthub/internal/egress"
)

type egressEvaluateRequest struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Scheme  string `json:"scheme"`
	CorrID  string `json:"corr_id"`
	Project string `json:"project"`
}

// handleEgressEvaluate implements POST /admin/egress/evaluate: a dry-run
// probe against the egress policy engine, useful for operators debugging
// an allowlist without actually dispatching a tool call (spec §4.7).
func handleEgressEvaluate(e *egress.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req egressEvaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
		if req.Scheme == "" {
			req.Scheme = "https"
		}
		decision := e.Evaluate(r.Context(), req.Host, req.Port, req.Scheme, req.CorrID, req.Project)
		writeJSON(w, http.StatusOK, decision)
	}
}
