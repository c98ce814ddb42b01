package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/arwhub/agenthub/internal/configstate"
)

// handlePatchApply implements POST /patch/apply (spec §4.11, §6.1).
func handlePatchApply(cfg *configstate.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req configstate.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}

		res, err := cfg.Apply(r.Context(), req)
		if err != nil {
			var verr *configstate.ValidationError
			if errors.As(err, &verr) {
				writeProblemErrors(w, http.StatusBadRequest, "Schema validation failed", verr.Error(), verr.Errors)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Patch apply failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type revertRequest struct {
	SnapshotID int64 `json:"snapshot_id"`
}

// handlePatchRevert implements POST /patch/revert.
func handlePatchRevert(cfg *configstate.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req revertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
		res, err := cfg.Revert(r.Context(), req.SnapshotID)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "Snapshot not found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// handlePatchValidate implements POST /patch/validate: runs Apply with
// dry_run forced true so patches are validated without ever persisting.
func handlePatchValidate(cfg *configstate.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req configstate.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
		req.DryRun = true

		res, err := cfg.Apply(r.Context(), req)
		if err != nil {
			var verr *configstate.ValidationError
			if errors.As(err, &verr) {
				writeProblemErrors(w, http.StatusBadRequest, "Schema validation failed", verr.Error(), verr.Errors)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Validation failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "diff": res.Diff})
	}
}
