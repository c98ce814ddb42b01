package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/arwhub/agenthub/internal/actions"
)

var validate = validator.New()

type submitActionRequest struct {
	Kind  string         `json:"kind" validate:"required"`
	Input map[string]any `json:"input"`
}

// handleSubmitAction implements POST /actions (spec §4.4, §6.1).
func handleSubmitAction(pool *actions.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
		if err := validate.Struct(req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error())
			return
		}

		id, err := pool.Submit(r.Context(), req.Kind, req.Input)
		if err != nil {
			if errors.Is(err, actions.ErrQueueFull) {
				writeProblem(w, http.StatusServiceUnavailable, "Queue full", err.Error())
				return
			}
			if errors.Is(err, actions.ErrRateLimited) {
				writeProblem(w, http.StatusTooManyRequests, "Rate limited", err.Error())
				return
			}
			if errors.Is(err, actions.ErrKernelDisabled) {
				writeProblem(w, http.StatusNotImplemented, "Kernel Disabled", err.Error())
				return
			}
			writeProblem(w, http.StatusBadRequest, "Submit failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}
