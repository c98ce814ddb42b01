package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/arwhub/agenthub/internal/contextassembler"
)

// handleContextAssemble implements POST /context/assemble (spec §4.6):
// builds a working-set document from intents, recent events, and file
// entities within the request's token budget.
func handleContextAssemble(asm *contextassembler.Assembler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contextassembler.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
		res, err := asm.Assemble(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Assembly failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
