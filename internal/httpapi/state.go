package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/arwhub/agenthub/internal/configstate"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/readmodel"
)

// handleStateActions implements GET /state/actions (spec §6.1).
func handleStateActions(store kernel.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := store.ListActions(r.Context(), 500)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": 1, "items": list})
	}
}

// handleStateObservations implements GET /state/observations: a snapshot
// of the most recent durable events.
func handleStateObservations(store kernel.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 200
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		rows, err := store.RecentEvents(r.Context(), limit, 0)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": 1, "items": rows})
	}
}

// handleStateConfig implements GET /state/config: the effective config
// document, as JSON by default or YAML when ?format=yaml is given.
func handleStateConfig(cfg *configstate.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := strings.ToLower(r.URL.Query().Get("format"))
		if format == "" {
			format = "json"
		}
		doc := cfg.Current()
		switch format {
		case "json":
			writeJSON(w, http.StatusOK, doc)
		case "yaml":
			body, err := yaml.Marshal(doc)
			if err != nil {
				writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
		default:
			writeProblem(w, http.StatusBadRequest, "Invalid format",
				"supported formats: json, yaml")
		}
	}
}

// handleConfigSnapshots implements GET /state/config/snapshots[/{id}]
// (spec §6.1; 501 when the kernel is disabled, 404 on unknown id).
func handleConfigSnapshots(store kernel.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeProblem(w, http.StatusNotImplemented, "Kernel disabled", "config history requires the durable kernel")
			return
		}
		if idStr, ok := mux.Vars(r)["id"]; ok && idStr != "" {
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid id", err.Error())
				return
			}
			snap, err := store.GetConfigSnapshot(r.Context(), id)
			if err != nil {
				writeProblem(w, http.StatusNotFound, "Snapshot not found", err.Error())
				return
			}
			writeJSON(w, http.StatusOK, snap)
			return
		}
		list, err := store.ListConfigSnapshots(r.Context(), 200)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": list})
	}
}

// handleReadModel serves any named projector document under
// /state/{model}/read_model for clients that prefer polling over SSE patch replay.
func handleReadModel(proj *readmodel.Projector, id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, proj.Snapshot(id))
	}
}

// handleJournalTail implements GET /admin/events/journal (spec §6.1, §C.1):
// tails the durable journal, honouring CSV `prefix` and `limit` (max 1000),
// 404 when disabled.
func handleJournalTail(store kernel.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeProblem(w, http.StatusNotFound, "Journal disabled", "durable kernel is not enabled")
			return
		}
		limit := 200
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > 1000 {
			limit = 1000
		}
		var prefixes []string
		if v := r.URL.Query().Get("prefix"); v != "" {
			prefixes = splitCSVState(v)
		}

		rows, err := store.RecentEvents(r.Context(), limit, 0)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error())
			return
		}
		if len(prefixes) > 0 {
			filtered := rows[:0]
			for _, row := range rows {
				if matchesAnyPrefix(row.Kind, prefixes) {
					filtered = append(filtered, row)
				}
			}
			rows = filtered
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": rows})
	}
}

func matchesAnyPrefix(kind string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(kind) >= len(p) && kind[:len(p)] == p {
			return true
		}
	}
	return false
}

func splitCSVState(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
