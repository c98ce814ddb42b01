package httpapi

import (
	"net/http"
	"time"
)

// handleHealthz implements GET /healthz: a liveness probe independent of
// the admin-auth chain.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleStateCluster implements GET /state/cluster. This build runs as a
// single local-first node, so the cluster view always reports one member.
func handleStateCluster(nodeID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"nodes": []map[string]any{
				{"id": nodeID, "role": "leader", "status": "up"},
			},
		})
	}
}

// handleStateIdentity implements GET /state/identity: the node's own
// self-reported identity document.
func handleStateIdentity(nodeID, version string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         nodeID,
			"version":    version,
			"started_at": startedAt.UTC().Format(time.RFC3339),
		})
	}
}

// handleStateTrainingTelemetry implements GET /state/training/telemetry.
// Training-loop instrumentation is out of scope for this service (no
// trainer component exists); the endpoint still exists so clients polling
// the full state surface don't hit a hard 404, but reports an empty set.
func handleStateTrainingTelemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
}
