package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arwhub/agenthub/internal/actions"
	"github.com/arwhub/agenthub/internal/configstate"
	"github.com/arwhub/agenthub/internal/contextassembler"
	"github.com/arwhub/agenthub/internal/egress"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/readmodel"
	"github.com/arwhub/agenthub/internal/runtimesup"
	"github.com/arwhub/agenthub/internal/ssegateway"
)

// Deps bundles every component the router wires onto the HTTP surface.
// With a nil Store the kernel-dependent history endpoints answer with a
// problem response: 501 for config snapshot history, 404 for the journal
// tail (spec §6.1).
type Deps struct {
	Logger      *slog.Logger
	Store       kernel.Store
	Actions     *actions.Pool
	Config      *configstate.Engine
	Assembler   *contextassembler.Assembler
	Projector   *readmodel.Projector
	Runtimes    *runtimesup.Registry
	Gateway     *ssegateway.Gateway
	WSMirror    *ssegateway.WSMirror
	Blobs       *BlobStore
	Projects    *ProjectStore
	Admin       AdminAuth
	MaxConc     int
	NodeID      string
	Version     string
	StartedAt   time.Time
	Metrics     *prometheus.Registry
	Egress      *egress.Engine
}

// NewRouter builds the full gorilla/mux router: every handler in this
// package wired together with the request-id, logging, concurrency-limit,
// and admin-auth middleware chain (spec §6.1, §7, grounded on the
// teacher's internal/api/router.go subrouter layout).
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(d.Logger))
	r.Use(ConcurrencyLimit(d.MaxConc))

	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if d.Gateway != nil {
		r.Handle("/events", d.Gateway).Methods(http.MethodGet)
	}
	if d.WSMirror != nil {
		r.Handle("/ws/events", d.WSMirror).Methods(http.MethodGet)
	}

	if d.Actions != nil {
		r.HandleFunc("/actions", handleSubmitAction(d.Actions)).Methods(http.MethodPost)
	}
	if d.Assembler != nil {
		r.HandleFunc("/context/assemble", handleContextAssemble(d.Assembler)).Methods(http.MethodPost)
	}

	state := r.PathPrefix("/state").Subrouter()
	if d.Store != nil {
		state.HandleFunc("/actions", handleStateActions(d.Store)).Methods(http.MethodGet)
		state.HandleFunc("/observations", handleStateObservations(d.Store)).Methods(http.MethodGet)
	}
	state.HandleFunc("/config/snapshots", handleConfigSnapshots(d.Store)).Methods(http.MethodGet)
	state.HandleFunc("/config/snapshots/{id}", handleConfigSnapshots(d.Store)).Methods(http.MethodGet)
	if d.Config != nil {
		state.HandleFunc("/config", handleStateConfig(d.Config)).Methods(http.MethodGet)
	}
	if d.Projector != nil {
		for _, id := range []string{"observations", "actions", "projects", "runtime_registry", "policy_capsules", "config"} {
			state.HandleFunc("/"+id+"/read_model", handleReadModel(d.Projector, id)).Methods(http.MethodGet)
		}
	}
	if d.Runtimes != nil {
		state.HandleFunc("/runtimes", handleStateRuntimes(d.Runtimes)).Methods(http.MethodGet)
	}
	if d.Blobs != nil {
		state.HandleFunc("/models_hashes", d.Blobs.ListHashes).Methods(http.MethodGet)
	}
	state.HandleFunc("/cluster", handleStateCluster(d.NodeID)).Methods(http.MethodGet)
	state.HandleFunc("/identity", handleStateIdentity(d.NodeID, d.Version, d.StartedAt)).Methods(http.MethodGet)
	state.HandleFunc("/training/telemetry", handleStateTrainingTelemetry).Methods(http.MethodGet)
	if d.Projects != nil {
		state.HandleFunc("/projects", d.Projects.List).Methods(http.MethodGet)
		state.HandleFunc("/projects/{proj}/notes", d.Projects.GetNotes).Methods(http.MethodGet)
	}

	if d.Config != nil {
		patch := r.PathPrefix("/patch").Subrouter()
		patch.HandleFunc("/apply", handlePatchApply(d.Config)).Methods(http.MethodPost)
		patch.HandleFunc("/revert", handlePatchRevert(d.Config)).Methods(http.MethodPost)
		patch.HandleFunc("/validate", handlePatchValidate(d.Config)).Methods(http.MethodPost)
	}

	if d.Projects != nil {
		r.HandleFunc("/projects/{proj}/notes", d.Projects.PutNotes).Methods(http.MethodPut)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(d.Admin.Middleware)
	admin.HandleFunc("/events/journal", handleJournalTail(d.Store)).Methods(http.MethodGet)
	if d.Blobs != nil {
		admin.HandleFunc("/models/by-hash/{sha256}", d.Blobs.ByHash).Methods(http.MethodGet, http.MethodHead)
		admin.HandleFunc("/models/download", d.Blobs.Download).Methods(http.MethodPost)
		admin.HandleFunc("/models/download/cancel", d.Blobs.CancelDownload).Methods(http.MethodPost)
	}
	if d.Runtimes != nil {
		admin.HandleFunc("/runtime/{id}/restore", handleRuntimeRestore(d.Runtimes)).Methods(http.MethodPost)
	}
	if d.Egress != nil {
		admin.HandleFunc("/egress/evaluate", handleEgressEvaluate(d.Egress)).Methods(http.MethodPost)
	}

	return r
}
