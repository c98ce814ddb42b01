package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/actions"
	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/configstate"
	"github.com/arwhub/agenthub/internal/httpapi"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/readmodel"
	"github.com/arwhub/agenthub/internal/runtimesup"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (http.Handler, *httpapi.ProjectStore) {
	t.Helper()
	logger := discardLogger()
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New(logger)
	pool := actions.New(store, b, logger, actions.NewMetrics(prometheus.NewRegistry()), 1, 0)
	pool.RegisterTool("echo", func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error) {
		return input, nil
	})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Shutdown)

	proj := readmodel.New(b)
	cfg := configstate.New(map[string]any{"server": map[string]any{"port": 8080.0}}, store, b, proj)
	reg := runtimesup.New(runtimesup.Options{StatePath: t.TempDir() + "/runtimes.json"}, b, logger)
	projects := &httpapi.ProjectStore{Root: t.TempDir()}

	router := httpapi.NewRouter(httpapi.Deps{
		Logger:    logger,
		Store:     store,
		Actions:   pool,
		Config:    cfg,
		Projector: proj,
		Runtimes:  reg,
		Projects:  projects,
		MaxConc:   64,
		NodeID:    "test-node",
		Version:   "test",
		StartedAt: time.Now(),
	})
	return router, projects
}

func TestHealthzReturnsOK(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitActionReturnsID(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]any{"kind": "echo", "input": map[string]any{"msg": "hi"}})
	req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])
}

func TestSubmitActionMissingKindIsBadRequest(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]any{"input": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEndpointRejectsNonLoopbackWithoutToken(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/events/journal", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestAdminEndpointAllowsLoopback(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/events/journal", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPatchApplySetOverridesConfig(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]any{
		"patches": []map[string]any{{"target": "server.port", "op": "set", "value": 9090.0}},
	})
	req := httptest.NewRequest(http.MethodPost, "/patch/apply", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	cfgReq := httptest.NewRequest(http.MethodGet, "/state/config", nil)
	cfgRec := httptest.NewRecorder()
	router.ServeHTTP(cfgRec, cfgReq)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(cfgRec.Body.Bytes(), &doc))
	server := doc["server"].(map[string]any)
	require.Equal(t, 9090.0, server["port"])
}

func TestProjectNotesRoundTripAndConflict(t *testing.T) {
	router, projects := newTestRouter(t)
	require.NotNil(t, projects)

	getReq := httptest.NewRequest(http.MethodGet, "/state/projects/alpha/notes", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	var first map[string]any
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &first))
	sha := first["sha256"].(string)

	putBody, _ := json.Marshal(map[string]any{"content": "hello", "prev_sha256": sha})
	putReq := httptest.NewRequest(http.MethodPut, "/projects/alpha/notes", bytes.NewReader(putBody))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code)

	staleReq := httptest.NewRequest(http.MethodPut, "/projects/alpha/notes", bytes.NewReader(putBody))
	staleRec := httptest.NewRecorder()
	router.ServeHTTP(staleRec, staleReq)
	require.Equal(t, http.StatusConflict, staleRec.Code)
}
