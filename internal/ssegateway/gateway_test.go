package ssegateway

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/kernel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandshakeIsFirstFrameWithIDZero(t *testing.T) {
	b := bus.New(discardLogger())
	gw := New(b, nil, discardLogger(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := newFlushRecorder()

	go gw.ServeHTTP(rec, req)
	time.Sleep(30 * time.Millisecond)

	body := rec.Body.String()
	assert.Contains(t, body, "event: service.connected")
	assert.Contains(t, body, "id: 0")
}

func TestResumeWithoutKernelReturns501(t *testing.T) {
	b := bus.New(discardLogger())
	gw := New(b, nil, discardLogger(), false)

	req := httptest.NewRequest(http.MethodGet, "/events?after=5", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestPrefixFilterExcludesNonMatchingLiveEvents(t *testing.T) {
	b := bus.New(discardLogger())
	gw := New(b, nil, discardLogger(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?prefix=actions.", nil).WithContext(ctx)
	rec := newFlushRecorder()

	go gw.ServeHTTP(rec, req)
	time.Sleep(20 * time.Millisecond)
	b.Publish("actions.submitted", map[string]any{"id": "a1"})
	b.Publish("service.health", map[string]any{"status": "ok"})
	time.Sleep(50 * time.Millisecond)

	body := rec.Body.String()
	assert.Contains(t, body, "actions.submitted")
	assert.NotContains(t, body, "service.health")
}

func TestCloudEventsModeWrapsPayload(t *testing.T) {
	b := bus.New(discardLogger())
	gw := New(b, nil, discardLogger(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := newFlushRecorder()

	go gw.ServeHTTP(rec, req)
	time.Sleep(20 * time.Millisecond)
	b.Publish("task.completed", map[string]any{"ok": true})
	time.Sleep(50 * time.Millisecond)

	body := rec.Body.String()
	assert.Contains(t, body, `"specversion":"1.0"`)
}

// flushRecorder adapts httptest.ResponseRecorder with an http.Flusher so the
// gateway's Flush() calls don't panic during streaming tests.
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushRecorder) Flush() {}

func TestMatchesPrefixNoFilterMatchesEverything(t *testing.T) {
	assert.True(t, matchesPrefix("anything.kind", nil))
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	got := splitCSV(" a, b ,, c")
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRecordDurableMapsFingerprintToRowID(t *testing.T) {
	b := bus.New(discardLogger())
	gw := New(b, nil, discardLogger(), false)

	env := bus.Envelope{Time: time.Now().UTC(), Kind: "actions.submitted", Payload: map[string]any{"id": "a1"}}
	gw.RecordDurable(env.Fingerprint(), 42)

	cached, ok := gw.idCache.Get(sseID(env))
	require.True(t, ok, "RecordDurable must seed the cache keyed by the fingerprint-derived id")
	assert.Equal(t, int64(42), cached)
}

func TestWriteEnvelopeFallsBackToFingerprintBeforeDurableRecord(t *testing.T) {
	b := bus.New(discardLogger())
	gw := New(b, nil, discardLogger(), false)

	env := bus.Envelope{Time: time.Now().UTC(), Kind: "actions.submitted", Payload: map[string]any{"id": "a1"}}
	rec := httptest.NewRecorder()
	require.NoError(t, gw.writeEnvelope(rec, env))
	assert.Contains(t, rec.Body.String(), "id: "+strconv.FormatInt(sseID(env), 10))
}

func TestReplayAfterSeedsIDCacheByFingerprint(t *testing.T) {
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/ssegateway.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	envTime := time.Now().UTC().Truncate(time.Millisecond)
	payload := map[string]any{"id": "a1"}
	rowID, err := store.AppendEvent(context.Background(), "actions.submitted", envTime, payload)
	require.NoError(t, err)

	b := bus.New(discardLogger())
	gw := New(b, store, discardLogger(), false)

	rec := newFlushRecorder()
	require.True(t, gw.replayAfter(context.Background(), rec, 0, nil))

	env := bus.Envelope{Time: envTime, Kind: "actions.submitted", Payload: payload}
	cached, ok := gw.idCache.Get(sseID(env))
	require.True(t, ok, "replayAfter must seed the cache keyed by the envelope's fingerprint")
	assert.Equal(t, rowID, cached)
}

func TestFrameFormatEndsWithBlankLine(t *testing.T) {
	var sb strings.Builder
	rw := httptest.NewRecorder()
	gw := &Gateway{}
	require.NoError(t, gw.writeFrameErr(rw, "kind.x", "1", map[string]any{"a": 1}))
	sb.WriteString(rw.Body.String())
	reader := bufio.NewReader(strings.NewReader(sb.String()))
	line, _ := reader.ReadString('\n')
	assert.Equal(t, "event: kind.x\n", line)
}
