// Package ssegateway maps the event bus and kernel journal into SSE (and a
// companion WebSocket) streams, with Last-Event-ID resume semantics.
package ssegateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/kernel"
)

const keepAliveInterval = 10 * time.Second

// ErrKernelDisabled names the condition of a resume request that needs the
// durable kernel when it is not configured. ServeHTTP does not return it: it
// answers such a request with a 501 problem response.
var ErrKernelDisabled = fmt.Errorf("ssegateway: kernel disabled")

// Gateway serves /events and /ws/events.
type Gateway struct {
	bus         *bus.Bus
	store       kernel.Store // nil when kernel is disabled
	logger      *slog.Logger
	idCache     *lru.Cache[int64, int64]
	replayCap   int
	ceMode      bool
	newRequestID func() string
}

// New builds a Gateway. store may be nil if the kernel is disabled.
func New(b *bus.Bus, store kernel.Store, logger *slog.Logger, ceMode bool) *Gateway {
	cache, _ := lru.New[int64, int64](4096)
	return &Gateway{
		bus: b, store: store, logger: logger.With("component", "ssegateway"),
		idCache: cache, replayCap: 1000, ceMode: ceMode,
		newRequestID: defaultRequestID,
	}
}

func defaultRequestID() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	return fmt.Sprintf("req-%x", buf)
}

// fingerprintToSSEID folds an envelope fingerprint into a positive int64
// usable as an SSE `id:` line and as the idCache key.
func fingerprintToSSEID(fp uint64) int64 {
	return int64(fp &^ (1 << 63))
}

// sseID derives a stable per-envelope SSE id from a deterministic
// fingerprint of the envelope itself (spec §3.8). writeEnvelope swaps in the
// kernel row id when the idCache maps this id to one.
func sseID(env bus.Envelope) int64 {
	return fingerprintToSSEID(env.Fingerprint())
}

// RecordDurable maps an envelope's fingerprint to the durable row id the
// kernel assigned it, so writeEnvelope's cache lookup (keyed by the same
// fingerprint-derived id) resolves the durable id instead of falling back
// to the raw fingerprint. Called by the bus's durable-append subscriber
// once per envelope, after the kernel append succeeds.
func (g *Gateway) RecordDurable(fp uint64, rowID int64) {
	g.idCache.Add(fingerprintToSSEID(fp), rowID)
}

type replayMode string

const (
	replayModeLive  replayMode = "live"
	replayModeRecent replayMode = "recent"
	replayModeAfter replayMode = "after"
)

// ServeHTTP implements GET /events.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefixes := splitCSV(q.Get("prefix"))

	afterStr := q.Get("after")
	if afterStr == "" {
		afterStr = r.Header.Get("Last-Event-ID")
	}
	replayN, _ := strconv.Atoi(q.Get("replay"))

	var afterID int64
	var mode replayMode
	if v, err := strconv.ParseInt(afterStr, 10, 64); err == nil {
		afterID = v
		mode = replayModeAfter
	} else if replayN > 0 {
		mode = replayModeRecent
	} else {
		mode = replayModeLive
	}

	if mode != replayModeLive && g.store == nil {
		writeProblem(w, http.StatusNotImplemented, "kernel-disabled", "Kernel Disabled",
			"resume/replay requires the durable kernel, which is disabled")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "streaming-unsupported", "Streaming Unsupported", "")
		return
	}

	rx := g.bus.Subscribe(bus.DefaultReceiverCapacity)
	defer rx.Close()

	reqID := g.newRequestID()
	handshake := map[string]any{
		"request_id":   reqID,
		"resume_from":  afterID,
		"replay":       map[string]any{"mode": string(mode), "count": replayN},
		"prefixes":     prefixes,
		"kernel_replay": g.store != nil,
	}
	g.writeFrame(w, "service.connected", "0", handshake)
	flusher.Flush()

	ctx := r.Context()
	if mode == replayModeAfter {
		if !g.replayAfter(ctx, w, afterID, prefixes) {
			return
		}
	} else if mode == replayModeRecent {
		if !g.replayRecent(ctx, w, replayN, prefixes) {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, ok := <-rx.C():
			if !ok {
				return
			}
			if rx.Lagged() {
				g.logger.Warn("sse subscriber lagged, resubscribe or replay from kernel required", "request_id", reqID)
			}
			if !matchesPrefix(env.Kind, prefixes) {
				continue
			}
			if err := g.writeEnvelope(w, env); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (g *Gateway) replayAfter(ctx context.Context, w http.ResponseWriter, afterID int64, prefixes []string) bool {
	rows, err := g.store.RecentEvents(ctx, g.replayCap, afterID)
	if err != nil {
		g.logger.Error("replay after failed", "error", err)
		return false
	}
	for _, row := range rows {
		if !matchesPrefix(row.Kind, prefixes) {
			continue
		}
		fp := bus.Envelope{Time: row.Time, Kind: row.Kind, Payload: row.Payload}.Fingerprint()
		g.idCache.Add(fingerprintToSSEID(fp), row.ID)
		g.writeFrame(w, row.Kind, strconv.FormatInt(row.ID, 10), row.Payload)
	}
	return true
}

func (g *Gateway) replayRecent(ctx context.Context, w http.ResponseWriter, n int, prefixes []string) bool {
	if n > g.replayCap {
		n = g.replayCap
	}
	rows, err := g.store.RecentEvents(ctx, n, 0)
	if err != nil {
		g.logger.Error("replay recent failed", "error", err)
		return false
	}
	for _, row := range rows {
		if !matchesPrefix(row.Kind, prefixes) {
			continue
		}
		g.writeFrame(w, row.Kind, strconv.FormatInt(row.ID, 10), row.Payload)
	}
	return true
}

func (g *Gateway) writeEnvelope(w http.ResponseWriter, env bus.Envelope) error {
	id := sseID(env)
	if known, ok := g.idCache.Get(id); ok {
		id = known
	}
	if g.ceMode {
		return g.writeCloudEvent(w, env, id)
	}
	return g.writeFrameErr(w, env.Kind, strconv.FormatInt(id, 10), env.Payload)
}

func (g *Gateway) writeCloudEvent(w http.ResponseWriter, env bus.Envelope, id int64) error {
	ce := map[string]any{
		"specversion":     "1.0",
		"id":              strconv.FormatInt(id, 10),
		"type":            env.Kind,
		"source":          "agenthub",
		"time":            env.Time.Format(time.RFC3339Nano),
		"datacontenttype": "application/json",
		"data":            env.Payload,
	}
	return g.writeFrameErr(w, env.Kind, strconv.FormatInt(id, 10), ce)
}

func (g *Gateway) writeFrame(w http.ResponseWriter, event, id string, data any) {
	_ = g.writeFrameErr(w, event, id, data)
}

func (g *Gateway) writeFrameErr(w http.ResponseWriter, event, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "data: %s\n\n", payload)
	_, err = w.Write([]byte(b.String()))
	return err
}

func matchesPrefix(kind string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
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

type problemDoc struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, typ, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDoc{Type: typ, Title: title, Status: status, Detail: detail})
}
