// Package runtimesup implements the runtime registry and restore
// supervisor (spec.md C9): descriptor/status tracking, a sliding-window
// restart budget per runtime, and the restore request state machine.
package runtimesup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/readmodel"
)

// State is a runtime's lifecycle state (spec §3.6).
type State string

const (
	StateUnknown  State = "unknown"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateOffline  State = "offline"
	StateError    State = "error"
)

// Severity classifies how urgently a status update needs attention.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Descriptor identifies a runtime adapter instance (spec §3.6).
type Descriptor struct {
	ID         string   `json:"id"`
	Adapter    string   `json:"adapter"`
	Name       string   `json:"name,omitempty"`
	Modalities []string `json:"modalities,omitempty"`
}

// RestartBudget is computed from a per-runtime deque of attempt timestamps
// pruned to the configured window (spec §3.6).
type RestartBudget struct {
	WindowSeconds int        `json:"window_seconds"`
	MaxRestarts   int        `json:"max_restarts"`
	Used          int        `json:"used"`
	Remaining     int        `json:"remaining"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
}

// Status is a runtime's current observed state (spec §3.6).
type Status struct {
	State         State         `json:"state"`
	Severity      Severity      `json:"severity"`
	Summary       string        `json:"summary"`
	Detail        []string      `json:"detail,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
	RestartBudget RestartBudget `json:"restart_budget"`
}

type runtimeEntry struct {
	descriptor Descriptor
	status     Status
	attempts   []time.Time
}

// snapshotDoc is the on-disk persisted form (spec §4.8 Persistence).
type snapshotDoc struct {
	UpdatedAt time.Time          `json:"updated_at"`
	Runtimes  []snapshotRuntime `json:"runtimes"`
}

type snapshotRuntime struct {
	Descriptor Descriptor `json:"descriptor"`
	Status     Status     `json:"status"`
}

// Registry tracks desired descriptors and observed statuses for every
// registered runtime, persisting a snapshot on every mutation.
type Registry struct {
	mu            sync.RWMutex
	entries       map[string]*runtimeEntry
	windowSeconds int
	maxRestarts   int
	statePath     string
	bus           *bus.Bus
	logger        *slog.Logger
	projector     *readmodel.Projector
}

// SetProjector wires the runtime_registry read model (spec §4.10); nil
// disables projection.
func (r *Registry) SetProjector(p *readmodel.Projector) {
	r.mu.Lock()
	r.projector = p
	r.mu.Unlock()
	r.pushReadModel()
}

// pushReadModel publishes the current descriptor/status snapshot to the
// runtime_registry read model, mirroring what persist() writes to disk.
func (r *Registry) pushReadModel() {
	r.mu.RLock()
	p := r.projector
	r.mu.RUnlock()
	if p == nil {
		return
	}
	p.Replace("runtime_registry", map[string]any{"items": r.List()})
}

// Options configures a Registry.
type Options struct {
	WindowSeconds int
	MaxRestarts   int
	StatePath     string // runtime_registry.json path; "" disables persistence
}

// New constructs a Registry. Defaults: 600s window, 5 max restarts
// (ARW_RUNTIME_RESTART_WINDOW_SEC / ARW_RUNTIME_RESTART_MAX).
func New(opts Options, b *bus.Bus, logger *slog.Logger) *Registry {
	if opts.WindowSeconds <= 0 {
		opts.WindowSeconds = 600
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:       make(map[string]*runtimeEntry),
		windowSeconds: opts.WindowSeconds,
		maxRestarts:   opts.MaxRestarts,
		statePath:     opts.StatePath,
		bus:           b,
		logger:        logger.With("component", "runtime_registry"),
	}
}

// Register adds or replaces a runtime's descriptor, initializing its status
// to unknown if not already tracked.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	e, ok := r.entries[d.ID]
	if !ok {
		e = &runtimeEntry{status: Status{State: StateUnknown, Severity: SeverityInfo, UpdatedAt: time.Now()}}
		r.entries[d.ID] = e
	}
	e.descriptor = d
	r.mu.Unlock()
	r.persist()
	r.pushReadModel()
}

// Status returns the current status of a runtime, ok=false if unknown.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}

// List returns a snapshot of every tracked descriptor/status pair.
func (r *Registry) List() []struct {
	Descriptor Descriptor
	Status     Status
} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]struct {
		Descriptor Descriptor
		Status     Status
	}, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, struct {
			Descriptor Descriptor
			Status     Status
		}{Descriptor: e.descriptor, Status: e.status})
	}
	return out
}

// ApplyStatus records an out-of-band status observation (e.g. a health
// probe) without going through the restore state machine, pruning the
// restart-history deque and attaching a fresh budget snapshot.
func (r *Registry) ApplyStatus(id string, state State, severity Severity, summary string, detail []string) {
	r.mu.Lock()
	e := r.entryLocked(id)
	e.status = Status{
		State: state, Severity: severity, Summary: summary, Detail: detail,
		UpdatedAt: time.Now(), RestartBudget: r.budgetLocked(e),
	}
	r.mu.Unlock()
	r.persist()
	r.pushReadModel()
}

func (r *Registry) entryLocked(id string) *runtimeEntry {
	e, ok := r.entries[id]
	if !ok {
		e = &runtimeEntry{descriptor: Descriptor{ID: id}}
		r.entries[id] = e
	}
	return e
}

// budgetLocked prunes the attempt deque to the window and computes the
// budget snapshot; caller must hold r.mu.
func (r *Registry) budgetLocked(e *runtimeEntry) RestartBudget {
	cutoff := time.Now().Add(-time.Duration(r.windowSeconds) * time.Second)
	pruned := e.attempts[:0]
	for _, t := range e.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	e.attempts = pruned

	used := len(e.attempts)
	remaining := r.maxRestarts - used
	if remaining < 0 {
		remaining = 0
	}
	b := RestartBudget{WindowSeconds: r.windowSeconds, MaxRestarts: r.maxRestarts, Used: used, Remaining: remaining}
	if used > 0 {
		// §C. SUPPLEMENTED FEATURES item 3: reset_at is the oldest tracked
		// attempt plus the window, shown even when remaining > 0.
		resetAt := e.attempts[0].Add(time.Duration(r.windowSeconds) * time.Second)
		b.ResetAt = &resetAt
	}
	return b
}

// RequestRestore drives the restore request state machine (spec §4.8).
// startHook, if non-nil, is invoked after the "starting" transition and its
// error (if any) determines whether the runtime reaches "ready" or "error";
// if nil, a 1s timer simulates the supervisor hook succeeding.
func (r *Registry) RequestRestore(ctx context.Context, id string, startHook func(context.Context) error) {
	r.mu.Lock()
	e := r.entryLocked(id)
	now := time.Now()
	e.attempts = append(e.attempts, now)
	budget := r.budgetLocked(e)

	if budget.Used > budget.MaxRestarts {
		e.status = Status{
			State: StateError, Severity: SeverityError, Summary: "Restart budget exhausted",
			UpdatedAt: time.Now(), RestartBudget: budget,
		}
		r.mu.Unlock()
		r.persist()
		r.pushReadModel()
		r.logger.Warn("restart budget exhausted", "runtime", id, "used", budget.Used, "max", budget.MaxRestarts)
		return
	}

	e.status = Status{State: StateStarting, Severity: SeverityInfo, Summary: "restoring", UpdatedAt: now, RestartBudget: budget}
	r.mu.Unlock()
	r.persist()
	r.pushReadModel()

	if r.bus != nil {
		r.bus.Publish("runtime.restore.requested", map[string]any{"id": id})
	}

	var hookErr error
	if startHook != nil {
		hookErr = startHook(ctx)
	} else {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			hookErr = ctx.Err()
		}
	}

	r.mu.Lock()
	e = r.entryLocked(id)
	b := r.budgetLocked(e)
	if hookErr != nil {
		e.status = Status{State: StateError, Severity: SeverityError, Summary: hookErr.Error(), UpdatedAt: time.Now(), RestartBudget: b}
	} else {
		e.status = Status{State: StateReady, Severity: SeverityInfo, Summary: "ready", UpdatedAt: time.Now(), RestartBudget: b}
	}
	final := e.status
	r.mu.Unlock()
	r.persist()
	r.pushReadModel()

	if r.bus != nil {
		r.bus.Publish("runtime.restore.completed", map[string]any{"id": id, "state": string(final.State)})
	}
}

// persist atomically rewrites the registry snapshot to disk (tmp+rename).
// Failures are logged but never propagate; persistence is best-effort.
func (r *Registry) persist() {
	if r.statePath == "" {
		return
	}
	r.mu.RLock()
	doc := snapshotDoc{UpdatedAt: time.Now(), Runtimes: make([]snapshotRuntime, 0, len(r.entries))}
	for _, e := range r.entries {
		doc.Runtimes = append(doc.Runtimes, snapshotRuntime{Descriptor: e.descriptor, Status: e.status})
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		r.logger.Error("marshal runtime registry snapshot", "error", err)
		return
	}

	dir := filepath.Dir(r.statePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		r.logger.Error("create runtime registry dir", "error", err)
		return
	}
	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		r.logger.Error("write runtime registry temp", "error", err)
		return
	}
	if err := os.Rename(tmp, r.statePath); err != nil {
		_ = os.Remove(tmp)
		r.logger.Error("rename runtime registry", "error", err)
	}
}

// Restore loads a previously persisted snapshot, tolerating a missing file
// (first run) and ignoring malformed entries individually rather than
// failing the whole load.
func (r *Registry) Restore() error {
	if r.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read runtime registry: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("runtime registry snapshot is malformed, starting empty", "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range doc.Runtimes {
		if rt.Descriptor.ID == "" {
			continue // malformed entry: tolerate, skip
		}
		r.entries[rt.Descriptor.ID] = &runtimeEntry{descriptor: rt.Descriptor, status: rt.Status}
	}
	return nil
}
