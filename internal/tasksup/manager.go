// Package tasksup implements the supervised task manager (spec.md C10):
// named goroutines restarted on panic or normal exit, with thrash
// detection over a sliding window.
package tasksup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arwhub/agenthub/internal/bus"
)

const (
	thrashWindow    = 30 * time.Second
	thrashThreshold = 5
)

// Fn is a supervised task body. It should return promptly when ctx is
// cancelled; any return (nil or not) or a panic triggers a restart unless
// ctx is cancelled.
type Fn func(ctx context.Context) error

type taskState struct {
	mu       sync.Mutex
	restarts []time.Time
	degraded bool
}

// Manager supervises a set of named tasks, restarting them on exit and
// emitting service.health events when a task thrashes.
type Manager struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*taskState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager bound to b for health-event publication.
func New(b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{bus: b, logger: logger.With("component", "task_manager"), states: make(map[string]*taskState)}
}

// Supervise launches a named task immediately in its own goroutine, bound to
// ctx: the task is restarted each time it returns or panics until ctx is
// cancelled. Restarts are counted per name for thrash detection.
func (m *Manager) Supervise(ctx context.Context, name string, fn Fn) {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		st = &taskState{}
		m.states[name] = st
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runLoop(ctx, name, fn, st)
}

func (m *Manager) runLoop(ctx context.Context, name string, fn Fn, st *taskState) {
	defer m.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		err := m.runOnce(ctx, name, fn)
		if ctx.Err() != nil {
			return
		}
		m.recordRestart(name, st, err)
	}
}

func (m *Manager) runOnce(ctx context.Context, name string, fn Fn) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

func (m *Manager) recordRestart(name string, st *taskState, cause error) {
	st.mu.Lock()
	now := time.Now()
	st.restarts = append(st.restarts, now)
	cutoff := now.Add(-thrashWindow)
	pruned := st.restarts[:0]
	for _, t := range st.restarts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	st.restarts = pruned
	count := len(st.restarts)
	wasDegraded := st.degraded
	if count >= thrashThreshold {
		st.degraded = true
	}
	st.mu.Unlock()

	if cause != nil {
		m.logger.Warn("task exited, restarting", "task", name, "error", cause, "restarts_window", count)
	}

	if count >= thrashThreshold && !wasDegraded && m.bus != nil {
		m.bus.Publish("service.health", map[string]any{
			"status": "degraded", "component": name, "reason": "task_thrashing",
			"restarts_window": count, "window_secs": 30,
		})
	}
}

// MarkHealthy emits a recovered event for name if it was previously marked
// degraded, clearing the flag (spec SUPPLEMENTED FEATURES item 4).
func (m *Manager) MarkHealthy(name string) {
	m.mu.Lock()
	st, ok := m.states[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	was := st.degraded
	st.degraded = false
	st.mu.Unlock()
	if was && m.bus != nil {
		m.bus.Publish("service.health", map[string]any{"status": "recovered", "component": name})
	}
}

// Wait blocks until every supervised task's goroutine has returned, which
// only happens once their contexts are cancelled.
func (m *Manager) Wait() {
	m.wg.Wait()
}
