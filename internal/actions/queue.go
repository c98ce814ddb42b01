// Package actions implements the action admission queue and supervised
// worker pool (spec.md C4): queued -> running -> {completed|failed}.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/kernel"
)

// Tool resolves an action kind to a callable. Tools must check Cancelled()
// at suspension points and return an error to fail the action.
type Tool func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error)

// Metrics groups the prometheus collectors this package registers.
type Metrics struct {
	QueueDepth         prometheus.Gauge
	WorkerConfigured   prometheus.Gauge
	ActionsSubmitted   prometheus.Counter
	ActionsCompleted   prometheus.Counter
	ActionsFailed      prometheus.Counter
}

// NewMetrics registers the action-queue collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "arw_actions_queue_depth", Help: "Number of actions not yet terminal."}),
		WorkerConfigured: prometheus.NewGauge(prometheus.GaugeOpts{Name: "arw_actions_workers_configured", Help: "Configured worker pool size."}),
		ActionsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{Name: "arw_actions_submitted_total", Help: "Actions admitted."}),
		ActionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{Name: "arw_actions_completed_total", Help: "Actions completed."}),
		ActionsFailed:    prometheus.NewCounter(prometheus.CounterOpts{Name: "arw_actions_failed_total", Help: "Actions failed."}),
	}
	reg.MustRegister(m.QueueDepth, m.WorkerConfigured, m.ActionsSubmitted, m.ActionsCompleted, m.ActionsFailed)
	return m
}

// ErrQueueFull is returned by Submit when depth exceeds the high-water mark.
var ErrQueueFull = fmt.Errorf("actions: queue depth exceeds high-water mark")

// ErrRateLimited is returned by Submit when the admission rate limiter has
// no tokens left (spec §4.4 admission, distinct from the high-water reject).
var ErrRateLimited = fmt.Errorf("actions: admission rate limit exceeded")

// ErrKernelDisabled is returned by Submit when the pool was built without a
// durable kernel store: admission requires a persisted actions row, so there
// is nothing to dispatch against.
var ErrKernelDisabled = fmt.Errorf("actions: kernel disabled")

// Pool is the supervised worker pool driving the action lifecycle.
type Pool struct {
	store   kernel.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *Metrics

	tools   map[string]Tool
	toolsMu sync.RWMutex

	workers  int
	highWater int

	depth atomic.Int64

	signal chan struct{}

	cancelFlags   map[string]*atomic.Bool
	cancelFlagsMu sync.Mutex

	limiter *rate.Limiter

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Pool. workers <= 0 defaults to runtime.NumCPU().
func New(store kernel.Store, b *bus.Bus, logger *slog.Logger, metrics *Metrics, workers, highWater int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		store: store, bus: b, logger: logger.With("component", "actions"), metrics: metrics,
		tools: make(map[string]Tool), workers: workers, highWater: highWater,
		signal:      make(chan struct{}, workers*4),
		cancelFlags: make(map[string]*atomic.Bool),
		stop:        make(chan struct{}),
	}
}

// SetRateLimit bounds admission to rps submissions per second with burst
// headroom of burst. rps <= 0 disables the limiter (the default).
func (p *Pool) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		p.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// RegisterTool binds a tool implementation to an action kind.
func (p *Pool) RegisterTool(kind string, t Tool) {
	p.toolsMu.Lock()
	defer p.toolsMu.Unlock()
	p.tools[kind] = t
}

// Start launches the worker goroutines and primes queue_depth from the
// kernel's current count (spec §4.4 queue_reset).
func (p *Pool) Start(ctx context.Context) error {
	var initial int
	if p.store != nil {
		counts, err := p.store.CountActionsByState(ctx)
		if err != nil {
			return fmt.Errorf("actions: queue_reset: %w", err)
		}
		initial = counts[kernel.ActionQueued] + counts[kernel.ActionRunning]
	}
	p.depth.Store(int64(initial))
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(initial))
		p.metrics.WorkerConfigured.Set(float64(p.workers))
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return nil
}

// Shutdown stops accepting new dispatch signals and waits for in-flight
// workers to observe the stop channel.
func (p *Pool) Shutdown() {
	close(p.stop)
	p.wg.Wait()
}

// Submit admits a new action: validates kind is registered, inserts the
// queued row, publishes actions.submitted, and wakes a worker.
func (p *Pool) Submit(ctx context.Context, kind string, input map[string]any) (string, error) {
	if p.store == nil {
		return "", ErrKernelDisabled
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return "", ErrRateLimited
	}
	if p.highWater > 0 && int(p.depth.Load()) >= p.highWater {
		return "", ErrQueueFull
	}

	p.toolsMu.RLock()
	_, known := p.tools[kind]
	p.toolsMu.RUnlock()
	if !known {
		return "", fmt.Errorf("actions: unknown kind %q", kind)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	a := &kernel.Action{ID: id, Kind: kind, Input: input, State: kernel.ActionQueued, Created: now, Updated: now}
	if err := p.store.InsertAction(ctx, a); err != nil {
		return "", err
	}

	p.depth.Add(1)
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(p.depth.Load()))
		p.metrics.ActionsSubmitted.Inc()
	}
	p.bus.Publish("actions.submitted", map[string]any{"id": id, "kind": kind})

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return id, nil
}

// Cancel flips the cooperative cancellation flag for a running action.
func (p *Pool) Cancel(id string) {
	p.cancelFlagsMu.Lock()
	defer p.cancelFlagsMu.Unlock()
	if f, ok := p.cancelFlags[id]; ok {
		f.Store(true)
	}
}

func (p *Pool) workerLoop(idx int) {
	defer p.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-p.stop:
			return
		case <-p.signal:
			for p.claimAndRun(ctx) {
			}
		case <-time.After(time.Second):
			// periodic poke in case a submit raced the signal channel being full
			for p.claimAndRun(ctx) {
			}
		}
	}
}

// claimAndRun claims one queued action if available and runs it to
// completion. It returns true if it claimed something (so the worker loop
// can keep draining the queue before going back to sleep).
func (p *Pool) claimAndRun(ctx context.Context) bool {
	if p.store == nil {
		return false
	}
	a, err := p.store.ClaimOldestQueued(ctx)
	if err != nil {
		return false
	}

	flag := &atomic.Bool{}
	p.cancelFlagsMu.Lock()
	p.cancelFlags[a.ID] = flag
	p.cancelFlagsMu.Unlock()
	defer func() {
		p.cancelFlagsMu.Lock()
		delete(p.cancelFlags, a.ID)
		p.cancelFlagsMu.Unlock()
	}()

	p.bus.Publish("actions.running", map[string]any{"id": a.ID, "kind": a.Kind})

	p.toolsMu.RLock()
	tool := p.tools[a.Kind]
	p.toolsMu.RUnlock()

	result, toolErr := p.invoke(ctx, tool, a.Input, flag.Load)

	if toolErr != nil {
		_ = p.store.UpdateActionState(ctx, a.ID, kernel.ActionRunning, kernel.ActionFailed, nil, toolErr.Error())
		p.depth.Add(-1)
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(p.depth.Load()))
			p.metrics.ActionsFailed.Inc()
		}
		p.bus.Publish("actions.failed", map[string]any{"id": a.ID, "kind": a.Kind, "error": toolErr.Error()})
		return true
	}

	_ = p.store.UpdateActionState(ctx, a.ID, kernel.ActionRunning, kernel.ActionCompleted, result, "")
	p.depth.Add(-1)
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(p.depth.Load()))
		p.metrics.ActionsCompleted.Inc()
	}
	p.bus.Publish("actions.completed", map[string]any{"id": a.ID, "kind": a.Kind, "result": result})
	return true
}

// invoke recovers tool panics into a stable failure error (spec §4.4).
func (p *Pool) invoke(ctx context.Context, tool Tool, input map[string]any, cancelled func() bool) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tool panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool panic: %v", r)
		}
	}()
	if tool == nil {
		return nil, fmt.Errorf("no tool registered")
	}
	return tool(ctx, input, cancelled)
}

// Depth returns the current in-flight (non-terminal) action count.
func (p *Pool) Depth() int64 { return p.depth.Load() }
