package actions_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/actions"
	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/kernel"
)

func newTestPool(t *testing.T, workers int) (*actions.Pool, kernel.Store, *bus.Bus) {
	t.Helper()
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/actions.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	reg := prometheus.NewRegistry()
	pool := actions.New(store, b, logger, actions.NewMetrics(reg), workers, 0)
	return pool, store, b
}

func TestSubmitAndCompleteLifecycle(t *testing.T) {
	pool, store, b := newTestPool(t, 2)
	pool.RegisterTool("echo", func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error) {
		return map[string]any{"echo": input["msg"]}, nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Shutdown()

	rx := b.Subscribe(16)
	defer rx.Close()

	id, err := pool.Submit(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	var sawCompleted bool
	for !sawCompleted {
		select {
		case env := <-rx.C():
			if env.Kind == "actions.completed" && env.Payload["id"] == id {
				sawCompleted = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for actions.completed")
		}
	}

	a, err := store.GetAction(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, kernel.ActionCompleted, a.State)
}

func TestToolErrorTransitionsToFailed(t *testing.T) {
	pool, store, _ := newTestPool(t, 1)
	pool.RegisterTool("boom", func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error) {
		return nil, errors.New("kaboom")
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Shutdown()

	id, err := pool.Submit(context.Background(), "boom", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := store.GetAction(context.Background(), id)
		return err == nil && a.State == kernel.ActionFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestToolPanicConvertsToStableFailure(t *testing.T) {
	pool, store, _ := newTestPool(t, 1)
	pool.RegisterTool("panics", func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error) {
		panic("unexpected")
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Shutdown()

	id, err := pool.Submit(context.Background(), "panics", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := store.GetAction(context.Background(), id)
		return err == nil && a.State == kernel.ActionFailed && a.Error != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitUnknownKindRejected(t *testing.T) {
	pool, _, _ := newTestPool(t, 1)
	_, err := pool.Submit(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestQueueFullRejectsAtHighWaterMark(t *testing.T) {
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/actions2.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	reg := prometheus.NewRegistry()
	pool := actions.New(store, b, logger, actions.NewMetrics(reg), 0, 1)
	pool.RegisterTool("slow", func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Shutdown()

	_, err = pool.Submit(context.Background(), "slow", nil)
	require.NoError(t, err)
	_, err = pool.Submit(context.Background(), "slow", nil)
	require.ErrorIs(t, err, actions.ErrQueueFull)
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	pool, _, _ := newTestPool(t, 1)
	pool.RegisterTool("echo", func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error) {
		return input, nil
	})
	pool.SetRateLimit(1, 1)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Shutdown()

	_, err := pool.Submit(context.Background(), "echo", nil)
	require.NoError(t, err)
	_, err = pool.Submit(context.Background(), "echo", nil)
	require.ErrorIs(t, err, actions.ErrRateLimited)
}

func TestKernelDisabledRejectsSubmit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	reg := prometheus.NewRegistry()
	pool := actions.New(nil, b, logger, actions.NewMetrics(reg), 1, 0)
	pool.RegisterTool("echo", func(ctx context.Context, input map[string]any, cancelled func() bool) (map[string]any, error) {
		return input, nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Shutdown()

	_, err := pool.Submit(context.Background(), "echo", nil)
	require.ErrorIs(t, err, actions.ErrKernelDisabled)
}
