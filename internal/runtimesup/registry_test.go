package runtimesup_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/runtimesup"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func drain(r *bus.Receiver) []string {
	var kinds []string
	for {
		select {
		case env := <-r.C():
			kinds = append(kinds, env.Kind)
		default:
			return kinds
		}
	}
}

func TestRequestRestoreSucceedsPublishesRequestedAndCompleted(t *testing.T) {
	b := bus.New(discardLogger())
	recv := b.Subscribe(64)
	reg := runtimesup.New(runtimesup.Options{MaxRestarts: 5, WindowSeconds: 60}, b, discardLogger())
	reg.Register(runtimesup.Descriptor{ID: "llm-1", Adapter: "local"})

	reg.RequestRestore(context.Background(), "llm-1", func(context.Context) error { return nil })

	status, ok := reg.Status("llm-1")
	require.True(t, ok)
	assert.Equal(t, runtimesup.StateReady, status.State)

	kinds := drain(recv)
	assert.Contains(t, kinds, "runtime.restore.requested")
	assert.Contains(t, kinds, "runtime.restore.completed")
}

func TestRequestRestoreHookFailureTransitionsToError(t *testing.T) {
	b := bus.New(discardLogger())
	reg := runtimesup.New(runtimesup.Options{MaxRestarts: 5, WindowSeconds: 60}, b, discardLogger())

	reg.RequestRestore(context.Background(), "llm-2", func(context.Context) error { return errors.New("boom") })

	status, ok := reg.Status("llm-2")
	require.True(t, ok)
	assert.Equal(t, runtimesup.StateError, status.State)
	assert.Equal(t, "boom", status.Summary)
}

func TestRequestRestoreOverBudgetDeniesWithoutPublishingEvents(t *testing.T) {
	b := bus.New(discardLogger())
	recv := b.Subscribe(64)
	reg := runtimesup.New(runtimesup.Options{MaxRestarts: 2, WindowSeconds: 60}, b, discardLogger())

	ok := func(context.Context) error { return nil }
	reg.RequestRestore(context.Background(), "llm-3", ok)
	reg.RequestRestore(context.Background(), "llm-3", ok)
	drain(recv)

	reg.RequestRestore(context.Background(), "llm-3", ok)

	status, found := reg.Status("llm-3")
	require.True(t, found)
	assert.Equal(t, runtimesup.StateError, status.State)
	assert.Equal(t, "Restart budget exhausted", status.Summary)
	assert.Equal(t, 0, status.RestartBudget.Remaining)

	kinds := drain(recv)
	assert.NotContains(t, kinds, "runtime.restore.requested")
	assert.NotContains(t, kinds, "runtime.restore.completed")
}

func TestRestartBudgetResetAtIsOldestAttemptPlusWindow(t *testing.T) {
	b := bus.New(discardLogger())
	reg := runtimesup.New(runtimesup.Options{MaxRestarts: 5, WindowSeconds: 60}, b, discardLogger())
	before := time.Now()
	reg.RequestRestore(context.Background(), "llm-4", func(context.Context) error { return nil })
	after := time.Now()

	status, ok := reg.Status("llm-4")
	require.True(t, ok)
	require.NotNil(t, status.RestartBudget.ResetAt)
	assert.False(t, status.RestartBudget.ResetAt.Before(before.Add(60*time.Second)))
	assert.False(t, status.RestartBudget.ResetAt.After(after.Add(60*time.Second)))
	assert.Greater(t, status.RestartBudget.Remaining, 0)
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime_registry.json")
	b := bus.New(discardLogger())

	reg := runtimesup.New(runtimesup.Options{MaxRestarts: 5, WindowSeconds: 60, StatePath: path}, b, discardLogger())
	reg.Register(runtimesup.Descriptor{ID: "llm-5", Adapter: "local", Name: "primary"})
	reg.ApplyStatus("llm-5", runtimesup.StateReady, runtimesup.SeverityInfo, "ok", nil)

	_, err := os.Stat(path)
	require.NoError(t, err)

	reg2 := runtimesup.New(runtimesup.Options{MaxRestarts: 5, WindowSeconds: 60, StatePath: path}, b, discardLogger())
	require.NoError(t, reg2.Restore())

	status, ok := reg2.Status("llm-5")
	require.True(t, ok)
	assert.Equal(t, runtimesup.StateReady, status.State)
}

func TestRestoreToleratesMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime_registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	b := bus.New(discardLogger())
	reg := runtimesup.New(runtimesup.Options{StatePath: path}, b, discardLogger())
	assert.NoError(t, reg.Restore())
	assert.Empty(t, reg.List())
}
