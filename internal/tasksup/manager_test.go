package tasksup_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/tasksup"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSuperviseRestartsAfterPanic(t *testing.T) {
	b := bus.New(discardLogger())
	m := tasksup.New(b, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	m.Supervise(ctx, "flaky", func(context.Context) error {
		n := runs.Add(1)
		if n < 3 {
			panic("boom")
		}
		cancel()
		return nil
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestThrashingEmitsDegradedHealthEvent(t *testing.T) {
	b := bus.New(discardLogger())
	recv := b.Subscribe(64)
	m := tasksup.New(b, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	m.Supervise(ctx, "thrasher", func(context.Context) error {
		n := runs.Add(1)
		if n >= 6 {
			cancel()
			return nil
		}
		return errors.New("transient")
	})

	var found map[string]any
	deadline := time.After(time.Second)
loop:
	for {
		select {
		case env := <-recv.C():
			if env.Kind == "service.health" && env.Payload["component"] == "thrasher" {
				found = env.Payload
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	require.NotNil(t, found, "expected a service.health degraded event for thrasher")
	assert.Equal(t, "degraded", found["status"])
	assert.Equal(t, "task_thrashing", found["reason"])
	assert.Equal(t, 30, found["window_secs"])
}

func TestMarkHealthyPublishesRecoveredOnlyAfterDegraded(t *testing.T) {
	b := bus.New(discardLogger())
	recv := b.Subscribe(64)
	m := tasksup.New(b, discardLogger())

	m.MarkHealthy("never-degraded")
	select {
	case env := <-recv.C():
		t.Fatalf("unexpected event for task never marked degraded: %+v", env)
	default:
	}
}
