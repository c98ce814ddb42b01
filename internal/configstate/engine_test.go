package configstate_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/configstate"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/readmodel"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestEngine(t *testing.T) (*configstate.Engine, kernel.Store, *bus.Bus) {
	t.Helper()
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/config.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New(discardLogger())
	proj := readmodel.New(b)
	return configstate.New(map[string]any{"server": map[string]any{"port": float64(8080)}}, store, b, proj), store, b
}

func TestApplySetOverridesScalar(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.Apply(context.Background(), configstate.Request{
		Patches: []configstate.Patch{{Target: "server.port", Op: configstate.OpSet, Value: float64(9090)}},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(9090), res.Config["server"].(map[string]any)["port"])
	assert.NotZero(t, res.SnapshotID)
}

func TestApplyMergePreservesSiblingKeys(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Apply(context.Background(), configstate.Request{
		Patches: []configstate.Patch{{Target: "server", Op: configstate.OpMerge, Value: map[string]any{"host": "0.0.0.0"}}},
	})
	require.NoError(t, err)

	cfg := e.Current()
	server := cfg["server"].(map[string]any)
	assert.Equal(t, float64(8080), server["port"])
	assert.Equal(t, "0.0.0.0", server["host"])
}

func TestDryRunDoesNotMutateState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.Apply(context.Background(), configstate.Request{
		DryRun:  true,
		Patches: []configstate.Patch{{Target: "server.port", Op: configstate.OpSet, Value: float64(1234)}},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1234), res.Config["server"].(map[string]any)["port"])
	assert.Zero(t, res.SnapshotID)

	assert.Equal(t, float64(8080), e.Current()["server"].(map[string]any)["port"])
}

func TestApplyPublishesConfigPatchApplied(t *testing.T) {
	e, _, b := newTestEngine(t)
	recv := b.Subscribe(64)

	_, err := e.Apply(context.Background(), configstate.Request{
		Patches: []configstate.Patch{{Target: "server.port", Op: configstate.OpSet, Value: float64(7777)}},
	})
	require.NoError(t, err)

	// The "config" read model's patch is published just before the event.
	env := <-recv.C()
	if env.Kind == "state.read.model.patch" {
		env = <-recv.C()
	}
	assert.Equal(t, "config.patch.applied", env.Kind)
}

func TestRevertClonesReferencedSnapshot(t *testing.T) {
	e, _, b := newTestEngine(t)
	recv := b.Subscribe(64)

	first, err := e.Apply(context.Background(), configstate.Request{
		Patches: []configstate.Patch{{Target: "server.port", Op: configstate.OpSet, Value: float64(1111)}},
	})
	require.NoError(t, err)
	_, err = e.Apply(context.Background(), configstate.Request{
		Patches: []configstate.Patch{{Target: "server.port", Op: configstate.OpSet, Value: float64(2222)}},
	})
	require.NoError(t, err)

	res, err := e.Revert(context.Background(), first.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, float64(1111), res.Config["server"].(map[string]any)["port"])

	// Each Apply and the Revert publish a state.read.model.patch as well as
	// their own event: six envelopes in all.
	var sawRevert bool
	for i := 0; i < 6; i++ {
		env := <-recv.C()
		if env.Kind == "logic_unit.reverted" {
			sawRevert = true
		}
	}
	assert.True(t, sawRevert)
}
