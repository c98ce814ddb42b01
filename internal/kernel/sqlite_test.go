package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/kernel"
)

func newTestStore(t *testing.T) *kernel.SQLiteStore {
	t.Helper()
	path := t.TempDir() + "/kernel.db"
	store, err := kernel.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendEventAndRecentEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(ctx, "task.completed", time.Now(), map[string]any{"n": i})
		require.NoError(t, err)
	}

	rows, err := store.RecentEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "task.completed", rows[0].Kind)
	assert.True(t, rows[0].ID < rows[1].ID)

	after, err := store.RecentEvents(ctx, 10, rows[0].ID)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestActionLifecycleCAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := &kernel.Action{ID: "act-1", Kind: "fs.read", Input: map[string]any{"path": "/tmp"}, State: kernel.ActionQueued, Created: now, Updated: now}
	require.NoError(t, store.InsertAction(ctx, a))

	err := store.UpdateActionState(ctx, "act-1", kernel.ActionQueued, kernel.ActionRunning, nil, "")
	require.NoError(t, err)

	// Stale transition: already running, not queued anymore.
	err = store.UpdateActionState(ctx, "act-1", kernel.ActionQueued, kernel.ActionRunning, nil, "")
	assert.ErrorIs(t, err, kernel.ErrStaleTransition)

	err = store.UpdateActionState(ctx, "act-1", kernel.ActionRunning, kernel.ActionCompleted, map[string]any{"ok": true}, "")
	require.NoError(t, err)

	got, err := store.GetAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, kernel.ActionCompleted, got.State)
	assert.Equal(t, true, got.Result["ok"])
}

func TestClaimOldestQueuedSkipsNonQueued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.InsertAction(ctx, &kernel.Action{ID: "a1", Kind: "k", State: kernel.ActionQueued, Created: now, Updated: now}))
	require.NoError(t, store.InsertAction(ctx, &kernel.Action{ID: "a2", Kind: "k", State: kernel.ActionQueued, Created: now.Add(time.Second), Updated: now}))

	claimed, err := store.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", claimed.ID)
	assert.Equal(t, kernel.ActionRunning, claimed.State)

	claimed2, err := store.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", claimed2.ID)

	_, err = store.ClaimOldestQueued(ctx)
	assert.ErrorIs(t, err, kernel.ErrNotFound)
}

func TestInsertMemoryUpsertKeepsFTSInLockstep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.InsertMemory(ctx, kernel.InsertMemoryArgs{
		ID: "mem-1", Lane: "episodic", Kind: "note", Key: "k1",
		Text: "the quick brown fox", Tags: []string{"animal"},
	})
	require.NoError(t, err)
	firstCreated := rec.Created

	hits, err := store.FTSSearchMemory(ctx, "brown", "episodic", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mem-1", hits[0].ID)

	// Upsert with new text; old token should no longer match, created time preserved.
	_, err = store.InsertMemory(ctx, kernel.InsertMemoryArgs{
		ID: "mem-1", Lane: "episodic", Kind: "note", Key: "k1", Text: "a lazy dog sleeps",
	})
	require.NoError(t, err)

	hits, err = store.FTSSearchMemory(ctx, "brown", "episodic", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 0)

	hits, err = store.FTSSearchMemory(ctx, "lazy", "episodic", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	updated, err := store.GetMemory(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, firstCreated.Unix(), updated.Created.Unix())
}

func TestSearchMemoryByEmbeddingSkipsMismatchedDimension(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertMemory(ctx, kernel.InsertMemoryArgs{ID: "m1", Lane: "l", Embed: []float64{1, 0, 0}})
	require.NoError(t, err)
	_, err = store.InsertMemory(ctx, kernel.InsertMemoryArgs{ID: "m2", Lane: "l", Embed: []float64{0, 1}})
	require.NoError(t, err)
	_, err = store.InsertMemory(ctx, kernel.InsertMemoryArgs{ID: "m3", Lane: "l", Embed: []float64{0.9, 0.1, 0}})
	require.NoError(t, err)

	results, err := store.SearchMemoryByEmbedding(ctx, []float64{1, 0, 0}, "l", 10)
	require.NoError(t, err)
	require.Len(t, results, 2) // m2 dropped: dimension mismatch
	assert.Equal(t, "m1", results[0].ID)
}

func TestSelectMemoryHybridPrefersRecentAndLexicalMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertMemory(ctx, kernel.InsertMemoryArgs{ID: "old", Lane: "l", Text: "irrelevant content here"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = store.InsertMemory(ctx, kernel.InsertMemoryArgs{ID: "new", Lane: "l", Text: "deploy the banana rocket"})
	require.NoError(t, err)

	results, err := store.SelectMemoryHybrid(ctx, "banana rocket", nil, "l", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "new", results[0].ID)
}

func TestConfigSnapshotsRingAndLeaseExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.InsertConfigSnapshot(ctx, map[string]any{"port": float64(8091)})
	require.NoError(t, err)

	snap, err := store.GetConfigSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(8091), snap.Document["port"])

	require.NoError(t, store.InsertLease(ctx, kernel.Lease{
		Principal: "agent-a", Capability: "net:example.com", ExpiresAt: time.Now().Add(time.Hour),
	}))
	lease, err := store.FindValidLease(ctx, "agent-a", "net:example.com")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", lease.Principal)

	require.NoError(t, store.InsertLease(ctx, kernel.Lease{
		Principal: "agent-b", Capability: "net:example.com", ExpiresAt: time.Now().Add(-time.Hour),
	}))
	_, err = store.FindValidLease(ctx, "agent-b", "net:example.com")
	assert.ErrorIs(t, err, kernel.ErrNotFound)
}

func TestCapsuleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCapsule(ctx, kernel.CapsuleRow{
		ID: "cap-1", Document: map[string]any{"hop_ttl": float64(3)}, AdoptedAt: time.Now(),
	}))
	c, err := store.GetCapsule(ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), c.Document["hop_ttl"])

	_, err = store.GetCapsule(ctx, "missing")
	assert.ErrorIs(t, err, kernel.ErrNotFound)
}
