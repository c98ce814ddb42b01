package egress_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/egress"
	"github.com/arwhub/agenthub/internal/kernel"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testEngine(t *testing.T, policy egress.Policy) (*egress.Engine, kernel.Store) {
	t.Helper()
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/egress.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New(discardLogger())
	guard := egress.NewCapsuleGuard(store, b, discardLogger())
	return egress.New(policy, store, b, guard), store
}

func TestOffPostureAlwaysAllows(t *testing.T) {
	e, _ := testEngine(t, egress.Policy{Posture: egress.PostureOff})
	d := e.Evaluate(context.Background(), "evil.example", 0, "http", "corr-1", "")
	assert.True(t, d.Allow)
}

func TestPublicPostureDeniesNonAllowlistedHost(t *testing.T) {
	e, _ := testEngine(t, egress.Policy{Posture: egress.PosturePublic, BlockIPLiterals: true})
	d := e.Evaluate(context.Background(), "evil.example", 443, "https", "corr-2", "")
	assert.False(t, d.Allow)
	assert.Equal(t, "allowlist", d.Reason)
}

func TestAllowlistWildcardRequiresLabelAboveSuffix(t *testing.T) {
	policy := egress.Policy{Posture: egress.PostureAllowlist, Allowlist: []string{"*.example.com"}}
	e, _ := testEngine(t, policy)

	allowed := e.Evaluate(context.Background(), "api.example.com", 443, "https", "c1", "")
	assert.True(t, allowed.Allow)

	apexDenied := e.Evaluate(context.Background(), "example.com", 443, "https", "c2", "")
	assert.False(t, apexDenied.Allow, "apex must not match a *.example.com wildcard rule")
}

func TestBlockIPLiteralsDeniesIPHost(t *testing.T) {
	policy := egress.Policy{Posture: egress.PostureAllowlist, BlockIPLiterals: true, Allowlist: []string{"1.2.3.4"}}
	e, _ := testEngine(t, policy)
	d := e.Evaluate(context.Background(), "1.2.3.4", 443, "https", "c3", "")
	assert.False(t, d.Allow)
	assert.Equal(t, "ip_literal", d.Reason)
}

func TestInvalidSchemeDenied(t *testing.T) {
	e, _ := testEngine(t, egress.Policy{Posture: egress.PostureAllowlist, Allowlist: []string{"example.com"}})
	d := e.Evaluate(context.Background(), "example.com", 0, "ftp", "c4", "")
	assert.False(t, d.Allow)
	assert.Equal(t, "scheme", d.Reason)
}

func TestLeaseFallbackUpgradesDenial(t *testing.T) {
	policy := egress.Policy{Posture: egress.PosturePublic, BlockIPLiterals: true}
	e, store := testEngine(t, policy)

	require.NoError(t, store.InsertLease(context.Background(), kernel.Lease{
		Principal: "local", Capability: "net:host:api.example.com", ExpiresAt: time.Now().Add(time.Hour),
	}))

	d := e.Evaluate(context.Background(), "api.example.com", 443, "https", "c5", "")
	assert.True(t, d.Allow)
	assert.Equal(t, "net:host:api.example.com", d.MatchedCapability)
}

func TestDomainSuffixExtractionMultiLabel(t *testing.T) {
	e, _ := testEngine(t, egress.Policy{Posture: egress.PostureAllowlist})
	assert.Equal(t, "example.co.uk", e.DomainSuffix("www.example.co.uk"))
	assert.Equal(t, "example.com", e.DomainSuffix("api.example.com"))
}

func TestCapsuleDenyRuleOverlaysAllowlist(t *testing.T) {
	policy := egress.Policy{Posture: egress.PostureAllowlist, Allowlist: []string{"example.com"}}
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/egress2.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New(discardLogger())
	guard := egress.NewCapsuleGuard(store, b, discardLogger())
	require.NoError(t, guard.Adopt(context.Background(), "cap-1", map[string]any{}, 5, []string{"example.com"}))

	e := egress.New(policy, store, b, guard)
	d := e.Evaluate(context.Background(), "example.com", 443, "https", "c6", "")
	assert.False(t, d.Allow)
	assert.Equal(t, "capsule_deny", d.Reason)
}

func TestLeaseCacheServesHitWithoutKernelLookup(t *testing.T) {
	policy := egress.Policy{Posture: egress.PosturePublic, BlockIPLiterals: true}
	e, store := testEngine(t, policy)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache := egress.NewRedisLeaseCache(mr.Addr())
	t.Cleanup(func() { _ = cache.Close() })
	e.SetLeaseCache(cache, time.Minute)

	require.NoError(t, store.InsertLease(context.Background(), kernel.Lease{
		Principal: "local", Capability: "net:host:cached.example.com", ExpiresAt: time.Now().Add(time.Hour),
	}))

	first := e.Evaluate(context.Background(), "cached.example.com", 443, "https", "c7", "")
	assert.True(t, first.Allow)

	// Close the kernel store; a cache hit must still allow without it.
	require.NoError(t, store.Close())
	second := e.Evaluate(context.Background(), "cached.example.com", 443, "https", "c8", "")
	assert.True(t, second.Allow, "cached lease hit should not require the kernel")
}

func TestAdoptDecrementsHopTTLByOne(t *testing.T) {
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/egress3.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New(discardLogger())
	guard := egress.NewCapsuleGuard(store, b, discardLogger())

	require.NoError(t, guard.Adopt(context.Background(), "cap-1", map[string]any{}, 3, nil))

	active := guard.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].HopTTL)
}

func TestAdoptPurgesCapsuleAdoptedAtZeroHops(t *testing.T) {
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/egress4.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New(discardLogger())
	guard := egress.NewCapsuleGuard(store, b, discardLogger())

	require.NoError(t, guard.Adopt(context.Background(), "cap-1", map[string]any{}, 1, nil))

	assert.Empty(t, guard.Active())
}

func TestResolveCombinesConfigAndEnvMultiLabelSuffixes(t *testing.T) {
	t.Setenv("ARW_EGRESS_MULTI_LABEL_SUFFIXES", "env.tld")
	policy := egress.Resolve("standard", nil, []string{"config.tld"}, false, false, false, false)
	assert.Contains(t, policy.MultiLabelSuffixes, "config.tld")
	assert.Contains(t, policy.MultiLabelSuffixes, "env.tld")
}
