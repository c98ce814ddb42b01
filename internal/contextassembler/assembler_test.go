package contextassembler_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/contextassembler"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/memory"
)

func newTestAssembler(t *testing.T) (*contextassembler.Assembler, kernel.Store) {
	t.Helper()
	store, err := kernel.OpenSQLite(context.Background(), t.TempDir()+"/ctx.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	claims := memory.New(store)
	return contextassembler.New(claims, store, b), store
}

func TestAssembleProducesBulletedEvidenceWithinBudget(t *testing.T) {
	asm, store := newTestAssembler(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.InsertMemory(ctx, kernel.InsertMemoryArgs{
			Lane: "default", Text: "a fact about deployments and rollbacks", Trust: 0.8,
		})
		require.NoError(t, err)
	}

	res, err := asm.Assemble(ctx, contextassembler.Request{
		Lane: "default", Query: "deployments", Mode: contextassembler.ModeBalanced,
		Budgets: contextassembler.Budgets{Evidence: 40},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Evidence)
	require.LessOrEqual(t, res.TokensAfter, 40)
}

func TestCoverageRecallRiskWhenBudgetTooSmall(t *testing.T) {
	asm, store := newTestAssembler(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.InsertMemory(ctx, kernel.InsertMemoryArgs{
			Lane: "default", Text: "some moderately long fact text to consume tokens here", Trust: 0.5,
		})
		require.NoError(t, err)
	}

	res, err := asm.Assemble(ctx, contextassembler.Request{
		Lane: "default", Mode: contextassembler.ModeQuick,
		Budgets: contextassembler.Budgets{Evidence: 10},
	})
	require.NoError(t, err)
	require.True(t, res.Coverage.RecallRisk)
}

func TestCustomFormatUsesTemplate(t *testing.T) {
	asm, store := newTestAssembler(t)
	ctx := context.Background()
	_, err := store.InsertMemory(ctx, kernel.InsertMemoryArgs{Lane: "default", Text: "hello world"})
	require.NoError(t, err)

	res, err := asm.Assemble(ctx, contextassembler.Request{
		Lane: "default", Mode: contextassembler.ModeQuick,
		Budgets: contextassembler.Budgets{Evidence: 1000},
		Hints: contextassembler.Hints{Format: contextassembler.FormatCustom, Template: "[{{id}}] {{text}}"},
	})
	require.NoError(t, err)
	require.Contains(t, res.Rendered, "[")
}
