package readmodel_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/readmodel"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDiffAddsObjectKey(t *testing.T) {
	ops := readmodel.Diff(map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2})
	require.Len(t, ops, 1)
	assert.Equal(t, "add", ops[0].Op)
	assert.Equal(t, "/b", ops[0].Path)
}

func TestDiffRemovesObjectKey(t *testing.T) {
	ops := readmodel.Diff(map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1})
	require.Len(t, ops, 1)
	assert.Equal(t, "remove", ops[0].Op)
	assert.Equal(t, "/b", ops[0].Path)
}

func TestDiffReplacesScalarValue(t *testing.T) {
	ops := readmodel.Diff(map[string]any{"count": 1}, map[string]any{"count": 2})
	require.Len(t, ops, 1)
	assert.Equal(t, "replace", ops[0].Op)
	assert.Equal(t, "/count", ops[0].Path)
	assert.Equal(t, float64(2), ops[0].Value)
}

func TestDiffIsEmptyForIdenticalDocuments(t *testing.T) {
	doc := map[string]any{"a": []any{1, 2, 3}, "b": map[string]any{"c": "d"}}
	ops := readmodel.Diff(doc, doc)
	assert.Empty(t, ops)
}

func TestReplacePublishesPatchEnvelope(t *testing.T) {
	b := bus.New(discardLogger())
	recv := b.Subscribe(64)
	p := readmodel.New(b)

	p.Replace("observations", map[string]any{"count": 1})
	p.Replace("observations", map[string]any{"count": 2})

	var payload map[string]any
	for i := 0; i < 2; i++ {
		env := <-recv.C()
		if env.Kind == "state.read.model.patch" {
			payload = env.Payload
		}
	}
	require.NotNil(t, payload)
	assert.Equal(t, "observations", payload["id"])
	assert.NotEmpty(t, payload["patch"])
}

func TestMutateAppliesFunctionAndPublishesDiff(t *testing.T) {
	b := bus.New(discardLogger())
	recv := b.Subscribe(64)
	p := readmodel.New(b)

	p.Mutate("actions", func(doc any) any {
		m, _ := doc.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		m["version"] = 1
		return m
	})

	env := <-recv.C()
	assert.Equal(t, "state.read.model.patch", env.Kind)
	assert.Equal(t, "actions", env.Payload["id"])
}

func TestEscapesTildeAndSlashInPointerPath(t *testing.T) {
	ops := readmodel.Diff(map[string]any{}, map[string]any{"a/b~c": 1})
	require.Len(t, ops, 1)
	assert.Equal(t, "/a~1b~0c", ops[0].Path)
}
