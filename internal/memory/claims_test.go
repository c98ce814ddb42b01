package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwhub/agenthub/internal/memory"
)

func TestRelevanceScoreWeightsIDAboveProps(t *testing.T) {
	now := time.Now()
	idMatch := memory.Claim{ID: "banana", Confidence: 0.5, Updated: now}
	propMatch := memory.Claim{ID: "other", Props: map[string]any{"note": "banana"}, Confidence: 0.5, Updated: now}

	assert.Greater(t, memory.RelevanceScore("banana", idMatch), memory.RelevanceScore("banana", propMatch))
}

func TestSelectMMRDiversifiesAwayFromDuplicates(t *testing.T) {
	now := time.Now()
	candidates := []memory.Claim{
		{ID: "apple-fact-1", Props: map[string]any{"text": "apples are sweet fruit"}, Confidence: 0.9, Updated: now},
		{ID: "apple-fact-2", Props: map[string]any{"text": "apples are sweet fruit indeed"}, Confidence: 0.85, Updated: now},
		{ID: "banana-fact", Props: map[string]any{"text": "bananas are yellow and curved"}, Confidence: 0.6, Updated: now},
	}
	memory.SortByRelevance("apples sweet fruit", candidates)

	picked := memory.SelectMMR("apples sweet fruit", candidates, 2, 0.3)
	require.Len(t, picked, 2)

	ids := map[string]bool{picked[0].ID: true, picked[1].ID: true}
	assert.True(t, ids["apple-fact-1"])
	assert.True(t, ids["banana-fact"], "MMR should prefer the diverse banana claim over the near-duplicate apple claim")
}

func TestSelectMMRClampsOutOfRangeLambda(t *testing.T) {
	now := time.Now()
	candidates := []memory.Claim{
		{ID: "a", Confidence: 0.9, Updated: now},
		{ID: "b", Confidence: 0.1, Updated: now},
	}
	picked := memory.SelectMMR("", candidates, 2, 5.0) // out of range -> default 0.5
	assert.Len(t, picked, 2)
}

func TestRelevanceScoreWithEmptyQueryFallsBackToConfidenceAndRecency(t *testing.T) {
	now := time.Now()
	c := memory.Claim{ID: "x", Confidence: 1.0, Updated: now}
	score := memory.RelevanceScore("", c)
	assert.Greater(t, score, 0.0)
}
