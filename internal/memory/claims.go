// Package memory implements the belief-graph claim ranking layer on top of
// the kernel's memory records (spec.md C5): relevance scoring and MMR
// diversification, used by the context assembler.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/arwhub/agenthub/internal/kernel"
)

// Claim is a belief-graph node viewed for retrieval: an id, flattened
// string properties, a confidence score, and a recency timestamp.
type Claim struct {
	ID         string
	Props      map[string]any
	Confidence float64
	Updated    time.Time
}

// Store wraps a kernel.Store with the claim-ranking operations.
type Store struct {
	kernel kernel.Store
}

func New(k kernel.Store) *Store { return &Store{kernel: k} }

// TopClaims returns a coverage-pool-sized set of candidate claims for a
// lane, most-recent first (spec §4.5 "pool of up to 50 top claims").
func (s *Store) TopClaims(ctx context.Context, lane string, pool int) ([]Claim, error) {
	if s.kernel == nil {
		return nil, nil
	}
	if pool <= 0 || pool > 50 {
		pool = 50
	}
	recs, err := s.kernel.SearchMemory(ctx, lane, pool)
	if err != nil {
		return nil, err
	}
	out := make([]Claim, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordToClaim(r))
	}
	return out, nil
}

func recordToClaim(r kernel.MemoryRecord) Claim {
	props := r.Value
	if _, ok := props["text"]; !ok && r.Text != "" {
		props = make(map[string]any, len(r.Value)+1)
		for k, v := range r.Value {
			props[k] = v
		}
		props["text"] = r.Text
	}
	return Claim{ID: r.ID, Props: props, Confidence: clamp01(r.Trust), Updated: r.Updated}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// tokens lowercases and splits on non-alphanumeric runs.
func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			set[strings.ToLower(b.String())] = struct{}{}
			b.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return set
}

// propsText flattens string-valued (and string-convertible) props into one
// space-joined blob for token matching.
func propsText(props map[string]any) string {
	var b strings.Builder
	for _, v := range props {
		switch t := v.(type) {
		case string:
			b.WriteString(t)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// claimTokenSet is id-tokens union string-prop-tokens, used both for
// relevance matching and Jaccard diversity (spec §4.5).
func claimTokenSet(c Claim) map[string]struct{} {
	set := tokens(c.ID)
	for k := range tokens(propsText(c.Props)) {
		set[k] = struct{}{}
	}
	return set
}

const recencyHalfLife = 6 * time.Hour

func recencyScore(updated time.Time) float64 {
	age := time.Since(updated).Seconds()
	return math.Exp(-age * math.Ln2 / recencyHalfLife.Seconds())
}

// RelevanceScore implements spec §4.5 "Claim relevance": query tokens
// matched against id (weight 2) and props text (weight 1), combined with
// confidence (weight 1) and recency (weight 0.5).
func RelevanceScore(query string, c Claim) float64 {
	q := tokens(query)
	if len(q) == 0 {
		return 0.5*c.Confidence + 0.25*recencyScore(c.Updated)
	}
	idTokens := tokens(c.ID)
	propTokens := tokens(propsText(c.Props))

	var idHits, propHits float64
	for t := range q {
		if _, ok := idTokens[t]; ok {
			idHits++
		}
		if _, ok := propTokens[t]; ok {
			propHits++
		}
	}
	n := float64(len(q))
	textScore := (2*idHits + propHits) / (3 * n)
	return textScore + 1.0*c.Confidence + 0.5*recencyScore(c.Updated)
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// SelectMMR greedily picks k claims from candidates (assumed pre-sorted by
// relevance) maximising λ·relevance − (1−λ)·max_jaccard_over_selected
// (spec §4.5). lambda is clamped to [0,1]; default 0.5 when out of range.
func SelectMMR(query string, candidates []Claim, k int, lambda float64) []Claim {
	if lambda < 0 || lambda > 1 {
		lambda = 0.5
	}
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}

	relevance := make([]float64, len(candidates))
	tokSets := make([]map[string]struct{}, len(candidates))
	for i, c := range candidates {
		relevance[i] = RelevanceScore(query, c)
		tokSets[i] = claimTokenSet(c)
	}

	selected := make([]int, 0, k)
	chosen := make(map[int]bool, k)

	for len(selected) < k {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for i := range candidates {
			if chosen[i] {
				continue
			}
			maxSim := 0.0
			for _, si := range selected {
				sim := jaccard(tokSets[i], tokSets[si])
				if sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*relevance[i] - (1-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		selected = append(selected, bestIdx)
		chosen[bestIdx] = true
	}

	out := make([]Claim, len(selected))
	for i, idx := range selected {
		out[i] = candidates[idx]
	}
	return out
}

// SortByRelevance orders candidates by RelevanceScore(query, ·) descending;
// used for the plain top-K fallback when no diversity lambda is supplied.
func SortByRelevance(query string, candidates []Claim) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return RelevanceScore(query, candidates[i]) > RelevanceScore(query, candidates[j])
	})
}
