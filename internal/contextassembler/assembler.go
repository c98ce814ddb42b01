// Package contextassembler builds token-budgeted, slot-packed retrieval
// context for a request (spec.md C6): evidence pack, compression pass,
// total-budget pack, rendering, recents, and coverage telemetry.
package contextassembler

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/memory"
)

// Mode selects the (k, diversity_lambda, verify_pass, self_consistency_votes)
// defaults (spec §4.6).
type Mode string

const (
	ModeQuick    Mode = "quick"
	ModeBalanced Mode = "balanced"
	ModeDeep     Mode = "deep"
	ModeVerified Mode = "verified"
)

// ModeDefaults is the (k, diversity_lambda, verify_pass, self_consistency_votes)
// tuple for a mode.
type ModeDefaults struct {
	K                     int
	DiversityLambda       float64
	VerifyPass            bool
	SelfConsistencyVotes  int
}

func defaultsFor(m Mode) ModeDefaults {
	switch m {
	case ModeQuick:
		return ModeDefaults{K: 5, DiversityLambda: 0.3, VerifyPass: false, SelfConsistencyVotes: 1}
	case ModeDeep:
		return ModeDefaults{K: 20, DiversityLambda: 0.6, VerifyPass: false, SelfConsistencyVotes: 1}
	case ModeVerified:
		return ModeDefaults{K: 20, DiversityLambda: 0.6, VerifyPass: true, SelfConsistencyVotes: 3}
	default: // balanced
		return ModeDefaults{K: 10, DiversityLambda: 0.5, VerifyPass: false, SelfConsistencyVotes: 1}
	}
}

// Budgets are per-slot token budgets (spec §4.6).
type Budgets struct {
	Instructions int
	Plan         int
	Policy       int
	Evidence     int
	Nice         int
	Intents      int
	Actions      int
	Files        int
	Total        int // 0 means no overall cap
}

// Format selects one of the four rendering modes (spec §4.6.4).
type Format string

const (
	FormatBullets Format = "bullets"
	FormatJSONL   Format = "jsonl"
	FormatInline  Format = "inline"
	FormatCustom  Format = "custom"
)

// Hints is the mutable policy object that may override mode defaults.
type Hints struct {
	K                int
	DiversityLambda  float64
	HasLambda        bool
	CompressionAggr  float64 // 0 disables compression
	Format           Format
	Template         string
	Header, Footer   string
	Joiner           string
}

// Request is one assembly call's input.
type Request struct {
	Project string
	Query   string
	Lane    string
	Mode    Mode
	Budgets Budgets
	Hints   Hints
}

// EvidenceItem is one packed evidence entry plus its rendering fields.
type EvidenceItem struct {
	ID         string
	Text       string
	Summary    string
	Confidence float64
	Provenance string
	Tokens     int
}

// Recent is a recent-intent/action/file entry attached with provenance.
type Recent struct {
	Kind   string
	ID     string
	Source string
	Proj   string
	Text   string
	Tokens int
}

// Coverage summarizes how much of the retrieval pool made it into context.
type Coverage struct {
	Pool       int
	Selected   int
	Omitted    int
	RecallRisk bool
}

// Result is the assembled, rendered context.
type Result struct {
	Evidence      []EvidenceItem
	Recents       map[string][]Recent
	Rendered      string
	Coverage      Coverage
	TokensBefore  int
	TokensAfter   int
	UsedTokens    map[string]int
}

// Assembler wires the claim store and kernel to produce Results.
type Assembler struct {
	claims *memory.Store
	kernel kernel.Store
	bus    *bus.Bus
}

func New(claims *memory.Store, k kernel.Store, b *bus.Bus) *Assembler {
	return &Assembler{claims: claims, kernel: k, bus: b}
}

// estimateTokens mirrors spec §4.6.1: ceil(chars/4), capped at 512/item.
func estimateTokens(s string) int {
	n := (len(s) + 3) / 4
	if n > 512 {
		n = 512
	}
	return n
}

func claimText(c memory.Claim) (text, summary string) {
	if v, ok := c.Props["text"]; ok {
		if s, ok := v.(string); ok {
			text = s
		}
	}
	if v, ok := c.Props["summary"]; ok {
		if s, ok := v.(string); ok {
			summary = s
		}
	}
	if text == "" {
		text = fmt.Sprintf("%v", c.Props)
	}
	return
}

// Assemble runs the full pipeline: evidence pack, compression, total-budget
// pack, rendering, recents, and coverage telemetry.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	def := defaultsFor(req.Mode)
	k := def.K
	if req.Hints.K > 0 {
		k = req.Hints.K
	}
	lambda := def.DiversityLambda
	if req.Hints.HasLambda {
		lambda = req.Hints.DiversityLambda
	}

	pool, err := a.claims.TopClaims(ctx, req.Lane, 50)
	if err != nil {
		return nil, err
	}

	var selected []memory.Claim
	if req.Hints.HasLambda || def.DiversityLambda > 0 {
		memory.SortByRelevance(req.Query, pool)
		selected = memory.SelectMMR(req.Query, pool, k, lambda)
	} else {
		memory.SortByRelevance(req.Query, pool)
		if k < len(pool) {
			selected = pool[:k]
		} else {
			selected = pool
		}
	}

	budget := req.Budgets.Evidence
	if budget <= 0 {
		budget = 2048
	}
	items := make([]EvidenceItem, 0, len(selected))
	sum := 0
	omitted := 0
	for _, c := range selected {
		text, summary := claimText(c)
		tok := estimateTokens(text)
		if sum+tok > budget {
			omitted = len(selected) - len(items)
			break
		}
		items = append(items, EvidenceItem{
			ID: c.ID, Text: text, Summary: summary, Confidence: c.Confidence,
			Provenance: fmt.Sprintf("claim:%s", c.ID), Tokens: tok,
		})
		sum += tok
	}

	tokensBefore := sum
	if req.Hints.CompressionAggr > 0 {
		items, sum = compress(items, req.Hints.CompressionAggr)
	}

	if req.Budgets.Total > 0 {
		items, sum = packToTotalBudget(items, req.Budgets.Total)
	}

	recents, err := a.fetchRecents(ctx, req)
	if err != nil {
		return nil, err
	}

	rendered := render(items, req.Hints)

	coverage := Coverage{Pool: len(pool), Selected: len(items), Omitted: omitted, RecallRisk: omitted > 0}

	usedTokens := map[string]int{"evidence": sum}
	for lane, recs := range recents {
		t := 0
		for _, r := range recs {
			t += r.Tokens
		}
		usedTokens[lane] = t
	}

	result := &Result{
		Evidence: items, Recents: recents, Rendered: rendered, Coverage: coverage,
		TokensBefore: tokensBefore, TokensAfter: sum, UsedTokens: usedTokens,
	}

	a.emitTelemetry(req, result)
	return result, nil
}

// compress trims text/summary fields per spec §4.6.2:
// max(32, ceil(len*(1-0.6a))) chars, appending "…".
func compress(items []EvidenceItem, aggr float64) ([]EvidenceItem, int) {
	sum := 0
	out := make([]EvidenceItem, len(items))
	for i, it := range items {
		it.Text = trimField(it.Text, aggr)
		it.Summary = trimField(it.Summary, aggr)
		it.Tokens = estimateTokens(it.Text)
		sum += it.Tokens
		out[i] = it
	}
	return out, sum
}

func trimField(s string, aggr float64) string {
	if s == "" {
		return s
	}
	keep := int(math.Ceil(float64(len(s)) * (1 - 0.6*aggr)))
	if keep < 32 {
		keep = 32
	}
	if keep >= len(s) {
		return s
	}
	return s[:keep] + "…"
}

// packToTotalBudget applies spec §4.6.3: per-item cap max(24, total/count),
// trim, then drop from the end until the sum fits.
func packToTotalBudget(items []EvidenceItem, total int) ([]EvidenceItem, int) {
	if len(items) == 0 {
		return items, 0
	}
	perItemCap := total / len(items)
	if perItemCap < 24 {
		perItemCap = 24
	}
	out := make([]EvidenceItem, len(items))
	sum := 0
	for i, it := range items {
		if it.Tokens > perItemCap {
			it.Text = trimToTokenCap(it.Text, perItemCap)
			it.Tokens = estimateTokens(it.Text)
		}
		out[i] = it
		sum += it.Tokens
	}
	for sum > total && len(out) > 0 {
		last := out[len(out)-1]
		sum -= last.Tokens
		out = out[:len(out)-1]
	}
	return out, sum
}

func trimToTokenCap(s string, tokenCap int) string {
	maxChars := tokenCap * 4
	if maxChars >= len(s) {
		return s
	}
	if maxChars < 1 {
		maxChars = 1
	}
	return s[:maxChars] + "…"
}

func render(items []EvidenceItem, hints Hints) string {
	format := hints.Format
	if format == "" {
		format = FormatBullets
	}
	joiner := hints.Joiner
	if joiner == "" {
		joiner = "\n"
	}

	var parts []string
	for _, it := range items {
		switch format {
		case FormatJSONL:
			parts = append(parts, fmt.Sprintf(`{"id":%q,"text":%q,"confidence":%g}`, it.ID, it.Text, it.Confidence))
		case FormatInline:
			parts = append(parts, it.Text)
		case FormatCustom:
			parts = append(parts, renderTemplate(hints.Template, it))
		default:
			parts = append(parts, "- "+it.Text)
		}
	}
	body := strings.Join(parts, joiner)
	if hints.Header != "" {
		body = hints.Header + joiner + body
	}
	if hints.Footer != "" {
		body = body + joiner + hints.Footer
	}
	return body
}

func renderTemplate(tmpl string, it EvidenceItem) string {
	r := strings.NewReplacer(
		"{{id}}", it.ID,
		"{{text}}", it.Text,
		"{{summary}}", it.Summary,
		"{{confidence}}", fmt.Sprintf("%g", it.Confidence),
		"{{provenance}}", it.Provenance,
	)
	return r.Replace(tmpl)
}

func (a *Assembler) fetchRecents(ctx context.Context, req Request) (map[string][]Recent, error) {
	out := map[string][]Recent{}
	if a.kernel == nil {
		return out, nil
	}

	intents, err := a.kernel.SearchMemory(ctx, "intents", 20)
	if err != nil {
		return nil, err
	}
	out["intents"] = toRecents("intent", intents, req.Project, req.Budgets.Intents)

	acts, err := a.kernel.SearchMemory(ctx, "actions", 20)
	if err != nil {
		return nil, err
	}
	out["actions"] = toRecents("action", acts, req.Project, req.Budgets.Actions)

	files, err := a.kernel.SearchMemory(ctx, "files", 20)
	if err != nil {
		return nil, err
	}
	out["files"] = toRecents("file", files, req.Project, req.Budgets.Files)

	return out, nil
}

func toRecents(kind string, recs []kernel.MemoryRecord, project string, laneBudget int) []Recent {
	if laneBudget <= 0 {
		laneBudget = 1024
	}
	out := make([]Recent, 0, len(recs))
	sum := 0
	for _, r := range recs {
		if project != "" && r.ProjectID != "" && r.ProjectID != project {
			continue
		}
		tok := estimateTokens(r.Text)
		if sum+tok > laneBudget {
			break
		}
		out = append(out, Recent{Kind: kind, ID: r.ID, Source: sourceOrigin(r.Source), Proj: r.ProjectID, Text: r.Text, Tokens: tok})
		sum += tok
	}
	return out
}

func sourceOrigin(source map[string]any) string {
	if source == nil {
		return ""
	}
	if v, ok := source["origin"].(string); ok {
		return v
	}
	return ""
}

func (a *Assembler) emitTelemetry(req Request, res *Result) {
	if a.bus == nil {
		return
	}
	a.bus.Publish("context.assembled", map[string]any{
		"project":  req.Project,
		"pool":     res.Coverage.Pool,
		"selected": res.Coverage.Selected,
		"omitted":  res.Coverage.Omitted,
		"recall_risk": res.Coverage.RecallRisk,
		"tokens_before": res.TokensBefore,
		"tokens_after":  res.TokensAfter,
		"used_tokens":   res.UsedTokens,
	})
	if res.Coverage.Omitted > 0 {
		a.bus.Publish("context.coverage", map[string]any{
			"project": req.Project,
			"pool":    res.Coverage.Pool,
			"omitted": res.Coverage.Omitted,
		})
	}
}
