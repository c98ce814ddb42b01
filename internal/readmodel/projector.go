// Package readmodel implements the read-model projector (spec.md C11):
// named in-memory JSON documents that publish an RFC 6902 JSON Patch
// whenever a mutation changes them.
package readmodel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/arwhub/agenthub/internal/bus"
)

// Op is a single RFC 6902 JSON Patch operation.
type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Projector maintains a set of named documents and publishes
// state.read.model.patch envelopes on mutation.
type Projector struct {
	mu   sync.Mutex
	docs map[string]any
	bus  *bus.Bus
}

// New constructs an empty Projector.
func New(b *bus.Bus) *Projector {
	return &Projector{docs: make(map[string]any), bus: b}
}

// Snapshot returns the current document for id, or an empty object if
// never set.
func (p *Projector) Snapshot(id string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.docs[id]
	if !ok {
		return map[string]any{}
	}
	return cloneValue(doc)
}

// Replace sets the named document to next, publishing the JSON Patch
// between the previous and new value if it is non-empty.
func (p *Projector) Replace(id string, next any) {
	p.mu.Lock()
	prev, ok := p.docs[id]
	if !ok {
		prev = map[string]any{}
	}
	p.docs[id] = cloneValue(next)
	p.mu.Unlock()

	patch := Diff(prev, next)
	if len(patch) == 0 {
		return
	}
	if p.bus != nil {
		p.bus.Publish("state.read.model.patch", map[string]any{"id": id, "patch": toAnySlice(patch)})
	}
}

// Mutate applies fn to a decoded copy of the named document (via
// round-tripping through JSON to normalize types the way the rest of the
// pipeline observes them) and publishes the resulting patch.
func (p *Projector) Mutate(id string, fn func(doc any) any) {
	p.mu.Lock()
	prev, ok := p.docs[id]
	if !ok {
		prev = map[string]any{}
	}
	p.mu.Unlock()

	next := fn(cloneValue(prev))
	p.Replace(id, next)
}

func toAnySlice(ops []Op) []any {
	out := make([]any, len(ops))
	for i, op := range ops {
		out[i] = op
	}
	return out
}

func cloneValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Diff computes an RFC 6902 JSON Patch transforming prev into next.
// prev/next are first normalized through json.Marshal/Unmarshal so maps,
// structs, and slices compare structurally regardless of concrete type.
func Diff(prev, next any) []Op {
	p := cloneValue(prev)
	n := cloneValue(next)
	var ops []Op
	diffValue("", p, n, &ops)
	return ops
}

func diffValue(path string, a, b any, ops *[]Op) {
	switch bv := b.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok {
			*ops = append(*ops, Op{Op: "replace", Path: pathOrRoot(path), Value: b})
			return
		}
		diffObject(path, av, bv, ops)
	case []any:
		av, ok := a.([]any)
		if !ok || len(av) != len(bv) {
			*ops = append(*ops, Op{Op: "replace", Path: pathOrRoot(path), Value: b})
			return
		}
		diffArray(path, av, bv, ops)
	default:
		if !jsonEqual(a, b) {
			*ops = append(*ops, Op{Op: "replace", Path: pathOrRoot(path), Value: b})
		}
	}
}

func diffObject(base string, a, b map[string]any, ops *[]Op) {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		childPath := base + "/" + escapePointer(k)
		bv, inB := b[k]
		av, inA := a[k]
		switch {
		case inB && !inA:
			*ops = append(*ops, Op{Op: "add", Path: childPath, Value: bv})
		case !inB && inA:
			*ops = append(*ops, Op{Op: "remove", Path: childPath})
		default:
			diffValue(childPath, av, bv, ops)
		}
	}
}

func diffArray(base string, a, b []any, ops *[]Op) {
	for i := range b {
		diffValue(base+"/"+strconv.Itoa(i), a[i], b[i], ops)
	}
}

func pathOrRoot(path string) string {
	if path == "" {
		return ""
	}
	return path
}

func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	s = strings.ReplaceAll(s, "/", "~1")
	return s
}

func jsonEqual(a, b any) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return string(da) == string(db)
}
