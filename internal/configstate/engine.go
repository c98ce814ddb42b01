// Package configstate implements the config patch engine (spec.md C12):
// a mutable config document with dotted-path merge/set application, a
// snapshot history ring, and revert.
package configstate

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/readmodel"
)

// Op is a single patch operation accepted by Apply.
type Op string

const (
	OpMerge Op = "merge"
	OpSet   Op = "set"
)

// Patch is one element of a patch-apply request.
type Patch struct {
	Target string `json:"target"`
	Op     Op     `json:"op"`
	Value  any    `json:"value"`
}

// Request is the body of POST /patch/apply.
type Request struct {
	DryRun        bool    `json:"dry_run,omitempty"`
	Patches       []Patch `json:"patches"`
	SchemaRef     string  `json:"schema_ref,omitempty"`
	SchemaPointer string  `json:"schema_pointer,omitempty"`
}

// DiffEntry describes one changed dotted path.
type DiffEntry struct {
	Target string `json:"target"`
	Pointer string `json:"pointer"`
	Op      string `json:"op"`
	Before  any    `json:"before,omitempty"`
	After   any    `json:"after,omitempty"`
}

// Result is the response of a successful (or dry-run) patch apply.
type Result struct {
	Config     map[string]any    `json:"config"`
	Diff       []DiffEntry       `json:"diff"`
	JSONPatch  []readmodel.Op    `json:"json_patch"`
	SnapshotID int64             `json:"snapshot_id,omitempty"`
}

// ValidationError reports a schema validation failure (returned as 400).
type ValidationError struct {
	SchemaRef string
	Errors    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config patch failed schema validation against %s: %s", e.SchemaRef, strings.Join(e.Errors, "; "))
}

// Engine owns the live config document and its persistence.
type Engine struct {
	mu        sync.Mutex
	current   map[string]any
	kernel    kernel.Store
	bus       *bus.Bus
	projector *readmodel.Projector
	schemaMap map[string]string // root -> schema file path, from ARW_SCHEMA_MAP
	schemas   map[string]*jsonschema.Schema
}

// New constructs an Engine seeded with an initial document (may be empty).
func New(initial map[string]any, k kernel.Store, b *bus.Bus, projector *readmodel.Projector) *Engine {
	if initial == nil {
		initial = map[string]any{}
	}
	return &Engine{
		current:   initial,
		kernel:    k,
		bus:       b,
		projector: projector,
		schemaMap: parseSchemaMap(os.Getenv("ARW_SCHEMA_MAP")),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// parseSchemaMap decodes ARW_SCHEMA_MAP as "root1=path1.json,root2=path2.json".
func parseSchemaMap(v string) map[string]string {
	out := make(map[string]string)
	if v == "" {
		return out
	}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

// Current returns a deep copy of the effective config document.
func (e *Engine) Current() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMap(e.current)
}

// Apply implements POST /patch/apply (spec §4.11).
func (e *Engine) Apply(ctx context.Context, req Request) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := cloneMap(e.current)
	next := cloneMap(e.current)
	var diff []DiffEntry

	for _, p := range req.Patches {
		segments := strings.Split(p.Target, ".")
		prevVal := getPath(next, segments)
		switch p.Op {
		case OpSet:
			setPath(next, segments, p.Value)
		case OpMerge:
			merged := mergeValue(prevVal, p.Value)
			setPath(next, segments, merged)
		default:
			return nil, fmt.Errorf("unknown patch op %q", p.Op)
		}
		diff = append(diff, DiffEntry{
			Target: p.Target, Pointer: "/" + strings.ReplaceAll(p.Target, ".", "/"),
			Op: "replace", Before: prevVal, After: getPath(next, segments),
		})
	}

	schemaRef := req.SchemaRef
	if schemaRef == "" && len(req.Patches) > 0 {
		schemaRef = e.inferSchemaRef(req.Patches[0].Target)
	}
	if schemaRef != "" {
		if errs := e.validate(schemaRef, req.SchemaPointer, next, req.Patches); len(errs) > 0 {
			return nil, &ValidationError{SchemaRef: schemaRef, Errors: errs}
		}
	}

	jsonPatch := readmodel.Diff(before, next)

	result := &Result{Config: next, Diff: diff, JSONPatch: jsonPatch}
	if req.DryRun {
		return result, nil
	}

	var snapshotID int64
	if e.kernel != nil {
		id, err := e.kernel.InsertConfigSnapshot(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("insert config snapshot: %w", err)
		}
		snapshotID = id
	}

	e.current = next
	result.SnapshotID = snapshotID

	if e.projector != nil {
		e.projector.Replace("config", next)
	}
	if e.bus != nil {
		e.bus.Publish("config.patch.applied", map[string]any{
			"snapshot_id": snapshotID, "diff": diffToAny(diff),
		})
	}
	return result, nil
}

// Revert implements POST /patch/revert (spec §4.11): clones the referenced
// snapshot's document as a new snapshot and makes it current.
func (e *Engine) Revert(ctx context.Context, snapshotID int64) (*Result, error) {
	if e.kernel == nil {
		return nil, fmt.Errorf("config history unavailable: kernel disabled")
	}
	snap, err := e.kernel.GetConfigSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := cloneMap(e.current)
	next := cloneMap(snap.Document)

	newID, err := e.kernel.InsertConfigSnapshot(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("insert revert snapshot: %w", err)
	}
	e.current = next

	if e.projector != nil {
		e.projector.Replace("config", next)
	}
	if e.bus != nil {
		e.bus.Publish("logic_unit.reverted", map[string]any{"snapshot_id": newID, "reverted_to": snapshotID})
	}

	return &Result{Config: next, Diff: nil, JSONPatch: readmodel.Diff(before, next), SnapshotID: newID}, nil
}

func diffToAny(diff []DiffEntry) []any {
	out := make([]any, len(diff))
	for i, d := range diff {
		out[i] = d
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneAny(item)
		}
		return out
	default:
		return v
	}
}

func getPath(doc map[string]any, segments []string) any {
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func setPath(doc map[string]any, segments []string, value any) {
	cur := doc
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

// mergeValue performs a recursive object merge; scalars and mismatched
// types are overridden outright (spec §4.11 step 1).
func mergeValue(prev, next any) any {
	prevMap, prevOK := prev.(map[string]any)
	nextMap, nextOK := next.(map[string]any)
	if !prevOK || !nextOK {
		return next
	}
	out := cloneMap(prevMap)
	for k, v := range nextMap {
		if existing, ok := out[k]; ok {
			out[k] = mergeValue(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}

// inferSchemaRef implements §C.5: the target's root segment (text before
// the first ".") is looked up in ARW_SCHEMA_MAP and the mapped schema path
// is returned; unregistered roots return "" (validation skipped).
func (e *Engine) inferSchemaRef(target string) string {
	root := strings.SplitN(target, ".", 2)[0]
	path, ok := e.schemaMap[root]
	if !ok {
		return ""
	}
	return path
}

func (e *Engine) validate(schemaRef, pointer string, doc map[string]any, patches []Patch) []string {
	schema, err := e.loadSchema(schemaRef)
	if err != nil {
		return []string{err.Error()}
	}
	var target any = doc
	if pointer != "" {
		target = resolvePointer(doc, pointer)
	}
	if err := schema.Validate(target); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func (e *Engine) loadSchema(ref string) (*jsonschema.Schema, error) {
	if s, ok := e.schemas[ref]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile(ref)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", ref, err)
	}
	e.schemas[ref] = s
	return s, nil
}

func resolvePointer(doc map[string]any, pointer string) any {
	segments := strings.Split(strings.Trim(pointer, "/"), "/")
	var cur any = doc
	for _, seg := range segments {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		switch tv := cur.(type) {
		case map[string]any:
			cur = tv[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(tv) {
				return nil
			}
			cur = tv[idx]
		default:
			return nil
		}
	}
	return cur
}
