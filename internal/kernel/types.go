// Package kernel implements the embedded SQL store (spec.md C2): events,
// actions, memory records + FTS, config snapshots, leases and capsules.
package kernel

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("kernel: not found")

// ErrStaleTransition is returned by UpdateActionState when the action is no
// longer in the expected "from" state (another worker already claimed it,
// or it already reached a terminal state).
var ErrStaleTransition = errors.New("kernel: stale action transition")

// EventRow is a durably-appended envelope with its monotonic row id.
type EventRow struct {
	ID      int64          `json:"id"`
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// ActionState is one of the four states in the action lifecycle (spec §3.2).
type ActionState string

const (
	ActionQueued    ActionState = "queued"
	ActionRunning   ActionState = "running"
	ActionCompleted ActionState = "completed"
	ActionFailed    ActionState = "failed"
)

// Action is a durable action record.
type Action struct {
	ID      string
	Kind    string
	Input   map[string]any
	State   ActionState
	Created time.Time
	Updated time.Time
	Result  map[string]any
	Error   string
	CorrID  string
}

// MemoryRecord is a durable belief/memory row (spec §3.3).
type MemoryRecord struct {
	ID         string
	Lane       string
	Kind       string
	Key        string
	Value      map[string]any
	Tags       []string
	Embed      []float64
	EmbedHint  string
	Score      float64
	Prob       float64
	AgentID    string
	ProjectID  string
	Text       string
	Durability string
	Trust      float64
	Privacy    string
	TTLSeconds int64
	Keywords   []string
	Entities   map[string]any
	Source     map[string]any
	Links      []string
	Extra      map[string]any
	Hash       string
	Created    time.Time
	Updated    time.Time

	// Derived fields populated by selection/ranking, not stored.
	FTSHit bool    `json:"-"`
	Sim    float64 `json:"-"`
}

// InsertMemoryArgs is the upsert input for InsertMemory.
type InsertMemoryArgs struct {
	ID         string
	Lane       string
	Kind       string
	Key        string
	Value      map[string]any
	Tags       []string
	Embed      []float64
	EmbedHint  string
	Score      float64
	Prob       float64
	AgentID    string
	ProjectID  string
	Text       string
	Durability string
	Trust      float64
	Privacy    string
	TTLSeconds int64
	Keywords   []string
	Entities   map[string]any
	Source     map[string]any
	Links      []string
	Extra      map[string]any
}

// MemoryLink is an edge between two memory records.
type MemoryLink struct {
	Src     string
	Dst     string
	Rel     string
	Weight  float64
	Created time.Time
	Updated time.Time
}

// ConfigSnapshot is a single entry in the config history ring (spec §3.5).
type ConfigSnapshot struct {
	ID       int64
	Created  time.Time
	Document map[string]any
}

// Lease is a time-bounded capability grant (spec glossary: Lease).
type Lease struct {
	Principal  string
	Capability string
	Scope      map[string]any
	ExpiresAt  time.Time
}

// CapsuleRow is the durable form of a capsule (spec §3.7).
type CapsuleRow struct {
	ID        string
	Document  map[string]any
	AdoptedAt time.Time
}

// Store is the kernel's logical contract (spec.md §4.2). Both the SQLite
// and Postgres implementations satisfy it identically.
type Store interface {
	AppendEvent(ctx context.Context, kind string, t time.Time, payload map[string]any) (int64, error)
	RecentEvents(ctx context.Context, limit int, afterID int64) ([]EventRow, error)

	InsertAction(ctx context.Context, a *Action) error
	UpdateActionState(ctx context.Context, id string, from, to ActionState, result map[string]any, errMsg string) error
	GetAction(ctx context.Context, id string) (*Action, error)
	CountActionsByState(ctx context.Context) (map[ActionState]int, error)
	ClaimOldestQueued(ctx context.Context) (*Action, error)
	ListActions(ctx context.Context, limit int) ([]Action, error)

	InsertMemory(ctx context.Context, args InsertMemoryArgs) (*MemoryRecord, error)
	GetMemory(ctx context.Context, id string) (*MemoryRecord, error)
	SearchMemory(ctx context.Context, lane string, limit int) ([]MemoryRecord, error)
	FTSSearchMemory(ctx context.Context, query, lane string, limit int) ([]MemoryRecord, error)
	SearchMemoryByEmbedding(ctx context.Context, embed []float64, lane string, limit int) ([]MemoryRecord, error)
	SelectMemoryHybrid(ctx context.Context, query string, embed []float64, lane string, limit int) ([]MemoryRecord, error)
	InsertMemoryLink(ctx context.Context, link MemoryLink) error
	ListMemoryLinks(ctx context.Context, memID string) ([]MemoryLink, error)

	InsertConfigSnapshot(ctx context.Context, doc map[string]any) (int64, error)
	ListConfigSnapshots(ctx context.Context, limit int) ([]ConfigSnapshot, error)
	GetConfigSnapshot(ctx context.Context, id int64) (*ConfigSnapshot, error)

	InsertLease(ctx context.Context, l Lease) error
	FindValidLease(ctx context.Context, principal, capability string) (*Lease, error)

	InsertCapsule(ctx context.Context, c CapsuleRow) error
	GetCapsule(ctx context.Context, id string) (*CapsuleRow, error)

	Close() error
}
