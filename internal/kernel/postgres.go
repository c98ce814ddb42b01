package kernel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store on top of a pgxpool.Pool, matching the
// teacher's connection-pool discipline in
// internal/database/postgres/pool.go (fixed MaxConns/MinConns of 16/2,
// connect-time ping, explicit dialect errors).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, applies pending migrations via the
// database/sql/goose bridge (stdlib.OpenDB), then hands off to a pgxpool
// for steady-state query traffic.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("kernel: parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("kernel: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kernel: ping postgres: %w", err)
	}

	migConn := stdlib.OpenDB(*cfg.ConnConfig)
	if err := migratePostgres(migConn); err != nil {
		migConn.Close()
		pool.Close()
		return nil, fmt.Errorf("kernel: migrate: %w", err)
	}
	migConn.Close()

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, kind string, t time.Time, payload map[string]any) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events(time, kind, payload) VALUES ($1, $2, $3) RETURNING id`,
		t.UTC(), kind, payload).Scan(&id)
	return id, err
}

func (s *PostgresStore) RecentEvents(ctx context.Context, limit int, afterID int64) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var rows pgx.Rows
	var err error
	if afterID > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT id, time, kind, payload FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, time, kind, payload FROM (
				SELECT id, time, kind, payload FROM events ORDER BY id DESC LIMIT $1
			) t ORDER BY id ASC`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.ID, &r.Time, &r.Kind, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- actions ---

func (s *PostgresStore) InsertAction(ctx context.Context, a *Action) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO actions(id, kind, input, state, created, updated, corr_id) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.Kind, a.Input, string(a.State), a.Created.UTC(), a.Updated.UTC(), a.CorrID)
	return err
}

func (s *PostgresStore) UpdateActionState(ctx context.Context, id string, from, to ActionState, result map[string]any, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE actions SET state = $1, updated = $2, result = $3, error = $4 WHERE id = $5 AND state = $6`,
		string(to), time.Now().UTC(), result, nullString(errMsg), id, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*Action, error) {
	var a Action
	var errMsg, corrID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, input, state, created, updated, result, error, corr_id FROM actions WHERE id = $1`, id,
	).Scan(&a.ID, &a.Kind, &a.Input, &a.State, &a.Created, &a.Updated, &a.Result, &errMsg, &corrID)
	if err != nil {
		return nil, pgNotFound(err)
	}
	if errMsg != nil {
		a.Error = *errMsg
	}
	if corrID != nil {
		a.CorrID = *corrID
	}
	return &a, nil
}

// ListActions returns the most recently updated actions, newest first, for
// the `/state/actions` read-model snapshot.
func (s *PostgresStore) ListActions(ctx context.Context, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, input, state, created, updated, result, error, corr_id FROM actions ORDER BY updated DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var errMsg, corrID *string
		if err := rows.Scan(&a.ID, &a.Kind, &a.Input, &a.State, &a.Created, &a.Updated, &a.Result, &errMsg, &corrID); err != nil {
			return nil, err
		}
		if errMsg != nil {
			a.Error = *errMsg
		}
		if corrID != nil {
			a.CorrID = *corrID
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountActionsByState(ctx context.Context) (map[ActionState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM actions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[ActionState]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[ActionState(st)] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimOldestQueued(ctx context.Context) (*Action, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var a Action
	var errMsg, corrID *string
	err = tx.QueryRow(ctx, `
		UPDATE actions SET state = $1, updated = $2
		WHERE id = (
			SELECT id FROM actions WHERE state = $3 ORDER BY created ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, input, state, created, updated, result, error, corr_id
	`, string(ActionRunning), time.Now().UTC(), string(ActionQueued),
	).Scan(&a.ID, &a.Kind, &a.Input, &a.State, &a.Created, &a.Updated, &a.Result, &errMsg, &corrID)
	if err != nil {
		return nil, pgNotFound(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if errMsg != nil {
		a.Error = *errMsg
	}
	if corrID != nil {
		a.CorrID = *corrID
	}
	return &a, nil
}

// --- memory ---

func (s *PostgresStore) InsertMemory(ctx context.Context, args InsertMemoryArgs) (*MemoryRecord, error) {
	if args.ID == "" {
		args.ID = newULID()
	}
	hash := computeMemoryHash(args.Lane, args.Kind, args.Key, args.AgentID, args.ProjectID, args.Text, args.Value)
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO memory_records(
			id, lane, kind, key, value, tags, embed, embed_hint, score, prob,
			agent_id, project_id, text, durability, trust, privacy, ttl_s,
			keywords, entities, source, links, extra, hash, created, updated
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$24)
		ON CONFLICT (id) DO UPDATE SET
			lane=excluded.lane, kind=excluded.kind, key=excluded.key, value=excluded.value,
			tags=excluded.tags, embed=excluded.embed, embed_hint=excluded.embed_hint,
			score=excluded.score, prob=excluded.prob, agent_id=excluded.agent_id,
			project_id=excluded.project_id, text=excluded.text, durability=excluded.durability,
			trust=excluded.trust, privacy=excluded.privacy, ttl_s=excluded.ttl_s,
			keywords=excluded.keywords, entities=excluded.entities, source=excluded.source,
			links=excluded.links, extra=excluded.extra, hash=excluded.hash, updated=excluded.updated
		RETURNING created
	`, args.ID, args.Lane, args.Kind, args.Key, args.Value, toAnySlice(args.Tags), toAnySlice(args.Embed), args.EmbedHint,
		args.Score, args.Prob, args.AgentID, args.ProjectID, args.Text, args.Durability, args.Trust, args.Privacy,
		args.TTLSeconds, toAnySlice(args.Keywords), args.Entities, args.Source, toAnySlice(args.Links), args.Extra, hash, now)

	var created time.Time
	if err := row.Scan(&created); err != nil {
		return nil, err
	}

	return &MemoryRecord{
		ID: args.ID, Lane: args.Lane, Kind: args.Kind, Key: args.Key, Value: args.Value, Tags: args.Tags,
		Embed: args.Embed, EmbedHint: args.EmbedHint, Score: args.Score, Prob: args.Prob, AgentID: args.AgentID,
		ProjectID: args.ProjectID, Text: args.Text, Durability: args.Durability, Trust: args.Trust,
		Privacy: args.Privacy, TTLSeconds: args.TTLSeconds, Keywords: args.Keywords, Entities: args.Entities,
		Source: args.Source, Links: args.Links, Extra: args.Extra, Hash: hash, Created: created, Updated: now,
	}, nil
}

// toAnySlice keeps nil slices as nil (rather than an empty array), so pgx
// stores SQL NULL instead of '{}' for unset tags/embed/keywords/links.
func toAnySlice[T any](v []T) any {
	if v == nil {
		return nil
	}
	return v
}

const pgMemoryColumns = `id, lane, kind, key, value, tags, embed, embed_hint, score, prob,
	agent_id, project_id, text, durability, trust, privacy, ttl_s,
	keywords, entities, source, links, extra, hash, created, updated`

func scanPGMemoryRow(row pgx.Row) (MemoryRecord, error) {
	var m MemoryRecord
	err := row.Scan(&m.ID, &m.Lane, &m.Kind, &m.Key, &m.Value, &m.Tags, &m.Embed, &m.EmbedHint, &m.Score, &m.Prob,
		&m.AgentID, &m.ProjectID, &m.Text, &m.Durability, &m.Trust, &m.Privacy, &m.TTLSeconds,
		&m.Keywords, &m.Entities, &m.Source, &m.Links, &m.Extra, &m.Hash, &m.Created, &m.Updated)
	return m, err
}

func (s *PostgresStore) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgMemoryColumns+` FROM memory_records WHERE id = $1`, id)
	m, err := scanPGMemoryRow(row)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return &m, nil
}

func (s *PostgresStore) SearchMemory(ctx context.Context, lane string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if lane != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+pgMemoryColumns+` FROM memory_records WHERE lane = $1 ORDER BY updated DESC LIMIT $2`, lane, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+pgMemoryColumns+` FROM memory_records ORDER BY updated DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemoryRecord
	for rows.Next() {
		m, err := scanPGMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FTSSearchMemory approximates lexical search with the 00001_init.sql
// functional GIN index via a plainto_tsquery match. There is no substring
// fallback: a query whose tsquery parse is empty (e.g. one made only of
// punctuation) matches no rows.
func (s *PostgresStore) FTSSearchMemory(ctx context.Context, query, lane string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	laneClause := ""
	args := []any{q}
	if lane != "" {
		laneClause = " AND lane = $3"
		args = append(args, limit, lane)
	} else {
		args = append(args, limit)
	}

	sql := `
		SELECT ` + pgMemoryColumns + ` FROM memory_records
		WHERE to_tsvector('simple', coalesce(key,'') || ' ' || coalesce(text,'') || ' ' || coalesce(value::text,''))
			@@ plainto_tsquery('simple', $1)` + laneClause + `
		ORDER BY updated DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemoryRecord
	for rows.Next() {
		m, err := scanPGMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		m.FTSHit = true
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SearchMemoryByEmbedding(ctx context.Context, embed []float64, lane string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	candidates, err := s.SearchMemory(ctx, lane, 1000)
	if err != nil {
		return nil, err
	}
	scored := make([]MemoryRecord, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embed) != len(embed) || len(embed) == 0 {
			continue
		}
		sim := cosineSim(c.Embed, embed)
		if sim == 0 {
			continue
		}
		c.Sim = sim
		scored = append(scored, c)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Sim > scored[j].Sim })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *PostgresStore) SelectMemoryHybrid(ctx context.Context, query string, embed []float64, lane string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var candidates []MemoryRecord
	var err error
	if strings.TrimSpace(query) != "" {
		candidates, err = s.FTSSearchMemory(ctx, query, lane, 400)
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		candidates, err = s.SearchMemory(ctx, lane, 400)
		if err != nil {
			return nil, err
		}
		for i := range candidates {
			candidates[i].FTSHit = false
		}
	}

	now := time.Now()
	const halfLife = 6 * time.Hour
	type scoredRec struct {
		rec    MemoryRecord
		cscore float64
	}
	out := make([]scoredRec, 0, len(candidates))
	for _, c := range candidates {
		sim := 0.0
		if len(embed) > 0 && len(c.Embed) == len(embed) {
			sim = cosineSim(c.Embed, embed)
		}
		ftsScore := 0.0
		if c.FTSHit {
			ftsScore = 1.0
		}
		age := now.Sub(c.Updated).Seconds()
		recency := math.Exp(-age / halfLife.Seconds())
		utility := clamp01(c.Score)
		cscore := 0.5*sim + 0.2*ftsScore + 0.2*recency + 0.1*utility
		out = append(out, scoredRec{rec: c, cscore: cscore})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cscore > out[j].cscore })
	if len(out) > limit {
		out = out[:limit]
	}
	recs := make([]MemoryRecord, len(out))
	for i, o := range out {
		o.rec.Sim = o.cscore
		recs[i] = o.rec
	}
	return recs, nil
}

func (s *PostgresStore) InsertMemoryLink(ctx context.Context, link MemoryLink) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_links(src, dst, rel, weight, created, updated) VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (src, dst, rel) DO UPDATE SET weight=excluded.weight, updated=excluded.updated
	`, link.Src, link.Dst, link.Rel, link.Weight, now)
	return err
}

func (s *PostgresStore) ListMemoryLinks(ctx context.Context, memID string) ([]MemoryLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT src, dst, rel, weight, created, updated FROM memory_links WHERE src = $1 OR dst = $1`, memID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemoryLink
	for rows.Next() {
		var l MemoryLink
		if err := rows.Scan(&l.Src, &l.Dst, &l.Rel, &l.Weight, &l.Created, &l.Updated); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- config snapshots ---

func (s *PostgresStore) InsertConfigSnapshot(ctx context.Context, doc map[string]any) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO config_snapshots(created, document) VALUES ($1, $2) RETURNING id`,
		time.Now().UTC(), doc).Scan(&id)
	return id, err
}

func (s *PostgresStore) ListConfigSnapshots(ctx context.Context, limit int) ([]ConfigSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `SELECT id, created, document FROM config_snapshots ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConfigSnapshot
	for rows.Next() {
		var cs ConfigSnapshot
		if err := rows.Scan(&cs.ID, &cs.Created, &cs.Document); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetConfigSnapshot(ctx context.Context, id int64) (*ConfigSnapshot, error) {
	var cs ConfigSnapshot
	err := s.pool.QueryRow(ctx, `SELECT id, created, document FROM config_snapshots WHERE id = $1`, id).
		Scan(&cs.ID, &cs.Created, &cs.Document)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return &cs, nil
}

// --- leases ---

func (s *PostgresStore) InsertLease(ctx context.Context, l Lease) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leases(principal, capability, scope, expires_at) VALUES ($1,$2,$3,$4)`,
		l.Principal, l.Capability, l.Scope, l.ExpiresAt.UTC())
	return err
}

func (s *PostgresStore) FindValidLease(ctx context.Context, principal, capability string) (*Lease, error) {
	var l Lease
	err := s.pool.QueryRow(ctx, `
		SELECT principal, capability, scope, expires_at FROM leases
		WHERE principal = $1 AND capability = $2 AND expires_at > $3
		ORDER BY expires_at DESC LIMIT 1
	`, principal, capability, time.Now().UTC()).Scan(&l.Principal, &l.Capability, &l.Scope, &l.ExpiresAt)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return &l, nil
}

// --- capsules ---

func (s *PostgresStore) InsertCapsule(ctx context.Context, c CapsuleRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO capsules(id, document, adopted_at) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET document=excluded.document, adopted_at=excluded.adopted_at
	`, c.ID, c.Document, c.AdoptedAt.UTC())
	return err
}

func (s *PostgresStore) GetCapsule(ctx context.Context, id string) (*CapsuleRow, error) {
	var c CapsuleRow
	err := s.pool.QueryRow(ctx, `SELECT id, document, adopted_at FROM capsules WHERE id = $1`, id).
		Scan(&c.ID, &c.Document, &c.AdoptedAt)
	if err != nil {
		return nil, pgNotFound(err)
	}
	return &c, nil
}
