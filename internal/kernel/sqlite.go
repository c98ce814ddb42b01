package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using the pure-Go modernc.org/sqlite driver,
// with WAL mode, foreign keys, and restrictive file permissions.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // serializes writers; modernc.org/sqlite permits one writer
	path string
}

// OpenSQLite opens (creating parent dirs/file as needed) a SQLite-backed
// kernel store and runs pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("kernel: sqlite path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("kernel: path must not contain '..': %s", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("kernel: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := migrateSQLite(db); err != nil {
		return nil, fmt.Errorf("kernel: migrate: %w", err)
	}
	_ = os.Chmod(path, 0o600)

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSONMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func unmarshalJSONSlice[T any](s string) []T {
	if s == "" {
		return nil
	}
	var v []T
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

// --- events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, kind string, t time.Time, payload map[string]any) (int64, error) {
	p, err := marshalJSON(payload)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(time, kind, payload) VALUES (?, ?, ?)`,
		t.UTC().Format(time.RFC3339Nano), kind, p)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int, afterID int64) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	if afterID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, time, kind, payload FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, time, kind, payload FROM (
				SELECT id, time, kind, payload FROM events ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var ts, payload string
		if err := rows.Scan(&r.ID, &ts, &r.Kind, &payload); err != nil {
			return nil, err
		}
		r.Time, _ = time.Parse(time.RFC3339Nano, ts)
		r.Payload = unmarshalJSONMap(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- actions ---

func (s *SQLiteStore) InsertAction(ctx context.Context, a *Action) error {
	input, err := marshalJSON(a.Input)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions(id, kind, input, state, created, updated, corr_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind, input, string(a.State), a.Created.UTC().Format(time.RFC3339Nano), a.Updated.UTC().Format(time.RFC3339Nano), a.CorrID)
	return err
}

// UpdateActionState performs a guarded CAS transition: it only succeeds if
// the row is currently in `from`. This is the serialization point that
// guarantees a single worker claims an action (spec.md §4.4).
func (s *SQLiteStore) UpdateActionState(ctx context.Context, id string, from, to ActionState, result map[string]any, errMsg string) error {
	res, err := marshalJSON(result)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = ?, updated = ?, result = ?, error = ? WHERE id = ? AND state = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339Nano), nullableJSON(res), nullableString(errMsg), id, string(from))
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

func nullableJSON(s string) any {
	if s == "" {
		return nil
	}
	return s
}
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, input, state, created, updated, result, error, corr_id FROM actions WHERE id = ?`, id)
	var a Action
	var input string
	var created, updated string
	var result, errMsg, corrID sql.NullString
	if err := row.Scan(&a.ID, &a.Kind, &input, &a.State, &created, &updated, &result, &errMsg, &corrID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Input = unmarshalJSONMap(input)
	a.Created, _ = time.Parse(time.RFC3339Nano, created)
	a.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	a.Result = unmarshalJSONMap(result.String)
	a.Error = errMsg.String
	a.CorrID = corrID.String
	return &a, nil
}

// ListActions returns the most recently updated actions, newest first, for
// the `/state/actions` read-model snapshot.
func (s *SQLiteStore) ListActions(ctx context.Context, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, input, state, created, updated, result, error, corr_id FROM actions ORDER BY updated DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var input string
		var created, updated string
		var result, errMsg, corrID sql.NullString
		if err := rows.Scan(&a.ID, &a.Kind, &input, &a.State, &created, &updated, &result, &errMsg, &corrID); err != nil {
			return nil, err
		}
		a.Input = unmarshalJSONMap(input)
		a.Created, _ = time.Parse(time.RFC3339Nano, created)
		a.Updated, _ = time.Parse(time.RFC3339Nano, updated)
		a.Result = unmarshalJSONMap(result.String)
		a.Error = errMsg.String
		a.CorrID = corrID.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountActionsByState(ctx context.Context) (map[ActionState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM actions GROUP BY state`)
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

// ClaimOldestQueued atomically moves the oldest queued action to running
// and returns it, or ErrNotFound if the queue is empty.
func (s *SQLiteStore) ClaimOldestQueued(ctx context.Context) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id FROM actions WHERE state = ? ORDER BY created ASC LIMIT 1`, string(ActionQueued))
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	r, err := tx.ExecContext(ctx, `UPDATE actions SET state = ?, updated = ? WHERE id = ? AND state = ?`,
		string(ActionRunning), now, id, string(ActionQueued))
	if err != nil {
		return nil, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	row2 := tx.QueryRowContext(ctx,
		`SELECT id, kind, input, state, created, updated, result, error, corr_id FROM actions WHERE id = ?`, id)
	var a Action
	var input string
	var created, updated string
	var result, errMsg, corrID sql.NullString
	if err := row2.Scan(&a.ID, &a.Kind, &input, &a.State, &created, &updated, &result, &errMsg, &corrID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	a.Input = unmarshalJSONMap(input)
	a.Created, _ = time.Parse(time.RFC3339Nano, created)
	a.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	a.CorrID = corrID.String
	return &a, nil
}

// --- memory ---

func (s *SQLiteStore) InsertMemory(ctx context.Context, args InsertMemoryArgs) (*MemoryRecord, error) {
	if args.ID == "" {
		args.ID = newULID()
	}
	hash := computeMemoryHash(args.Lane, args.Kind, args.Key, args.AgentID, args.ProjectID, args.Text, args.Value)

	value, _ := marshalJSON(args.Value)
	tags, _ := marshalJSON(args.Tags)
	embed, _ := marshalJSON(args.Embed)
	keywords, _ := marshalJSON(args.Keywords)
	entities, _ := marshalJSON(args.Entities)
	source, _ := marshalJSON(args.Source)
	links, _ := marshalJSON(args.Links)
	extra, _ := marshalJSON(args.Extra)

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var created time.Time
	row := tx.QueryRowContext(ctx, `SELECT created FROM memory_records WHERE id = ?`, args.ID)
	var createdStr string
	if err := row.Scan(&createdStr); err == nil {
		created, _ = time.Parse(time.RFC3339Nano, createdStr)
	} else {
		created = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_records(
			id, lane, kind, key, value, tags, embed, embed_hint, score, prob,
			agent_id, project_id, text, durability, trust, privacy, ttl_s,
			keywords, entities, source, links, extra, hash, created, updated
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			lane=excluded.lane, kind=excluded.kind, key=excluded.key, value=excluded.value,
			tags=excluded.tags, embed=excluded.embed, embed_hint=excluded.embed_hint,
			score=excluded.score, prob=excluded.prob, agent_id=excluded.agent_id,
			project_id=excluded.project_id, text=excluded.text, durability=excluded.durability,
			trust=excluded.trust, privacy=excluded.privacy, ttl_s=excluded.ttl_s,
			keywords=excluded.keywords, entities=excluded.entities, source=excluded.source,
			links=excluded.links, extra=excluded.extra, hash=excluded.hash, updated=excluded.updated
	`, args.ID, args.Lane, args.Kind, args.Key, value, tags, embed, args.EmbedHint, args.Score, args.Prob,
		args.AgentID, args.ProjectID, args.Text, args.Durability, args.Trust, args.Privacy, args.TTLSeconds,
		keywords, entities, source, links, extra, hash, created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}

	// Keep the FTS index in lockstep: delete then re-insert (spec §3.3 invariant 2).
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE id = ?`, args.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_fts(id, lane, key, value, tags, text) VALUES (?,?,?,?,?,?)`,
		args.ID, args.Lane, args.Key, flattenForFTS(args.Value), strings.Join(args.Tags, " "), args.Text,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
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

func flattenForFTS(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (s *SQLiteStore) scanMemoryRow(rows interface {
	Scan(dest ...any) error
}) (MemoryRecord, error) {
	var m MemoryRecord
	var value, tags, embed, keywords, entities, source, links, extra string
	var created, updated string
	err := rows.Scan(&m.ID, &m.Lane, &m.Kind, &m.Key, &value, &tags, &embed, &m.EmbedHint, &m.Score, &m.Prob,
		&m.AgentID, &m.ProjectID, &m.Text, &m.Durability, &m.Trust, &m.Privacy, &m.TTLSeconds,
		&keywords, &entities, &source, &links, &extra, &m.Hash, &created, &updated)
	if err != nil {
		return m, err
	}
	m.Value = unmarshalJSONMap(value)
	m.Tags = unmarshalJSONSlice[string](tags)
	m.Embed = unmarshalJSONSlice[float64](embed)
	m.Keywords = unmarshalJSONSlice[string](keywords)
	m.Entities = unmarshalJSONMap(entities)
	m.Source = unmarshalJSONMap(source)
	m.Links = unmarshalJSONSlice[string](links)
	m.Extra = unmarshalJSONMap(extra)
	m.Created, _ = time.Parse(time.RFC3339Nano, created)
	m.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	return m, nil
}

const memoryColumns = `id, lane, kind, key, value, tags, embed, embed_hint, score, prob,
	agent_id, project_id, text, durability, trust, privacy, ttl_s,
	keywords, entities, source, links, extra, hash, created, updated`

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE id = ?`, id)
	m, err := s.scanMemoryRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) SearchMemory(ctx context.Context, lane string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if lane != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE lane = ? ORDER BY updated DESC LIMIT ?`, lane, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memory_records ORDER BY updated DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows, s)
}

func scanMemoryRows(rows *sql.Rows, s *SQLiteStore) ([]MemoryRecord, error) {
	var out []MemoryRecord
	for rows.Next() {
		m, err := s.scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FTSSearchMemory runs a MATCH query against the FTS virtual table,
// optionally filtered by lane, ordered by recency (spec §4.5).
func (s *SQLiteStore) FTSSearchMemory(ctx context.Context, query, lane string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	matchQuery := ftsSanitize(query)

	args := []any{matchQuery}
	laneClause := ""
	if lane != "" {
		laneClause = " AND m.lane = ?"
		args = append(args, lane)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("m", memoryColumns)+`
		FROM memory_fts f
		JOIN memory_records m ON m.id = f.id
		WHERE f MATCH ?`+laneClause+`
		ORDER BY m.updated DESC LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs, err := scanMemoryRows(rows, s)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].FTSHit = true
	}
	return recs, nil
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ftsSanitize quotes each token so punctuation in free-text queries doesn't
// break FTS5 query syntax.
func ftsSanitize(q string) string {
	fields := strings.Fields(q)
	for i, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		fields[i] = `"` + f + `"`
	}
	return strings.Join(fields, " ")
}

func cosineSim(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SearchMemoryByEmbedding loads up to 1000 recent rows in lane and ranks by
// cosine similarity, skipping zero-norm/mismatched-dimension rows (spec §4.5).
func (s *SQLiteStore) SearchMemoryByEmbedding(ctx context.Context, embed []float64, lane string, limit int) ([]MemoryRecord, error) {
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

// SelectMemoryHybrid implements the primary context-assembler ranking
// (spec §4.5): FTS-or-recency candidate pool, scored by
// 0.5*sim + 0.2*fts + 0.2*recency + 0.1*utility.
func (s *SQLiteStore) SelectMemoryHybrid(ctx context.Context, query string, embed []float64, lane string, limit int) ([]MemoryRecord, error) {
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

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *SQLiteStore) InsertMemoryLink(ctx context.Context, link MemoryLink) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_links(src, dst, rel, weight, created, updated) VALUES (?,?,?,?,?,?)
		ON CONFLICT(src,dst,rel) DO UPDATE SET weight=excluded.weight, updated=excluded.updated
	`, link.Src, link.Dst, link.Rel, link.Weight, now, now)
	return err
}

func (s *SQLiteStore) ListMemoryLinks(ctx context.Context, memID string) ([]MemoryLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src, dst, rel, weight, created, updated FROM memory_links WHERE src = ? OR dst = ?`, memID, memID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemoryLink
	for rows.Next() {
		var l MemoryLink
		var created, updated string
		if err := rows.Scan(&l.Src, &l.Dst, &l.Rel, &l.Weight, &created, &updated); err != nil {
			return nil, err
		}
		l.Created, _ = time.Parse(time.RFC3339Nano, created)
		l.Updated, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- config snapshots ---

func (s *SQLiteStore) InsertConfigSnapshot(ctx context.Context, doc map[string]any) (int64, error) {
	d, err := marshalJSON(doc)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `INSERT INTO config_snapshots(created, document) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), d)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ListConfigSnapshots(ctx context.Context, limit int) ([]ConfigSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created, document FROM config_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConfigSnapshot
	for rows.Next() {
		var cs ConfigSnapshot
		var created, doc string
		if err := rows.Scan(&cs.ID, &created, &doc); err != nil {
			return nil, err
		}
		cs.Created, _ = time.Parse(time.RFC3339Nano, created)
		cs.Document = unmarshalJSONMap(doc)
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetConfigSnapshot(ctx context.Context, id int64) (*ConfigSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, created, document FROM config_snapshots WHERE id = ?`, id)
	var cs ConfigSnapshot
	var created, doc string
	if err := row.Scan(&cs.ID, &created, &doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cs.Created, _ = time.Parse(time.RFC3339Nano, created)
	cs.Document = unmarshalJSONMap(doc)
	return &cs, nil
}

// --- leases ---

func (s *SQLiteStore) InsertLease(ctx context.Context, l Lease) error {
	scope, err := marshalJSON(l.Scope)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leases(principal, capability, scope, expires_at) VALUES (?,?,?,?)`,
		l.Principal, l.Capability, scope, l.ExpiresAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) FindValidLease(ctx context.Context, principal, capability string) (*Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT principal, capability, scope, expires_at FROM leases
		WHERE principal = ? AND capability = ? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1
	`, principal, capability, time.Now().UTC().Format(time.RFC3339Nano))
	var l Lease
	var scope, expires string
	if err := row.Scan(&l.Principal, &l.Capability, &scope, &expires); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.Scope = unmarshalJSONMap(scope)
	l.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return &l, nil
}

// --- capsules ---

func (s *SQLiteStore) InsertCapsule(ctx context.Context, c CapsuleRow) error {
	doc, err := marshalJSON(c.Document)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capsules(id, document, adopted_at) VALUES (?,?,?)
		ON CONFLICT(id) DO UPDATE SET document=excluded.document, adopted_at=excluded.adopted_at
	`, c.ID, doc, c.AdoptedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) GetCapsule(ctx context.Context, id string) (*CapsuleRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, document, adopted_at FROM capsules WHERE id = ?`, id)
	var c CapsuleRow
	var doc, adopted string
	if err := row.Scan(&c.ID, &doc, &adopted); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Document = unmarshalJSONMap(doc)
	c.AdoptedAt, _ = time.Parse(time.RFC3339Nano, adopted)
	return &c, nil
}
