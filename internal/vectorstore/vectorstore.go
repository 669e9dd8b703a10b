// Package vectorstore implements C4: CRUD + filtered nearest-neighbor
// search over three named collections (episodic/semantic/procedural),
// grounded on the teacher's db.go (pgxpool + pgvector type registration,
// idempotent schema, transaction-per-call).
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"agent-mem/internal/errs"
)

type Category string

const (
	Episodic   Category = "episodic"
	Semantic   Category = "semantic"
	Procedural Category = "procedural"
)

var Categories = []Category{Episodic, Semantic, Procedural}

func ValidCategory(c string) bool {
	switch Category(c) {
	case Episodic, Semantic, Procedural:
		return true
	}
	return false
}

// Point is one physical chunk: point_id, vector, and its denormalized
// payload fields (spec §3 "Chunk (physical)").
type Point struct {
	PointID        string
	MemoryID       string
	ChunkIndex     int
	ChunkCount     int
	Content        string // chunk text; full original content when ChunkIndex==0
	Category       Category
	Tags           []string
	Importance     float64
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	Vector         []float32
}

// Filter is a conjunction of predicates over payload keys (spec §4.4).
type Filter struct {
	Equals        map[string]any
	InSet         map[string][]any
	RangeGTE      map[string]any
	RangeLTE      map[string]any
	ContainsAll   map[string][]string // tag-array fields
	ContainsAny   map[string][]string
	Exists        []string
	MemoryIDs     []string
}

type ScoredPoint struct {
	Point Point
	Score float64
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "parse database url", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "connect vector store", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying connection pool so relstore.New can share it
// rather than opening a second pool against the same database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureSchema creates the per-category tables (VECTOR(dimension), hnsw
// cosine index) if absent, per the teacher's idempotent DDL style.
func (s *Store) EnsureSchema(ctx context.Context, dimension int) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "create vector extension", err)
	}
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS pgcrypto"); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "create pgcrypto extension", err)
	}
	for _, cat := range Categories {
		table := tableName(cat)
		ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  point_id UUID PRIMARY KEY,
  memory_id UUID NOT NULL,
  chunk_index INT NOT NULL,
  chunk_count INT NOT NULL,
  content TEXT NOT NULL,
  tags JSONB NOT NULL DEFAULT '[]',
  importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
  metadata JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  access_count INT NOT NULL DEFAULT 0,
  embedding VECTOR(%[2]d) NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_memory_id_idx ON %[1]s (memory_id);
CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, table, dimension)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return errs.Wrap(errs.StorageUnavailable, "ensure schema for "+table, err)
		}
	}
	return nil
}

func tableName(cat Category) string {
	return "chunks_" + string(cat)
}

// Upsert inserts-or-replaces points by point_id, atomic per call, batched
// in one transaction (spec §4.4).
func (s *Store) Upsert(ctx context.Context, category Category, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	table := tableName(category)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "begin upsert tx", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range points {
		tagsJSON, err := json.Marshal(p.Tags)
		if err != nil {
			return errs.Wrap(errs.InvalidInput, "marshal tags", err)
		}
		metaJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return errs.Wrap(errs.InvalidInput, "marshal metadata", err)
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (point_id, memory_id, chunk_index, chunk_count, content, tags, importance,
                metadata, created_at, updated_at, last_accessed_at, access_count, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (point_id) DO UPDATE SET
  memory_id=excluded.memory_id, chunk_index=excluded.chunk_index, chunk_count=excluded.chunk_count,
  content=excluded.content, tags=excluded.tags, importance=excluded.importance,
  metadata=excluded.metadata, updated_at=excluded.updated_at,
  last_accessed_at=excluded.last_accessed_at, access_count=excluded.access_count,
  embedding=excluded.embedding
`, table),
			p.PointID, p.MemoryID, p.ChunkIndex, p.ChunkCount, p.Content, tagsJSON, p.Importance,
			metaJSON, p.CreatedAt, p.UpdatedAt, p.LastAccessedAt, p.AccessCount, pgvector.NewVector(p.Vector))
		if err != nil {
			return errs.Wrap(errs.StorageUnavailable, "upsert point", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "commit upsert tx", err)
	}
	return nil
}

// DeleteByIDs removes points by point_id.
func (s *Store) DeleteByIDs(ctx context.Context, category Category, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE point_id = ANY($1)`, tableName(category)), ids)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "delete by ids", err)
	}
	return nil
}

// DeleteByMemoryID removes all chunks for a logical memory.
func (s *Store) DeleteByMemoryID(ctx context.Context, category Category, memoryID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE memory_id = $1`, tableName(category)), memoryID)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "delete by memory id", err)
	}
	return nil
}

// DeleteByFilter removes points matching a payload predicate.
func (s *Store) DeleteByFilter(ctx context.Context, category Category, filter Filter) error {
	where, args := compileFilter(filter)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, tableName(category), where)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "delete by filter", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, category Category, pointID string) (Point, bool, error) {
	points, err := s.GetMany(ctx, category, []string{pointID})
	if err != nil {
		return Point{}, false, err
	}
	if len(points) == 0 {
		return Point{}, false, nil
	}
	return points[0], true, nil
}

func (s *Store) GetMany(ctx context.Context, category Category, pointIDs []string) ([]Point, error) {
	if len(pointIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT point_id, memory_id, chunk_index, chunk_count, content, tags, importance, metadata,
       created_at, updated_at, last_accessed_at, access_count, embedding
FROM %s WHERE point_id = ANY($1)`, tableName(category)), pointIDs)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "get many", err)
	}
	defer rows.Close()
	return scanPoints(rows, category)
}

// GetByMemoryID returns all chunks for a logical memory ordered by
// chunk_index.
func (s *Store) GetByMemoryID(ctx context.Context, category Category, memoryID string) ([]Point, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT point_id, memory_id, chunk_index, chunk_count, content, tags, importance, metadata,
       created_at, updated_at, last_accessed_at, access_count, embedding
FROM %s WHERE memory_id = $1 ORDER BY chunk_index ASC`, tableName(category)), memoryID)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "get by memory id", err)
	}
	defer rows.Close()
	return scanPoints(rows, category)
}

// Search returns up to k nearest neighbors by cosine similarity
// (score in [0,1], descending, distinct ids); may return fewer than k.
func (s *Store) Search(ctx context.Context, category Category, query []float32, k int, filter *Filter) ([]ScoredPoint, error) {
	where := "TRUE"
	var args []any
	if filter != nil {
		where, args = compileFilter(*filter)
	}
	args = append(args, pgvector.NewVector(query), k)
	vecIdx := len(args) - 1
	limitIdx := len(args)
	query2 := fmt.Sprintf(`
SELECT point_id, memory_id, chunk_index, chunk_count, content, tags, importance, metadata,
       created_at, updated_at, last_accessed_at, access_count, embedding,
       1 - (embedding <=> $%d) AS score
FROM %s
WHERE %s
ORDER BY embedding <=> $%d ASC
LIMIT $%d`, vecIdx+1, tableName(category), where, vecIdx+1, limitIdx+1)

	rows, err := s.pool.Query(ctx, query2, args...)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "search", err)
	}
	defer rows.Close()

	var out []ScoredPoint
	for rows.Next() {
		p, score, err := scanScoredPoint(rows, category)
		if err != nil {
			return nil, errs.Wrap(errs.StorageUnavailable, "scan search row", err)
		}
		if score < 0 {
			score = 0
		}
		out = append(out, ScoredPoint{Point: p, Score: score})
	}
	return out, rows.Err()
}

// Scroll paginates over points matching filter, for maintenance passes.
func (s *Store) Scroll(ctx context.Context, category Category, filter Filter, cursor string, limit int) ([]Point, string, error) {
	where, args := compileFilter(filter)
	if cursor != "" {
		where += fmt.Sprintf(" AND point_id > $%d", len(args)+1)
		args = append(args, cursor)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`
SELECT point_id, memory_id, chunk_index, chunk_count, content, tags, importance, metadata,
       created_at, updated_at, last_accessed_at, access_count, embedding
FROM %s WHERE %s ORDER BY point_id ASC LIMIT $%d`, tableName(category), where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", errs.Wrap(errs.StorageUnavailable, "scroll", err)
	}
	defer rows.Close()
	points, err := scanPoints(rows, category)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(points) == limit {
		next = points[len(points)-1].PointID
	}
	return points, next, nil
}

// Touch increments access_count and bumps last_accessed_at for the given
// point ids (used by recall hits).
func (s *Store) Touch(ctx context.Context, category Category, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET access_count = access_count + 1, last_accessed_at = now()
WHERE point_id = ANY($1)`, tableName(category)), pointIDs)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "touch points", err)
	}
	return nil
}

// UpdatePayload updates non-content payload fields on every chunk of a
// memory, preserving invariant I-CHUNK.
func (s *Store) UpdatePayload(ctx context.Context, category Category, memoryID string, tags []string, importance float64, metadata map[string]any, updatedAt time.Time) error {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "marshal tags", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "marshal metadata", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET tags=$1, importance=$2, metadata=$3, updated_at=$4 WHERE memory_id=$5`,
		tableName(category)), tagsJSON, importance, metaJSON, updatedAt, memoryID)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "update payload", err)
	}
	return nil
}

func scanPoints(rows pgx.Rows, category Category) ([]Point, error) {
	var out []Point
	for rows.Next() {
		p, err := scanPointRow(rows, category)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPointRow(rows pgx.Rows, category Category) (Point, error) {
	var p Point
	var tagsRaw, metaRaw []byte
	var vec pgvector.Vector
	p.Category = category
	if err := rows.Scan(&p.PointID, &p.MemoryID, &p.ChunkIndex, &p.ChunkCount, &p.Content, &tagsRaw,
		&p.Importance, &metaRaw, &p.CreatedAt, &p.UpdatedAt, &p.LastAccessedAt, &p.AccessCount, &vec); err != nil {
		return Point{}, err
	}
	_ = json.Unmarshal(tagsRaw, &p.Tags)
	_ = json.Unmarshal(metaRaw, &p.Metadata)
	p.Vector = vec.Slice()
	return p, nil
}

func scanScoredPoint(rows pgx.Rows, category Category) (Point, float64, error) {
	var p Point
	var tagsRaw, metaRaw []byte
	var vec pgvector.Vector
	var score float64
	p.Category = category
	if err := rows.Scan(&p.PointID, &p.MemoryID, &p.ChunkIndex, &p.ChunkCount, &p.Content, &tagsRaw,
		&p.Importance, &metaRaw, &p.CreatedAt, &p.UpdatedAt, &p.LastAccessedAt, &p.AccessCount, &vec, &score); err != nil {
		return Point{}, 0, err
	}
	_ = json.Unmarshal(tagsRaw, &p.Tags)
	_ = json.Unmarshal(metaRaw, &p.Metadata)
	p.Vector = vec.Slice()
	return p, score, nil
}

// compileFilter turns a Filter into a SQL WHERE clause + args, per spec
// §4.4's grammar: equals, in_set, range, contains_all/contains_any, exists.
func compileFilter(f Filter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if len(f.MemoryIDs) > 0 {
		add("memory_id = ANY($%d)", f.MemoryIDs)
	}
	for key, val := range f.Equals {
		switch key {
		case "category", "memory_id", "point_id", "chunk_index":
			add(fmt.Sprintf("%s = $%%d", key), val)
		default:
			add(fmt.Sprintf("metadata->>'%s' = $%%d", key), fmt.Sprintf("%v", val))
		}
	}
	for key, vals := range f.InSet {
		add(fmt.Sprintf("metadata->>'%s' = ANY($%%d)", key), toStringSlice(vals))
	}
	for key, val := range f.RangeGTE {
		add(fmt.Sprintf("%s >= $%%d", rangeColumn(key)), val)
	}
	for key, val := range f.RangeLTE {
		add(fmt.Sprintf("%s <= $%%d", rangeColumn(key)), val)
	}
	for _, vals := range f.ContainsAll {
		for _, v := range vals {
			add("tags @> $%d", mustJSON([]string{v}))
		}
	}
	for key, vals := range f.ContainsAny {
		var parts []string
		for _, v := range vals {
			args = append(args, mustJSON([]string{v}))
			parts = append(parts, fmt.Sprintf("tags @> $%d", len(args)))
		}
		if len(parts) > 0 {
			clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
		}
		_ = key
	}
	for _, key := range f.Exists {
		add("metadata ? $%d", key)
	}

	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return strings.Join(clauses, " AND "), args
}

func rangeColumn(key string) string {
	switch key {
	case "importance", "access_count", "created_at", "updated_at", "last_accessed_at":
		return key
	default:
		return "metadata->>'" + key + "'"
	}
}

func toStringSlice(vals []any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("%v", v)
	}
	return out
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
