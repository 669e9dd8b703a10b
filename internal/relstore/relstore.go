// Package relstore implements C5: CRUD for graph edges and the rejection
// ledger, plus recursive traversal queries. Grounded on the teacher's
// db.go transaction/idempotent-DDL idiom; the WITH RECURSIVE traversal
// shape follows original_source/core/graph_manager.py's documented
// "PostgreSQL WITH RECURSIVE for efficient BFS traversal".
package relstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-mem/internal/errs"
)

type RelationType string

const (
	Causes     RelationType = "causes"
	Fixes      RelationType = "fixes"
	Supports   RelationType = "supports"
	Opposes    RelationType = "opposes"
	Follows    RelationType = "follows"
	Supersedes RelationType = "supersedes"
	Derives    RelationType = "derives"
	PartOf     RelationType = "part_of"
	Related    RelationType = "related"
)

var AllRelationTypes = []RelationType{Causes, Fixes, Supports, Opposes, Follows, Supersedes, Derives, PartOf, Related}

func ValidRelationType(t string) bool {
	for _, rt := range AllRelationTypes {
		if string(rt) == t {
			return true
		}
	}
	return false
}

type Creator string

const (
	CreatorUser   Creator = "user"
	CreatorAuto   Creator = "auto"
	CreatorSystem Creator = "system"
)

// creatorRank orders creators for merge-collision resolution: user > auto > system.
func creatorRank(c Creator) int {
	switch c {
	case CreatorUser:
		return 3
	case CreatorAuto:
		return 2
	case CreatorSystem:
		return 1
	default:
		return 0
	}
}

type Edge struct {
	SourceID  string
	TargetID  string
	Type      RelationType
	Weight    float64
	Creator   Creator
	CreatedAt time.Time
	Metadata  map[string]any
}

type Direction string

const (
	DirIn   Direction = "in"
	DirOut  Direction = "out"
	DirBoth Direction = "both"
)

type NeighborResult struct {
	MemoryID string
	Depth    int
	Path     []string
	Relation RelationType
}

type PathStep struct {
	MemoryID  string
	Relation  RelationType
	Direction Direction
}

type BulkResult struct {
	Created    int
	Duplicates int
	Errors     int
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS memory_relations (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  source_id UUID NOT NULL,
  target_id UUID NOT NULL,
  relation_type TEXT NOT NULL,
  weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
  creator TEXT NOT NULL DEFAULT 'user',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  metadata JSONB NOT NULL DEFAULT '{}',
  UNIQUE(source_id, target_id, relation_type)
);
CREATE INDEX IF NOT EXISTS memory_relations_source_idx ON memory_relations(source_id);
CREATE INDEX IF NOT EXISTS memory_relations_target_idx ON memory_relations(target_id);

CREATE TABLE IF NOT EXISTS rejected_suggestions (
  source_id UUID NOT NULL,
  target_id UUID NOT NULL,
  relation_type TEXT NOT NULL,
  rejected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (source_id, target_id, relation_type)
);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "ensure relational schema", err)
	}
	return nil
}

// InsertEdge fails with DuplicateEdge on (source,target,type) collision and
// SelfLoop if source==target (spec §4.5, invariants I-EDGE-UNIQ/I-NO-LOOP).
func (s *Store) InsertEdge(ctx context.Context, e Edge) error {
	if e.SourceID == e.TargetID {
		return errs.New(errs.SelfLoop, "source and target must differ")
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "marshal edge metadata", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO memory_relations (source_id, target_id, relation_type, weight, creator, created_at, metadata)
VALUES ($1,$2,$3,$4,$5, now(), $6)`,
		e.SourceID, e.TargetID, string(e.Type), e.Weight, string(e.Creator), metaJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(errs.DuplicateEdge, "edge already exists")
		}
		return errs.Wrap(errs.StorageUnavailable, "insert edge", err)
	}
	return nil
}

// BulkInsertEdges inserts many edges in one transaction, tallying outcomes.
func (s *Store) BulkInsertEdges(ctx context.Context, edges []Edge) (BulkResult, error) {
	var result BulkResult
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, errs.Wrap(errs.StorageUnavailable, "begin bulk insert", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range edges {
		if e.SourceID == e.TargetID {
			result.Errors++
			continue
		}
		metaJSON, _ := json.Marshal(e.Metadata)
		_, err := tx.Exec(ctx, `
INSERT INTO memory_relations (source_id, target_id, relation_type, weight, creator, created_at, metadata)
VALUES ($1,$2,$3,$4,$5, now(), $6)`,
			e.SourceID, e.TargetID, string(e.Type), e.Weight, string(e.Creator), metaJSON)
		if err != nil {
			if isUniqueViolation(err) {
				result.Duplicates++
				continue
			}
			result.Errors++
			continue
		}
		result.Created++
	}
	if err := tx.Commit(ctx); err != nil {
		return result, errs.Wrap(errs.StorageUnavailable, "commit bulk insert", err)
	}
	return result, nil
}

// DeleteEdge deletes edge(s) between source and target; relType=="" deletes
// all parallel types.
func (s *Store) DeleteEdge(ctx context.Context, sourceID, targetID string, relType RelationType) error {
	var err error
	if relType == "" {
		_, err = s.pool.Exec(ctx, `DELETE FROM memory_relations WHERE source_id=$1 AND target_id=$2`, sourceID, targetID)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM memory_relations WHERE source_id=$1 AND target_id=$2 AND relation_type=$3`,
			sourceID, targetID, string(relType))
	}
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "delete edge", err)
	}
	return nil
}

// DeleteEdgesForMemory removes all edges touching memoryID (used on
// memory delete, per the foreign-key cascade described in spec §4.6).
func (s *Store) DeleteEdgesForMemory(ctx context.Context, memoryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_relations WHERE source_id=$1 OR target_id=$1`, memoryID)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "delete edges for memory", err)
	}
	return nil
}

func (s *Store) ListEdges(ctx context.Context, memoryID string, direction Direction, relType RelationType) ([]Edge, error) {
	var where string
	args := []any{memoryID}
	switch direction {
	case DirIn:
		where = "target_id=$1"
	case DirOut:
		where = "source_id=$1"
	default:
		where = "source_id=$1 OR target_id=$1"
	}
	if relType != "" {
		args = append(args, string(relType))
		where = "(" + where + ") AND relation_type=$2"
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT source_id, target_id, relation_type, weight, creator, created_at, metadata
FROM memory_relations WHERE %s`, where), args...)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "list edges", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// Neighbors performs BFS up to depth hops via WITH RECURSIVE, deduplicating
// by target id keeping minimum depth, never revisiting a node in the same
// path (spec §4.5).
func (s *Store) Neighbors(ctx context.Context, memoryID string, depth int, allowedTypes []RelationType) ([]NeighborResult, error) {
	if depth < 1 {
		depth = 1
	}
	typeFilter := ""
	args := []any{memoryID, depth}
	if len(allowedTypes) > 0 {
		args = append(args, relationTypeStrings(allowedTypes))
		typeFilter = "AND relation_type = ANY($3)"
	}

	query := fmt.Sprintf(`
WITH RECURSIVE bfs(node_id, depth, path, relation_type) AS (
  SELECT target_id, 1, ARRAY[$1::uuid, target_id], relation_type
  FROM memory_relations WHERE source_id = $1 %[1]s
  UNION
  SELECT target_id, 1, ARRAY[$1::uuid, target_id], relation_type
  FROM memory_relations WHERE target_id = $1 %[1]s

  UNION ALL

  SELECT r.target_id, b.depth + 1, b.path || r.target_id, r.relation_type
  FROM memory_relations r
  JOIN bfs b ON r.source_id = b.node_id
  WHERE b.depth < $2 AND NOT (r.target_id = ANY(b.path)) %[1]s
  UNION ALL
  SELECT r.source_id, b.depth + 1, b.path || r.source_id, r.relation_type
  FROM memory_relations r
  JOIN bfs b ON r.target_id = b.node_id
  WHERE b.depth < $2 AND NOT (r.source_id = ANY(b.path)) %[1]s
)
SELECT DISTINCT ON (node_id) node_id, depth, path, relation_type
FROM bfs
WHERE node_id != $1
ORDER BY node_id, depth ASC
`, typeFilter)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "neighbors query", err)
	}
	defer rows.Close()

	var out []NeighborResult
	for rows.Next() {
		var n NeighborResult
		var path []string
		var rel string
		if err := rows.Scan(&n.MemoryID, &n.Depth, &path, &rel); err != nil {
			return nil, errs.Wrap(errs.StorageUnavailable, "scan neighbor", err)
		}
		n.Path = path
		n.Relation = RelationType(rel)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ShortestPath returns ordered steps from `from` to `to`, BFS tie-broken by
// edge insertion order, or an empty slice if unreachable within max_depth.
func (s *Store) ShortestPath(ctx context.Context, from, to string, maxDepth int) ([]PathStep, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	query := `
WITH RECURSIVE bfs(node_id, depth, path, rels, dirs, first_seen) AS (
  SELECT target_id, 1, ARRAY[$1::uuid, target_id], ARRAY[relation_type], ARRAY['out']::text[], id
  FROM memory_relations WHERE source_id = $1
  UNION ALL
  SELECT source_id, 1, ARRAY[$1::uuid, source_id], ARRAY[relation_type], ARRAY['in']::text[], id
  FROM memory_relations WHERE target_id = $1

  UNION ALL

  SELECT r.target_id, b.depth + 1, b.path || r.target_id, b.rels || r.relation_type, b.dirs || 'out', r.id
  FROM memory_relations r JOIN bfs b ON r.source_id = b.node_id
  WHERE b.depth < $3 AND NOT (r.target_id = ANY(b.path))
  UNION ALL
  SELECT r.source_id, b.depth + 1, b.path || r.source_id, b.rels || r.relation_type, b.dirs || 'in', r.id
  FROM memory_relations r JOIN bfs b ON r.target_id = b.node_id
  WHERE b.depth < $3 AND NOT (r.source_id = ANY(b.path))
)
SELECT path, rels, dirs FROM bfs WHERE node_id = $2 ORDER BY depth ASC, first_seen ASC LIMIT 1
`
	row := s.pool.QueryRow(ctx, query, from, to, maxDepth)
	var path []string
	var rels []string
	var dirs []string
	if err := row.Scan(&path, &rels, &dirs); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.StorageUnavailable, "shortest path", err)
	}
	steps := make([]PathStep, 0, len(rels))
	for i := range rels {
		steps = append(steps, PathStep{MemoryID: path[i+1], Relation: RelationType(rels[i]), Direction: Direction(dirs[i])})
	}
	return steps, nil
}

// Subgraph returns all edges whose endpoints both lie within depth hops of
// center (the BFS-reachable set plus center). The returned edges carry no
// per-edge depth.
func (s *Store) Subgraph(ctx context.Context, center string, depth int) ([]Edge, error) {
	neighbors, err := s.Neighbors(ctx, center, depth, nil)
	if err != nil {
		return nil, err
	}
	ids := []string{center}
	for _, n := range neighbors {
		ids = append(ids, n.MemoryID)
	}
	rows, err := s.pool.Query(ctx, `
SELECT source_id, target_id, relation_type, weight, creator, created_at, metadata
FROM memory_relations WHERE source_id = ANY($1) AND target_id = ANY($1)`, ids)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "subgraph edges", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func (s *Store) RecordRejection(ctx context.Context, sourceID, targetID string, relType RelationType) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO rejected_suggestions (source_id, target_id, relation_type, rejected_at)
VALUES ($1,$2,$3, now())`, sourceID, targetID, string(relType))
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(errs.DuplicateRejection, "rejection already recorded")
		}
		return errs.Wrap(errs.StorageUnavailable, "record rejection", err)
	}
	return nil
}

// RejectionRecord is one row of the rejection ledger (source, target, type,
// and when it was rejected), used to round-trip rejections through backup.
type RejectionRecord struct {
	SourceID   string
	TargetID   string
	Type       RelationType
	RejectedAt time.Time
}

// ListRejections returns the full rejection ledger, for backup export.
func (s *Store) ListRejections(ctx context.Context) ([]RejectionRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT source_id, target_id, relation_type, rejected_at FROM rejected_suggestions`)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "list rejections", err)
	}
	defer rows.Close()

	var out []RejectionRecord
	for rows.Next() {
		var r RejectionRecord
		var relType string
		if err := rows.Scan(&r.SourceID, &r.TargetID, &relType, &r.RejectedAt); err != nil {
			return nil, errs.Wrap(errs.StorageUnavailable, "scan rejection", err)
		}
		r.Type = RelationType(relType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) IsRejected(ctx context.Context, sourceID, targetID string, relType RelationType) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM rejected_suggestions WHERE source_id=$1 AND target_id=$2 AND relation_type=$3)`,
		sourceID, targetID, string(relType)).Scan(&exists)
	if err != nil {
		return false, errs.Wrap(errs.StorageUnavailable, "is rejected", err)
	}
	return exists, nil
}

// RedirectEdges re-homes every edge touching `from` onto `to`, resolving
// (source,target,type) collisions by keeping max weight and preferring
// user > auto > system creator (spec §4.7 merge semantics).
func (s *Store) RedirectEdges(ctx context.Context, from, to string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "begin redirect tx", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT source_id, target_id, relation_type, weight, creator, created_at, metadata
FROM memory_relations WHERE source_id=$1 OR target_id=$1`, from)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "query edges to redirect", err)
	}
	edges, err := scanEdges(rows)
	rows.Close()
	if err != nil {
		return err
	}

	for _, e := range edges {
		newSource, newTarget := e.SourceID, e.TargetID
		if newSource == from {
			newSource = to
		}
		if newTarget == from {
			newTarget = to
		}
		if newSource == newTarget {
			continue // would become a self loop; drop it
		}
		existing, found, err := findEdge(ctx, tx, newSource, newTarget, e.Type)
		if err != nil {
			return err
		}
		if found {
			if e.Weight > existing.Weight || creatorRank(e.Creator) > creatorRank(existing.Creator) {
				weight := e.Weight
				if weight < existing.Weight {
					weight = existing.Weight
				}
				creator := e.Creator
				if creatorRank(existing.Creator) > creatorRank(creator) {
					creator = existing.Creator
				}
				if _, err := tx.Exec(ctx, `UPDATE memory_relations SET weight=$1, creator=$2 WHERE source_id=$3 AND target_id=$4 AND relation_type=$5`,
					weight, string(creator), newSource, newTarget, string(e.Type)); err != nil {
					return errs.Wrap(errs.StorageUnavailable, "update redirected edge", err)
				}
			}
			continue
		}
		metaJSON, _ := json.Marshal(e.Metadata)
		if _, err := tx.Exec(ctx, `
INSERT INTO memory_relations (source_id, target_id, relation_type, weight, creator, created_at, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, newSource, newTarget, string(e.Type), e.Weight, string(e.Creator), e.CreatedAt, metaJSON); err != nil {
			return errs.Wrap(errs.StorageUnavailable, "insert redirected edge", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM memory_relations WHERE source_id=$1 OR target_id=$1`, from); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "delete old edges", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "commit redirect tx", err)
	}
	return nil
}

func findEdge(ctx context.Context, tx pgx.Tx, source, target string, relType RelationType) (Edge, bool, error) {
	row := tx.QueryRow(ctx, `
SELECT source_id, target_id, relation_type, weight, creator, created_at, metadata
FROM memory_relations WHERE source_id=$1 AND target_id=$2 AND relation_type=$3`, source, target, string(relType))
	var e Edge
	var relTypeStr, creatorStr string
	var metaRaw []byte
	if err := row.Scan(&e.SourceID, &e.TargetID, &relTypeStr, &e.Weight, &creatorStr, &e.CreatedAt, &metaRaw); err != nil {
		if err == pgx.ErrNoRows {
			return Edge{}, false, nil
		}
		return Edge{}, false, errs.Wrap(errs.StorageUnavailable, "find edge", err)
	}
	e.Type = RelationType(relTypeStr)
	e.Creator = Creator(creatorStr)
	_ = json.Unmarshal(metaRaw, &e.Metadata)
	return e, true, nil
}

func scanEdges(rows pgx.Rows) ([]Edge, error) {
	var out []Edge
	for rows.Next() {
		var e Edge
		var relType, creator string
		var metaRaw []byte
		if err := rows.Scan(&e.SourceID, &e.TargetID, &relType, &e.Weight, &creator, &e.CreatedAt, &metaRaw); err != nil {
			return nil, errs.Wrap(errs.StorageUnavailable, "scan edge", err)
		}
		e.Type = RelationType(relType)
		e.Creator = Creator(creator)
		_ = json.Unmarshal(metaRaw, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

func relationTypeStrings(types []RelationType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
