// Package graph implements C8: link/unlink/related/path/suggest/discover/
// reject/accept_suggestion on top of C5 (relstore) and C4 (vectorstore).
// Grounded on original_source/core/graph_manager.py's suggest_relations
// signal description, _get_project_neighbors, and method shapes.
package graph

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"agent-mem/internal/errs"
	"agent-mem/internal/relstore"
	"agent-mem/internal/vectorstore"
)

type Manager struct {
	rel     *relstore.Store
	vec     *vectorstore.Store
	enabled atomic.Bool
}

func New(rel *relstore.Store, vec *vectorstore.Store, enabled bool) *Manager {
	m := &Manager{rel: rel, vec: vec}
	m.enabled.Store(enabled)
	return m
}

func (m *Manager) checkEnabled() error {
	if !m.enabled.Load() {
		return errs.New(errs.NotAvailable, "graph layer disabled by configuration")
	}
	return nil
}

// SetEnabled flips the graph layer on/off, used by the config hot-reload
// watcher to apply a settings.yaml change without restarting the server.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Link validates both endpoints exist in the vector store (cross-store
// check), refuses self-loops, and returns the existing edge unchanged on
// duplicate (spec §4.8).
func (m *Manager) Link(ctx context.Context, source, target string, relType relstore.RelationType, weight float64) (relstore.Edge, error) {
	if err := m.checkEnabled(); err != nil {
		return relstore.Edge{}, err
	}
	if source == target {
		return relstore.Edge{}, errs.New(errs.SelfLoop, "source and target must differ")
	}
	if !relstore.ValidRelationType(string(relType)) {
		return relstore.Edge{}, errs.New(errs.InvalidInput, "unknown relation type")
	}
	if weight < 0 || weight > 1 {
		return relstore.Edge{}, errs.New(errs.InvalidInput, "weight out of [0,1]")
	}
	if err := m.mustExist(ctx, source); err != nil {
		return relstore.Edge{}, err
	}
	if err := m.mustExist(ctx, target); err != nil {
		return relstore.Edge{}, err
	}

	edge := relstore.Edge{SourceID: source, TargetID: target, Type: relType, Weight: weight, Creator: relstore.CreatorUser, CreatedAt: time.Now()}
	if err := m.rel.InsertEdge(ctx, edge); err != nil {
		if errs.Is(err, errs.DuplicateEdge) {
			existing, found, ferr := m.findEdge(ctx, source, target, relType)
			if ferr != nil {
				return relstore.Edge{}, ferr
			}
			if found {
				return existing, nil
			}
		}
		return relstore.Edge{}, err
	}
	return edge, nil
}

func (m *Manager) Unlink(ctx context.Context, source, target string, relType relstore.RelationType) error {
	if err := m.checkEnabled(); err != nil {
		return err
	}
	return m.rel.DeleteEdge(ctx, source, target, relType)
}

type RelatedMemory struct {
	MemoryID string
	Depth    int
	Relation relstore.RelationType
	Weight   float64
	Implicit bool
}

// Related wraps relstore.Neighbors, ranked by depth (shallower first) and then
// by edge weight, and adds the same_project implicit-neighbor supplement.
// Memory importance is not part of the ordering; only direct edges of
// memoryID contribute a weight, so deeper neighbors carry weight 0.
func (m *Manager) Related(ctx context.Context, memoryID string, depth int, types []relstore.RelationType, limit int) ([]RelatedMemory, error) {
	if err := m.checkEnabled(); err != nil {
		return nil, err
	}
	if depth < 1 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}
	neighbors, err := m.rel.Neighbors(ctx, memoryID, depth, types)
	if err != nil {
		return nil, err
	}
	weights, err := m.edgeWeights(ctx, memoryID, neighbors)
	if err != nil {
		return nil, err
	}

	out := make([]RelatedMemory, 0, len(neighbors))
	seen := map[string]bool{memoryID: true}
	for _, n := range neighbors {
		seen[n.MemoryID] = true
		out = append(out, RelatedMemory{MemoryID: n.MemoryID, Depth: n.Depth, Relation: n.Relation, Weight: weights[n.MemoryID]})
	}

	implicit, err := m.sameProjectNeighbors(ctx, memoryID, seen, 10)
	if err == nil {
		out = append(out, implicit...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Weight > out[j].Weight
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Manager) edgeWeights(ctx context.Context, memoryID string, neighbors []relstore.NeighborResult) (map[string]float64, error) {
	edges, err := m.rel.ListEdges(ctx, memoryID, relstore.DirBoth, "")
	if err != nil {
		return nil, err
	}
	weights := map[string]float64{}
	for _, e := range edges {
		if e.SourceID == memoryID {
			weights[e.TargetID] = e.Weight
		} else {
			weights[e.SourceID] = e.Weight
		}
	}
	return weights, nil
}

// sameProjectNeighbors surfaces memories sharing the `project` metadata
// field as implicit depth-1 neighbors (§C.4 supplement from
// original_source's _get_project_neighbors), never materialized as edges.
func (m *Manager) sameProjectNeighbors(ctx context.Context, memoryID string, exclude map[string]bool, limit int) ([]RelatedMemory, error) {
	var project string
	for _, cat := range vectorstore.Categories {
		chunks, err := m.vec.GetByMemoryID(ctx, cat, memoryID)
		if err == nil && len(chunks) > 0 {
			if p, ok := chunks[0].Metadata["project"].(string); ok && p != "" {
				project = p
				break
			}
		}
	}
	if project == "" {
		return nil, nil
	}

	var out []RelatedMemory
	for _, cat := range vectorstore.Categories {
		points, _, err := m.vec.Scroll(ctx, cat, vectorstore.Filter{Equals: map[string]any{"project": project}}, "", limit)
		if err != nil {
			continue
		}
		for _, p := range points {
			if p.ChunkIndex != 0 || exclude[p.MemoryID] {
				continue
			}
			exclude[p.MemoryID] = true
			out = append(out, RelatedMemory{MemoryID: p.MemoryID, Depth: 1, Relation: "same_project", Implicit: true})
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (m *Manager) Path(ctx context.Context, from, to string, maxDepth int) ([]relstore.PathStep, error) {
	if err := m.checkEnabled(); err != nil {
		return nil, err
	}
	if maxDepth < 1 {
		maxDepth = 5
	}
	if maxDepth > 10 {
		maxDepth = 10
	}
	return m.rel.ShortestPath(ctx, from, to, maxDepth)
}

type Suggestion struct {
	SourceID   string
	TargetID   string
	Type       relstore.RelationType
	Confidence float64
}

// The suggestion weights implement the fixed, documented signal mix from
// spec §4.8: semantic similarity (0.55), shared-tag Jaccard (0.20),
// metadata overlap on project/client (0.15), co-access recency
// proximity (0.10). Monotonic in each signal per the Open Question note.
const (
	weightSimilarity = 0.55
	weightTagJaccard  = 0.20
	weightMetadata    = 0.15
	weightRecency     = 0.10
)

// Suggest produces candidate targets with a suggested relation type and
// confidence score, excluding rejected and already-linked pairs.
func (m *Manager) Suggest(ctx context.Context, memoryID string, category vectorstore.Category, limit int, minConfidence float64) ([]Suggestion, error) {
	if err := m.checkEnabled(); err != nil {
		return nil, err
	}
	source, ok, err := m.chunkZero(ctx, category, memoryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.NotFound, "source memory not found")
	}

	candidates, err := m.vec.Search(ctx, category, source.Vector, limit*4+10, nil)
	if err != nil {
		return nil, err
	}

	var out []Suggestion
	for _, c := range candidates {
		if c.Point.MemoryID == memoryID || c.Point.ChunkIndex != 0 {
			continue
		}
		relType := inferRelationType(source.Content, c.Point.Content, c.Score)
		rejected, err := m.rel.IsRejected(ctx, memoryID, c.Point.MemoryID, relType)
		if err != nil {
			return nil, err
		}
		if rejected {
			continue
		}
		if hasEdge, err := m.hasEdgeOfType(ctx, memoryID, c.Point.MemoryID, relType); err != nil {
			return nil, err
		} else if hasEdge {
			continue
		}

		confidence := confidenceScore(c.Score, jaccard(source.Tags, c.Point.Tags), metadataOverlap(source.Metadata, c.Point.Metadata), recencyProximity(source.LastAccessedAt, c.Point.LastAccessedAt))
		if confidence < minConfidence {
			continue
		}
		out = append(out, Suggestion{SourceID: memoryID, TargetID: c.Point.MemoryID, Type: relType, Confidence: confidence})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type DiscoverResult struct {
	Suggestions  []Suggestion
	AutoAccepted int
}

// Discover scans memories without outgoing edges and returns suggestions
// above min_confidence, auto-materializing those above auto_accept_threshold.
func (m *Manager) Discover(ctx context.Context, category vectorstore.Category, minConfidence, autoAcceptThreshold float64, limit int) (DiscoverResult, error) {
	var result DiscoverResult
	if err := m.checkEnabled(); err != nil {
		return result, err
	}
	points, _, err := m.vec.Scroll(ctx, category, vectorstore.Filter{}, "", 1000)
	if err != nil {
		return result, err
	}
	for _, p := range points {
		if p.ChunkIndex != 0 {
			continue
		}
		outgoing, err := m.rel.ListEdges(ctx, p.MemoryID, relstore.DirOut, "")
		if err != nil || len(outgoing) > 0 {
			continue
		}
		suggestions, err := m.Suggest(ctx, p.MemoryID, category, limit, minConfidence)
		if err != nil {
			continue
		}
		for _, s := range suggestions {
			if s.Confidence >= autoAcceptThreshold {
				if _, err := m.AcceptSuggestion(ctx, s.SourceID, s.TargetID, s.Type, s.Confidence); err == nil {
					result.AutoAccepted++
					continue
				}
			}
			result.Suggestions = append(result.Suggestions, s)
		}
	}
	return result, nil
}

func (m *Manager) Reject(ctx context.Context, source, target string, relType relstore.RelationType) error {
	if err := m.checkEnabled(); err != nil {
		return err
	}
	return m.rel.RecordRejection(ctx, source, target, relType)
}

// AcceptSuggestion creates the edge with creator=auto.
func (m *Manager) AcceptSuggestion(ctx context.Context, source, target string, relType relstore.RelationType, weight float64) (relstore.Edge, error) {
	if err := m.checkEnabled(); err != nil {
		return relstore.Edge{}, err
	}
	edge := relstore.Edge{SourceID: source, TargetID: target, Type: relType, Weight: weight, Creator: relstore.CreatorAuto, CreatedAt: time.Now()}
	if err := m.rel.InsertEdge(ctx, edge); err != nil {
		return relstore.Edge{}, err
	}
	return edge, nil
}

func (m *Manager) hasEdgeOfType(ctx context.Context, source, target string, relType relstore.RelationType) (bool, error) {
	edges, err := m.rel.ListEdges(ctx, source, relstore.DirOut, relType)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.TargetID == target {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) findEdge(ctx context.Context, source, target string, relType relstore.RelationType) (relstore.Edge, bool, error) {
	edges, err := m.rel.ListEdges(ctx, source, relstore.DirOut, relType)
	if err != nil {
		return relstore.Edge{}, false, err
	}
	for _, e := range edges {
		if e.TargetID == target {
			return e, true, nil
		}
	}
	return relstore.Edge{}, false, nil
}

func (m *Manager) mustExist(ctx context.Context, memoryID string) error {
	for _, cat := range vectorstore.Categories {
		chunks, err := m.vec.GetByMemoryID(ctx, cat, memoryID)
		if err == nil && len(chunks) > 0 {
			return nil
		}
	}
	return errs.New(errs.NotFound, "memory not found in vector store: "+memoryID)
}

func (m *Manager) chunkZero(ctx context.Context, category vectorstore.Category, memoryID string) (vectorstore.Point, bool, error) {
	chunks, err := m.vec.GetByMemoryID(ctx, category, memoryID)
	if err != nil {
		return vectorstore.Point{}, false, err
	}
	for _, c := range chunks {
		if c.ChunkIndex == 0 {
			return c, true, nil
		}
	}
	return vectorstore.Point{}, false, nil
}

// inferRelationType applies the keyword heuristic over both contents (§C.3
// supplement, extending the original's fixes/causes/follows table with
// supersedes/part_of cues).
func inferRelationType(a, b string, similarity float64) relstore.RelationType {
	combined := strings.ToLower(a + " " + b)
	switch {
	case containsAny(combined, "fixes", "resolves", "fixed", "resolved"):
		return relstore.Fixes
	case containsAny(combined, "because", "causes", "caused by", "leads to"):
		return relstore.Causes
	case containsAny(combined, "replaces", "supersedes", "instead of"):
		return relstore.Supersedes
	case containsAny(combined, "part of", "component of", "belongs to"):
		return relstore.PartOf
	case containsAny(combined, "confirms", "supports", "validates"):
		return relstore.Supports
	case containsAny(combined, "contradicts", "opposes", "conflicts with"):
		return relstore.Opposes
	case similarity > 0.85 && containsAny(combined, "after", "then", "next"):
		return relstore.Follows
	default:
		return relstore.Related
	}
}

func containsAny(text string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func confidenceScore(similarity, tagJaccard, metadataOverlap, recency float64) float64 {
	score := weightSimilarity*similarity + weightTagJaccard*tagJaccard + weightMetadata*metadataOverlap + weightRecency*recency
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := toSet(a)
	setB := toSet(b)
	inter := 0
	for k := range setA {
		if setB[k] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(values []string) map[string]bool {
	out := map[string]bool{}
	for _, v := range values {
		out[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return out
}

func metadataOverlap(a, b map[string]any) float64 {
	matches := 0
	total := 0
	for _, key := range []string{"project", "client"} {
		av, aok := a[key]
		bv, bok := b[key]
		if aok || bok {
			total++
			if aok && bok && av == bv {
				matches++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matches) / float64(total)
}

func recencyProximity(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	days := diff.Hours() / 24
	return math.Exp(-days / 7.0)
}
