// Package memory implements C6: the store/recall/search/update/delete
// façade, wiring C1 (embedclient), C2 (embedcache), C3 (chunker), and C4
// (vectorstore) together. Grounded on the teacher's ingest.go/search.go
// orchestration shape.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-mem/internal/chunker"
	"agent-mem/internal/config"
	"agent-mem/internal/embedcache"
	"agent-mem/internal/embedclient"
	"agent-mem/internal/errs"
	"agent-mem/internal/idgen"
	"agent-mem/internal/relstore"
	"agent-mem/internal/vectorstore"
	"agent-mem/internal/workingctx"
)

type Manager struct {
	vec      *vectorstore.Store
	rel      *relstore.Store
	embed    *embedclient.Client
	cache    *embedcache.Cache
	working  *workingctx.Store
	chunkCfg chunker.Config
	model    string

	dimension int

	locks   sync.Map // memory_id -> *sync.Mutex
	locksMu sync.Mutex
}

func New(vec *vectorstore.Store, rel *relstore.Store, embed *embedclient.Client, cache *embedcache.Cache, working *workingctx.Store, chunkCfg config.ChunkingConfig, embeddingModel string, dimension int) *Manager {
	return &Manager{
		vec:       vec,
		rel:       rel,
		embed:     embed,
		cache:     cache,
		working:   working,
		chunkCfg:  chunker.Config{TargetSize: chunkCfg.TargetSize, Overlap: chunkCfg.Overlap},
		model:     embeddingModel,
		dimension: dimension,
	}
}

func (m *Manager) lockFor(memoryID string) *sync.Mutex {
	if v, ok := m.locks.Load(memoryID); ok {
		return v.(*sync.Mutex)
	}
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if v, ok := m.locks.Load(memoryID); ok {
		return v.(*sync.Mutex)
	}
	lock := &sync.Mutex{}
	m.locks.Store(memoryID, lock)
	return lock
}

type StoreInput struct {
	Content    string
	Category   vectorstore.Category
	Tags       []string
	Importance *float64
	Metadata   map[string]any
}

// Store implements C6.store: merge working context, assign id, chunk,
// embed (role=document), upsert all chunks atomically per spec §4.6.
func (m *Manager) Store(ctx context.Context, in StoreInput) (string, error) {
	if strings.TrimSpace(in.Content) == "" {
		return "", errs.New(errs.InvalidInput, "content must not be empty")
	}
	category := in.Category
	if category == "" {
		category = vectorstore.Semantic
	}
	if !vectorstore.ValidCategory(string(category)) {
		return "", errs.New(errs.InvalidInput, "unknown category")
	}
	importance := 0.5
	if in.Importance != nil {
		importance = *in.Importance
	}
	metadata := m.working.MergeInto(copyMetadata(in.Metadata))
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	memoryID := idgen.New()
	lock := m.lockFor(memoryID)
	lock.Lock()
	defer lock.Unlock()

	points, err := m.buildPoints(ctx, memoryID, category, in.Content, tags, importance, metadata, time.Now())
	if err != nil {
		return "", err
	}

	if err := m.vec.Upsert(ctx, category, points); err != nil {
		_ = m.vec.DeleteByMemoryID(ctx, category, memoryID)
		return "", err
	}
	return memoryID, nil
}

func (m *Manager) buildPoints(ctx context.Context, memoryID string, category vectorstore.Category, content string, tags []string, importance float64, metadata map[string]any, now time.Time) ([]vectorstore.Point, error) {
	chunks := chunker.Split(content, m.chunkCfg)
	if len(chunks) == 0 {
		return nil, errs.New(errs.InvalidInput, "content produced no chunks")
	}

	vectors := make([][]float32, len(chunks))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i, c := range chunks {
		i, c := i, c
		group.Go(func() error {
			vec, err := m.embedCached(gctx, c.Text, embedclient.RoleDocument)
			if err != nil {
				return err
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		text := c.Text
		if i == 0 {
			text = content
		}
		points[i] = vectorstore.Point{
			PointID:        idgen.New(),
			MemoryID:       memoryID,
			ChunkIndex:     i,
			ChunkCount:     len(chunks),
			Content:        text,
			Category:       category,
			Tags:           tags,
			Importance:     importance,
			Metadata:       metadata,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastAccessedAt: now,
			AccessCount:    0,
			Vector:         vectors[i],
		}
	}
	return points, nil
}

// embedCached checks the persistent cache before calling C1, per §4.2.
func (m *Manager) embedCached(ctx context.Context, text string, role embedclient.Role) ([]float32, error) {
	key := embedcache.Key(text, m.model, m.dimension)
	if entry, ok := m.cache.Get(key, m.dimension); ok && len(entry.Vector) > 0 {
		m.cache.Touch(key)
		return entry.Vector, nil
	}
	vec, err := m.embed.Embed(ctx, text, role)
	if err != nil {
		return nil, err
	}
	slice := vec.Slice()
	_ = m.cache.Put(key, m.model, slice)
	return slice, nil
}

type RecallInput struct {
	Query      string
	Categories []vectorstore.Category
	Limit      int
	MinScore   float64
	TextMatch  string
	Filter     *vectorstore.Filter
}

type Result struct {
	MemoryID       string
	Category       vectorstore.Category
	Content        string
	Tags           []string
	Importance     float64
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	Score          float64
}

// Recall implements C6.recall: over-fetch, union categories, filter, dedupe
// by memory_id keeping max score, reconstruct from chunk 0, touch hits.
func (m *Manager) Recall(ctx context.Context, in RecallInput) ([]Result, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, errs.New(errs.InvalidInput, "query must not be empty")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	overfetch := limit * 3
	categories := in.Categories
	if len(categories) == 0 {
		categories = vectorstore.Categories
	}

	queryVec, err := m.embedCached(ctx, in.Query, embedclient.RoleQuery)
	if err != nil {
		return nil, err
	}

	best := map[string]vectorstore.ScoredPoint{}
	for _, cat := range categories {
		scored, err := m.vec.Search(ctx, cat, queryVec, overfetch, in.Filter)
		if err != nil {
			return nil, err
		}
		for _, sp := range scored {
			if in.TextMatch != "" && !strings.Contains(strings.ToLower(sp.Point.Content), strings.ToLower(in.TextMatch)) {
				continue
			}
			existing, ok := best[sp.Point.MemoryID]
			if !ok || sp.Score > existing.Score {
				best[sp.Point.MemoryID] = sp
			}
		}
	}

	out := make([]Result, 0, len(best))
	for memoryID, sp := range best {
		if sp.Score < in.MinScore {
			continue
		}
		full, err := m.reconstructChunkZero(ctx, sp.Point.Category, memoryID)
		if err != nil || full == nil {
			continue
		}
		out = append(out, toResult(*full, sp.Score))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}

	m.touchHits(ctx, out)
	return out, nil
}

func (m *Manager) touchHits(ctx context.Context, results []Result) {
	byCat := map[vectorstore.Category][]string{}
	for _, r := range results {
		chunks, err := m.vec.GetByMemoryID(ctx, r.Category, r.MemoryID)
		if err != nil {
			continue
		}
		for _, c := range chunks {
			byCat[r.Category] = append(byCat[r.Category], c.PointID)
		}
	}
	for cat, ids := range byCat {
		_ = m.vec.Touch(ctx, cat, ids)
	}
}

func (m *Manager) reconstructChunkZero(ctx context.Context, category vectorstore.Category, memoryID string) (*vectorstore.Point, error) {
	chunks, err := m.vec.GetByMemoryID(ctx, category, memoryID)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.ChunkIndex == 0 {
			return &c, nil
		}
	}
	return nil, nil
}

func toResult(p vectorstore.Point, score float64) Result {
	return Result{
		MemoryID:       p.MemoryID,
		Category:       p.Category,
		Content:        p.Content,
		Tags:           p.Tags,
		Importance:     p.Importance,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		LastAccessedAt: p.LastAccessedAt,
		AccessCount:    p.AccessCount,
		Score:          score,
	}
}

type SortBy string

const (
	SortRelevance  SortBy = "relevance"
	SortDate       SortBy = "date"
	SortImportance SortBy = "importance"
	SortAccessCount SortBy = "access_count"
)

type SearchInput struct {
	Query      string
	Categories []vectorstore.Category
	Filter     *vectorstore.Filter
	SortBy     SortBy
	Limit      int
}

// Search implements C6.search: like Recall but query is optional — absent
// query ranks a filtered scroll by sort_by alone.
func (m *Manager) Search(ctx context.Context, in SearchInput) ([]Result, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	if strings.TrimSpace(in.Query) != "" {
		results, err := m.Recall(ctx, RecallInput{Query: in.Query, Categories: in.Categories, Limit: limit, Filter: in.Filter})
		if err != nil {
			return nil, err
		}
		return results, nil
	}

	categories := in.Categories
	if len(categories) == 0 {
		categories = vectorstore.Categories
	}
	filter := vectorstore.Filter{}
	if in.Filter != nil {
		filter = *in.Filter
	}

	var out []Result
	for _, cat := range categories {
		cursor := ""
		for {
			points, next, err := m.vec.Scroll(ctx, cat, filter, cursor, 200)
			if err != nil {
				return nil, err
			}
			for _, p := range points {
				if p.ChunkIndex != 0 {
					continue
				}
				out = append(out, toResult(p, 0))
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}

	sortBy := in.SortBy
	if sortBy == "" {
		sortBy = SortDate
	}
	sort.SliceStable(out, func(i, j int) bool {
		switch sortBy {
		case SortImportance:
			return out[i].Importance > out[j].Importance
		case SortAccessCount:
			return out[i].AccessCount > out[j].AccessCount
		default:
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type UpdateInput struct {
	Content    *string
	Tags       *[]string
	Importance *float64
	Metadata   map[string]any // nil values mean "remove this key"
}

// Update implements C6.update: content change re-chunks/re-embeds; payload-
// only change updates every chunk keeping I-CHUNK. memory_id is unchanged.
func (m *Manager) Update(ctx context.Context, category vectorstore.Category, memoryID string, in UpdateInput) error {
	lock := m.lockFor(memoryID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.vec.GetByMemoryID(ctx, category, memoryID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return errs.New(errs.NotFound, "memory not found: "+memoryID)
	}
	chunkZero := existing[0]
	for _, c := range existing {
		if c.ChunkIndex == 0 {
			chunkZero = c
			break
		}
	}

	tags := chunkZero.Tags
	if in.Tags != nil {
		tags = *in.Tags
	}
	importance := chunkZero.Importance
	if in.Importance != nil {
		importance = *in.Importance
	}
	metadata := mergeMetadata(chunkZero.Metadata, in.Metadata)
	if category == vectorstore.Procedural {
		applyExecutionResult(metadata)
	}
	now := time.Now()

	if in.Content != nil {
		if err := m.vec.DeleteByMemoryID(ctx, category, memoryID); err != nil {
			return err
		}
		points, err := m.buildPoints(ctx, memoryID, category, *in.Content, tags, importance, metadata, now)
		if err != nil {
			return err
		}
		return m.vec.Upsert(ctx, category, points)
	}

	return m.vec.UpdatePayload(ctx, category, memoryID, tags, importance, metadata, now)
}

// mergeMetadata merges key-wise: overlay overwrites existing; an explicit
// nil value deletes the key (spec §4.6).
func mergeMetadata(base map[string]any, overlay map[string]any) map[string]any {
	out := copyMetadata(base)
	for k, v := range overlay {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// applyExecutionResult maintains a rolling-average success_rate (alpha=0.1)
// on procedural memories when the caller reports execution_result in its
// update metadata, per §C.5's supplement. Starts from 0.5 when absent.
const executionSuccessAlpha = 0.1

func applyExecutionResult(metadata map[string]any) {
	raw, ok := metadata["execution_result"]
	if !ok {
		return
	}
	delete(metadata, "execution_result")
	succeeded, ok := raw.(bool)
	if !ok {
		return
	}

	rate := 0.5
	if existing, ok := metadata["success_rate"].(float64); ok {
		rate = existing
	}
	outcome := 0.0
	if succeeded {
		outcome = 1.0
	}
	metadata["success_rate"] = rate + executionSuccessAlpha*(outcome-rate)
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Delete implements C6.delete: per the write-then-verify cross-store
// ordering (spec §9), edges are removed first, then chunks — idempotent.
func (m *Manager) Delete(ctx context.Context, memoryID string) error {
	lock := m.lockFor(memoryID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.rel.DeleteEdgesForMemory(ctx, memoryID); err != nil {
		return err
	}
	for _, cat := range vectorstore.Categories {
		if err := m.vec.DeleteByMemoryID(ctx, cat, memoryID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByFilter implements C6.delete(filter) over one category's points;
// each matched memory is then deleted from every category via Delete.
func (m *Manager) DeleteByFilter(ctx context.Context, category vectorstore.Category, filter vectorstore.Filter) error {
	points, _, err := m.vec.Scroll(ctx, category, filter, "", 10000)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, p := range points {
		if seen[p.MemoryID] {
			continue
		}
		seen[p.MemoryID] = true
		if err := m.Delete(ctx, p.MemoryID); err != nil {
			return err
		}
	}
	return nil
}

type ReconcileReport struct {
	OrphanChunks  int // chunks whose memory_id has no chunk_index 0
	DanglingEdges int // edges whose endpoints are absent from the vector store
	SampleSize    int
}

// Reconcile scans a bounded sample of each category for the two drift kinds
// spec §9 names: chunks missing their chunk-0 anchor, and edges whose
// endpoints no longer exist. Detected drift is logged by the caller via the
// returned report, never auto-repaired here — matches errs.ConsistencyDrift
// semantics: logged, not propagated. The consolidate/forget/decay passes do
// not remove orphan chunks or dangling edges either.
func (m *Manager) Reconcile(ctx context.Context, sampleSize int) (ReconcileReport, error) {
	if sampleSize <= 0 {
		sampleSize = 500
	}
	var report ReconcileReport
	knownMemories := map[string]bool{}

	for _, cat := range vectorstore.Categories {
		points, _, err := m.vec.Scroll(ctx, cat, vectorstore.Filter{}, "", sampleSize)
		if err != nil {
			return report, err
		}
		report.SampleSize += len(points)
		hasZero := map[string]bool{}
		seen := map[string]bool{}
		for _, p := range points {
			seen[p.MemoryID] = true
			knownMemories[p.MemoryID] = true
			if p.ChunkIndex == 0 {
				hasZero[p.MemoryID] = true
			}
		}
		for id := range seen {
			if !hasZero[id] {
				report.OrphanChunks++
			}
		}
	}

	for memoryID := range knownMemories {
		edges, err := m.rel.ListEdges(ctx, memoryID, relstore.DirOut, "")
		if err != nil {
			return report, err
		}
		for _, e := range edges {
			if !knownMemories[e.TargetID] {
				report.DanglingEdges++
			}
		}
	}
	return report, nil
}

func (m *Manager) SetContext(ctx workingctx.Context) {
	m.working.Set(ctx)
}

func (m *Manager) ClearContext() {
	m.working.Clear()
}
