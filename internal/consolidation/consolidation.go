// Package consolidation implements C7: consolidate/forget/decay maintenance
// passes, each dry-run capable. Grounded on original_source's consolidation
// description (merge semantics, decay formula) and the teacher's batched,
// transactional maintenance idiom from db.go.
package consolidation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"agent-mem/internal/relstore"
	"agent-mem/internal/vectorstore"
)

type Engine struct {
	vec *vectorstore.Store
	rel *relstore.Store
}

func New(vec *vectorstore.Store, rel *relstore.Store) *Engine {
	return &Engine{vec: vec, rel: rel}
}

type ConsolidateParams struct {
	Category            vectorstore.Category
	SimilarityThreshold float64
	MinImportance       float64
	MaxAgeDays          int
	DryRun              bool
}

type Report struct {
	Operation      string
	MergedCount    int
	ForgottenCount int
	UpdatedCount   int
	TotalProcessed int
	Duration       time.Duration
	IsPreview      bool
}

// Consolidate merges near-duplicate memories (chunk-0 cosine similarity ≥
// threshold) within a category, earliest-created absorbing later arrivals,
// redirecting incident edges and deleting the absorbed memory (spec §4.7).
func (e *Engine) Consolidate(ctx context.Context, p ConsolidateParams) (Report, error) {
	start := time.Now()
	report := Report{Operation: "consolidate", IsPreview: p.DryRun}
	threshold := p.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.9
	}

	points, _, err := e.vec.Scroll(ctx, p.Category, vectorstore.Filter{}, "", 100000)
	if err != nil {
		return report, err
	}
	var chunkZeros []vectorstore.Point
	for _, pt := range points {
		if pt.ChunkIndex == 0 {
			if p.MinImportance > 0 && pt.Importance < p.MinImportance {
				continue
			}
			if p.MaxAgeDays > 0 && time.Since(pt.CreatedAt).Hours() < float64(p.MaxAgeDays)*24 {
				continue
			}
			chunkZeros = append(chunkZeros, pt)
		}
	}
	sort.SliceStable(chunkZeros, func(i, j int) bool {
		if !chunkZeros[i].CreatedAt.Equal(chunkZeros[j].CreatedAt) {
			return chunkZeros[i].CreatedAt.Before(chunkZeros[j].CreatedAt)
		}
		return chunkZeros[i].MemoryID < chunkZeros[j].MemoryID
	})

	absorbed := map[string]bool{}
	for i, m := range chunkZeros {
		if absorbed[m.MemoryID] {
			continue
		}
		report.TotalProcessed++
		for j := 0; j < i; j++ {
			absorber := chunkZeros[j]
			if absorbed[absorber.MemoryID] || absorber.MemoryID == m.MemoryID {
				continue
			}
			sim := cosineSimilarity(absorber.Vector, m.Vector)
			if sim < threshold {
				continue
			}
			if !p.DryRun {
				merged, err := e.merge(ctx, p.Category, absorber, m)
				if err != nil {
					return report, err
				}
				chunkZeros[j] = merged
			}
			absorbed[m.MemoryID] = true
			report.MergedCount++
			break
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}

// merge combines M (absorbed) into M' (absorber): concatenated
// deduplicated-by-sentence content, tag union, max importance, deep-merged
// metadata, min created_at, redirected edges, then deletes M. It returns the
// absorber's rewritten chunk-0 point.
func (e *Engine) merge(ctx context.Context, category vectorstore.Category, absorber, absorbed vectorstore.Point) (vectorstore.Point, error) {
	mergedContent := mergeContent(absorber.Content, absorbed.Content)
	mergedTags := unionStrings(absorber.Tags, absorbed.Tags)
	mergedImportance := math.Max(absorber.Importance, absorbed.Importance)
	mergedMetadata := deepMergeMetadata(absorber.Metadata, absorbed.Metadata)
	createdAt := absorber.CreatedAt
	if absorbed.CreatedAt.Before(createdAt) {
		createdAt = absorbed.CreatedAt
	}

	if err := e.vec.DeleteByMemoryID(ctx, category, absorber.MemoryID); err != nil {
		return vectorstore.Point{}, err
	}
	now := time.Now()
	points := []vectorstore.Point{{
		PointID:        absorber.PointID,
		MemoryID:       absorber.MemoryID,
		ChunkIndex:     0,
		ChunkCount:     1,
		Content:        mergedContent,
		Category:       category,
		Tags:           mergedTags,
		Importance:     mergedImportance,
		Metadata:       mergedMetadata,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    absorber.AccessCount + absorbed.AccessCount,
		Vector:         absorber.Vector,
	}}
	if err := e.vec.Upsert(ctx, category, points); err != nil {
		return vectorstore.Point{}, err
	}

	if err := e.rel.RedirectEdges(ctx, absorbed.MemoryID, absorber.MemoryID); err != nil {
		return vectorstore.Point{}, err
	}
	if err := e.vec.DeleteByMemoryID(ctx, category, absorbed.MemoryID); err != nil {
		return vectorstore.Point{}, err
	}
	return points[0], nil
}

func mergeContent(a, b string) string {
	seen := map[string]bool{}
	var out []string
	for _, sentence := range splitSentences(a + "\n\n" + b) {
		key := strings.ToLower(strings.TrimSpace(sentence))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sentence)
	}
	return strings.Join(out, " ")
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			sentence := strings.TrimSpace(string(runes[start : i+1]))
			if sentence != "" {
				out = append(out, sentence)
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		sentence := strings.TrimSpace(string(runes[start:]))
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// deepMergeMetadata merges two metadata maps key-wise; arrays are unioned,
// nested objects merged recursively, scalars take the absorber's value.
func deepMergeMetadata(absorber, absorbed map[string]any) map[string]any {
	out := make(map[string]any, len(absorber)+len(absorbed))
	for k, v := range absorbed {
		out[k] = v
	}
	for k, v := range absorber {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		out[k] = mergeValue(existing, v)
	}
	return out
}

func mergeValue(a, b any) any {
	aSlice, aOk := a.([]any)
	bSlice, bOk := b.([]any)
	if aOk && bOk {
		seen := map[string]bool{}
		var merged []any
		for _, v := range append(append([]any{}, aSlice...), bSlice...) {
			key := fmt.Sprintf("%v", v)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, v)
		}
		return merged
	}
	aMap, aOk := a.(map[string]any)
	bMap, bOk := b.(map[string]any)
	if aOk && bOk {
		return deepMergeMetadata(bMap, aMap)
	}
	return b
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

type ForgetParams struct {
	Category      vectorstore.Category
	MaxAgeDays    int
	MinImportance float64
	DryRun        bool
}

// Forget deletes memories that are old, unimportant, unaccessed, and have
// no incident edges (spec §4.7).
func (e *Engine) Forget(ctx context.Context, p ForgetParams) (Report, error) {
	start := time.Now()
	report := Report{Operation: "forget", IsPreview: p.DryRun}

	points, _, err := e.vec.Scroll(ctx, p.Category, vectorstore.Filter{}, "", 100000)
	if err != nil {
		return report, err
	}
	cutoff := time.Now().AddDate(0, 0, -p.MaxAgeDays)

	seen := map[string]bool{}
	for _, pt := range points {
		if pt.ChunkIndex != 0 || seen[pt.MemoryID] {
			continue
		}
		seen[pt.MemoryID] = true
		report.TotalProcessed++

		if !pt.LastAccessedAt.Before(cutoff) || pt.Importance >= p.MinImportance || pt.AccessCount != 0 {
			continue
		}
		edges, err := e.rel.ListEdges(ctx, pt.MemoryID, relstore.DirBoth, "")
		if err != nil {
			return report, err
		}
		if len(edges) > 0 {
			continue
		}

		if !p.DryRun {
			if err := e.vec.DeleteByMemoryID(ctx, p.Category, pt.MemoryID); err != nil {
				return report, err
			}
		}
		report.ForgottenCount++
	}

	report.Duration = time.Since(start)
	return report, nil
}

type DecayParams struct {
	Category    vectorstore.Category
	HalfLifeDays float64
	DryRun      bool
}

// Decay applies importance ← importance · 0.5^(age_days/half_life_days),
// clamped to [0,1], touching updated_at, for memories whose last access
// predates half_life_days (spec §4.7 — note this is the redesigned formula,
// not the original implementation's decay_rate^days_since_access).
func (e *Engine) Decay(ctx context.Context, p DecayParams) (Report, error) {
	start := time.Now()
	report := Report{Operation: "decay", IsPreview: p.DryRun}
	halfLife := p.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 30
	}
	cutoff := time.Now().AddDate(0, 0, -int(halfLife))

	points, _, err := e.vec.Scroll(ctx, p.Category, vectorstore.Filter{}, "", 100000)
	if err != nil {
		return report, err
	}
	seen := map[string]bool{}
	for _, pt := range points {
		if pt.ChunkIndex != 0 || seen[pt.MemoryID] {
			continue
		}
		seen[pt.MemoryID] = true
		report.TotalProcessed++
		if !pt.LastAccessedAt.Before(cutoff) {
			continue
		}

		ageDays := time.Since(pt.LastAccessedAt).Hours() / 24
		factor := math.Pow(0.5, ageDays/halfLife)
		newImportance := clamp01(pt.Importance * factor)

		if !p.DryRun {
			if err := e.vec.UpdatePayload(ctx, p.Category, pt.MemoryID, pt.Tags, newImportance, pt.Metadata, time.Now()); err != nil {
				return report, err
			}
		}
		report.UpdatedCount++
	}

	report.Duration = time.Since(start)
	return report, nil
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
