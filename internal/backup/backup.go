// Package backup implements C9: export/import against the JSON schema in
// spec §6, grounded on the teacher's db.go idempotent-DDL/transaction idiom
// for the import side and plain encoding/json for the wire format (no
// example repo carries a backup-specific serialization library).
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agent-mem/internal/chunker"
	"agent-mem/internal/config"
	"agent-mem/internal/embedclient"
	"agent-mem/internal/errs"
	"agent-mem/internal/idgen"
	"agent-mem/internal/relstore"
	"agent-mem/internal/vectorstore"
)

const FormatVersion = "1"

type ChunkVector struct {
	ChunkIndex int       `json:"chunk_index"`
	Vector     []float32 `json:"vector"`
}

type MemoryRecord struct {
	ID             string         `json:"id"`
	Category       string         `json:"category"`
	Content        string         `json:"content"`
	Tags           []string       `json:"tags"`
	Importance     float64        `json:"importance"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
	Chunks         []ChunkVector  `json:"chunks,omitempty"`
}

type EdgeRecord struct {
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Type      string         `json:"type"`
	Weight    float64        `json:"weight"`
	Creator   string         `json:"creator"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

type RejectionRecord struct {
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id"`
	Type       string    `json:"type"`
	RejectedAt time.Time `json:"rejected_at"`
}

type Document struct {
	Version        string             `json:"version"`
	ExportedAt     time.Time          `json:"exported_at"`
	IncludeVectors bool               `json:"include_vectors"`
	Memories       []MemoryRecord     `json:"memories"`
	Edges          []EdgeRecord       `json:"edges"`
	Rejections     []RejectionRecord  `json:"rejections"`
}

type Engine struct {
	vec   *vectorstore.Store
	rel   *relstore.Store
	embed *embedclient.Client
	chunk chunker.Config
}

func New(vec *vectorstore.Store, rel *relstore.Store, embed *embedclient.Client, chunkCfg config.ChunkingConfig) *Engine {
	return &Engine{vec: vec, rel: rel, embed: embed, chunk: chunker.Config{TargetSize: chunkCfg.TargetSize, Overlap: chunkCfg.Overlap}}
}

// Export builds the full Document: one MemoryRecord per logical memory
// (chunk-0 payload + reconstructed full content), all edges, and the
// rejection ledger.
func (e *Engine) Export(ctx context.Context, includeVectors bool) (*Document, error) {
	doc := &Document{Version: FormatVersion, ExportedAt: time.Now(), IncludeVectors: includeVectors}

	seenMemory := map[string]bool{}
	for _, cat := range vectorstore.Categories {
		points, _, err := e.vec.Scroll(ctx, cat, vectorstore.Filter{}, "", 100000)
		if err != nil {
			return nil, err
		}
		byMemory := map[string][]vectorstore.Point{}
		for _, p := range points {
			byMemory[p.MemoryID] = append(byMemory[p.MemoryID], p)
		}
		for memoryID, chunks := range byMemory {
			if seenMemory[memoryID] {
				continue
			}
			seenMemory[memoryID] = true
			record, err := toMemoryRecord(chunks, includeVectors)
			if err != nil {
				return nil, err
			}
			doc.Memories = append(doc.Memories, record)
		}
	}

	edgeSet := map[string]relstore.Edge{}
	for memoryID := range seenMemory {
		edges, err := e.rel.ListEdges(ctx, memoryID, relstore.DirOut, "")
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			edgeSet[edge.SourceID+"|"+edge.TargetID+"|"+string(edge.Type)] = edge
		}
	}
	for _, edge := range edgeSet {
		doc.Edges = append(doc.Edges, EdgeRecord{
			SourceID: edge.SourceID, TargetID: edge.TargetID, Type: string(edge.Type),
			Weight: edge.Weight, Creator: string(edge.Creator), CreatedAt: edge.CreatedAt, Metadata: edge.Metadata,
		})
	}

	rejections, err := e.rel.ListRejections(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rejections {
		doc.Rejections = append(doc.Rejections, RejectionRecord{
			SourceID: r.SourceID, TargetID: r.TargetID, Type: string(r.Type), RejectedAt: r.RejectedAt,
		})
	}

	return doc, nil
}

func toMemoryRecord(chunks []vectorstore.Point, includeVectors bool) (MemoryRecord, error) {
	var zero vectorstore.Point
	found := false
	for _, c := range chunks {
		if c.ChunkIndex == 0 {
			zero = c
			found = true
			break
		}
	}
	if !found {
		return MemoryRecord{}, errs.New(errs.ConsistencyDrift, "memory has no chunk_index 0")
	}
	record := MemoryRecord{
		ID: zero.MemoryID, Category: string(zero.Category), Content: zero.Content,
		Tags: zero.Tags, Importance: zero.Importance, Metadata: zero.Metadata,
		CreatedAt: zero.CreatedAt, UpdatedAt: zero.UpdatedAt, LastAccessedAt: zero.LastAccessedAt,
		AccessCount: zero.AccessCount,
	}
	if includeVectors {
		for _, c := range chunks {
			record.Chunks = append(record.Chunks, ChunkVector{ChunkIndex: c.ChunkIndex, Vector: c.Vector})
		}
	}
	return record, nil
}

// Marshal/Unmarshal round-trip the document through the UTF-8 JSON wire
// format in spec §6.
func Marshal(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func Unmarshal(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "parse backup document", err)
	}
	return &doc, nil
}

type ImportReport struct {
	MemoriesCreated int
	MemoriesSkipped int
	EdgesCreated    int
	EdgesSkipped    int
	Errors          int
}

// Import restores a Document: memories existing under skip_existing=true are
// skipped and counted; vectors present are upserted as-is (no re-embed),
// vectors absent are re-chunked/re-embedded via C1/C2. Edges and the
// rejection ledger are restored verbatim afterward.
func (e *Engine) Import(ctx context.Context, doc *Document, skipExisting bool) (ImportReport, error) {
	var report ImportReport

	for _, m := range doc.Memories {
		if !idgen.Valid(m.ID) {
			report.Errors++
			continue
		}
		category := vectorstore.Category(m.Category)
		if !vectorstore.ValidCategory(m.Category) {
			report.Errors++
			continue
		}

		existing, err := e.vec.GetByMemoryID(ctx, category, m.ID)
		if err != nil {
			report.Errors++
			continue
		}
		if len(existing) > 0 {
			if skipExisting {
				report.MemoriesSkipped++
				continue
			}
			if err := e.vec.DeleteByMemoryID(ctx, category, m.ID); err != nil {
				report.Errors++
				continue
			}
		}

		points, err := e.buildImportPoints(ctx, category, m)
		if err != nil {
			report.Errors++
			continue
		}
		if err := e.vec.Upsert(ctx, category, points); err != nil {
			report.Errors++
			continue
		}
		report.MemoriesCreated++
	}

	for _, edgeRec := range doc.Edges {
		edge := relstore.Edge{
			SourceID: edgeRec.SourceID, TargetID: edgeRec.TargetID, Type: relstore.RelationType(edgeRec.Type),
			Weight: edgeRec.Weight, Creator: relstore.Creator(edgeRec.Creator), CreatedAt: edgeRec.CreatedAt, Metadata: edgeRec.Metadata,
		}
		if err := e.rel.InsertEdge(ctx, edge); err != nil {
			if errs.Is(err, errs.DuplicateEdge) {
				report.EdgesSkipped++
				continue
			}
			report.Errors++
			continue
		}
		report.EdgesCreated++
	}

	for _, r := range doc.Rejections {
		_ = e.rel.RecordRejection(ctx, r.SourceID, r.TargetID, relstore.RelationType(r.Type))
	}

	return report, nil
}

func (e *Engine) buildImportPoints(ctx context.Context, category vectorstore.Category, m MemoryRecord) ([]vectorstore.Point, error) {
	now := time.Now()
	if len(m.Chunks) > 0 {
		chunks := chunker.Split(m.Content, e.chunk)
		points := make([]vectorstore.Point, 0, len(m.Chunks))
		for _, cv := range m.Chunks {
			text := m.Content
			if cv.ChunkIndex > 0 && cv.ChunkIndex < len(chunks) {
				text = chunks[cv.ChunkIndex].Text
			}
			points = append(points, vectorstore.Point{
				PointID: idgen.New(), MemoryID: m.ID, ChunkIndex: cv.ChunkIndex, ChunkCount: len(m.Chunks),
				Content: text, Category: category, Tags: m.Tags, Importance: m.Importance, Metadata: m.Metadata,
				CreatedAt: orNow(m.CreatedAt, now), UpdatedAt: orNow(m.UpdatedAt, now), LastAccessedAt: orNow(m.LastAccessedAt, now),
				AccessCount: m.AccessCount, Vector: cv.Vector,
			})
		}
		return points, nil
	}

	chunks := chunker.Split(m.Content, e.chunk)
	points := make([]vectorstore.Point, 0, len(chunks))
	for _, c := range chunks {
		vec, err := e.embed.Embed(ctx, c.Text, embedclient.RoleDocument)
		if err != nil {
			return nil, err
		}
		text := c.Text
		if c.Index == 0 {
			text = m.Content
		}
		points = append(points, vectorstore.Point{
			PointID: idgen.New(), MemoryID: m.ID, ChunkIndex: c.Index, ChunkCount: len(chunks),
			Content: text, Category: category, Tags: m.Tags, Importance: m.Importance, Metadata: m.Metadata,
			CreatedAt: orNow(m.CreatedAt, now), UpdatedAt: orNow(m.UpdatedAt, now), LastAccessedAt: orNow(m.LastAccessedAt, now),
			AccessCount: m.AccessCount, Vector: vec.Slice(),
		})
	}
	return points, nil
}

func orNow(t time.Time, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

// WriteToFile validates path against allowedDirs before writing, following
// original_source/storage/backup.py's path-traversal guard (symlink-resolved
// containment check) so a caller-supplied export path can't escape its
// configured backup directories.
func WriteToFile(doc *Document, path string, allowedDirs []string) error {
	resolved, err := validateSafePath(path, allowedDirs)
	if err != nil {
		return err
	}
	data, err := Marshal(doc)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "marshal backup document", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "create backup directory", err)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "write backup file", err)
	}
	return nil
}

func ReadFromFile(path string, allowedDirs []string) (*Document, error) {
	resolved, err := validateSafePath(path, allowedDirs)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "read backup file", err)
	}
	return Unmarshal(data)
}

// validateSafePath resolves path (following symlinks) and rejects it unless
// it falls under one of allowedDirs (also resolved), preventing a backup
// path from traversing outside the configured directories.
func validateSafePath(path string, allowedDirs []string) (string, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", errs.Wrap(errs.InvalidInput, "resolve backup path", err)
	}
	if resolved, err = filepath.EvalSymlinks(resolved); err != nil {
		if !os.IsNotExist(err) {
			return "", errs.Wrap(errs.InvalidInput, "resolve backup path", err)
		}
		resolved, _ = filepath.Abs(path)
	}
	if len(allowedDirs) == 0 {
		return resolved, nil
	}
	for _, dir := range allowedDirs {
		allowedResolved, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if allowedResolved, err = filepath.EvalSymlinks(allowedResolved); err != nil {
			continue
		}
		rel, err := filepath.Rel(allowedResolved, resolved)
		if err == nil && rel != ".." && !hasParentTraversal(rel) {
			return resolved, nil
		}
	}
	return "", errs.New(errs.InvalidInput, fmt.Sprintf("backup path %q escapes allowed directories", path))
}

func hasParentTraversal(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == "../"
}
