package backup

import (
	"path/filepath"
	"testing"
	"time"

	"agent-mem/internal/errs"
	"agent-mem/internal/vectorstore"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	doc := &Document{
		Version:    FormatVersion,
		ExportedAt: time.Now().UTC().Truncate(time.Second),
		Memories: []MemoryRecord{
			{ID: "m1", Category: "semantic", Content: "hello", Tags: []string{"x"}, Importance: 0.5},
		},
		Edges: []EdgeRecord{
			{SourceID: "m1", TargetID: "m2", Type: "related", Weight: 1},
		},
	}
	data, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	restored, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(restored.Memories) != 1 || restored.Memories[0].ID != "m1" {
		t.Fatalf("round-tripped memories = %+v", restored.Memories)
	}
	if len(restored.Edges) != 1 || restored.Edges[0].TargetID != "m2" {
		t.Fatalf("round-tripped edges = %+v", restored.Edges)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not json")); !errs.Is(err, errs.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestToMemoryRecordRequiresChunkZero(t *testing.T) {
	chunks := []vectorstore.Point{{MemoryID: "m1", ChunkIndex: 1, Content: "tail"}}
	if _, err := toMemoryRecord(chunks, false); !errs.Is(err, errs.ConsistencyDrift) {
		t.Fatalf("expected ConsistencyDrift when chunk_index 0 is missing, got %v", err)
	}
}

func TestToMemoryRecordIncludesVectorsOnlyWhenRequested(t *testing.T) {
	chunks := []vectorstore.Point{
		{MemoryID: "m1", ChunkIndex: 0, Content: "full content", Vector: []float32{0.1, 0.2}},
		{MemoryID: "m1", ChunkIndex: 1, Content: "tail", Vector: []float32{0.3, 0.4}},
	}
	without, err := toMemoryRecord(chunks, false)
	if err != nil {
		t.Fatalf("toMemoryRecord failed: %v", err)
	}
	if len(without.Chunks) != 0 {
		t.Fatalf("toMemoryRecord(includeVectors=false) included chunks: %+v", without.Chunks)
	}

	with, err := toMemoryRecord(chunks, true)
	if err != nil {
		t.Fatalf("toMemoryRecord failed: %v", err)
	}
	if len(with.Chunks) != 2 {
		t.Fatalf("toMemoryRecord(includeVectors=true) = %d chunks, want 2", len(with.Chunks))
	}
}

func TestWriteReadFromFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	doc := &Document{Version: FormatVersion, ExportedAt: time.Now().UTC().Truncate(time.Second)}

	if err := WriteToFile(doc, path, []string{dir}); err != nil {
		t.Fatalf("WriteToFile failed: %v", err)
	}
	restored, err := ReadFromFile(path, []string{dir})
	if err != nil {
		t.Fatalf("ReadFromFile failed: %v", err)
	}
	if restored.Version != FormatVersion {
		t.Fatalf("restored.Version = %s", restored.Version)
	}
}

func TestWriteToFileRejectsPathOutsideAllowedDirs(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	doc := &Document{Version: FormatVersion}

	err := WriteToFile(doc, filepath.Join(outside, "escape.json"), []string{allowed})
	if !errs.Is(err, errs.InvalidInput) {
		t.Fatalf("expected InvalidInput for a path outside allowed dirs, got %v", err)
	}
}

func TestHasParentTraversal(t *testing.T) {
	if !hasParentTraversal("..") {
		t.Fatalf("hasParentTraversal(\"..\") = false")
	}
	if !hasParentTraversal("../escape.json") {
		t.Fatalf("hasParentTraversal(\"../escape.json\") = false")
	}
	if hasParentTraversal("sub/escape.json") {
		t.Fatalf("hasParentTraversal(\"sub/escape.json\") = true")
	}
}
