package vectorstore

import (
	"strings"
	"testing"
)

func TestValidCategory(t *testing.T) {
	for _, c := range []string{"episodic", "semantic", "procedural"} {
		if !ValidCategory(c) {
			t.Fatalf("ValidCategory(%q) = false, want true", c)
		}
	}
	if ValidCategory("bogus") {
		t.Fatalf("ValidCategory(\"bogus\") = true, want false")
	}
}

func TestTableName(t *testing.T) {
	if got := tableName(Episodic); got != "chunks_episodic" {
		t.Fatalf("tableName(Episodic) = %q", got)
	}
}

func TestCompileFilterEmpty(t *testing.T) {
	where, args := compileFilter(Filter{})
	if where != "TRUE" || len(args) != 0 {
		t.Fatalf("compileFilter({}) = %q, %v; want TRUE, []", where, args)
	}
}

func TestCompileFilterMemoryIDs(t *testing.T) {
	where, args := compileFilter(Filter{MemoryIDs: []string{"m1", "m2"}})
	if where != "memory_id = ANY($1)" {
		t.Fatalf("where = %q", where)
	}
	if len(args) != 1 {
		t.Fatalf("args = %v, want 1 entry", args)
	}
}

func TestCompileFilterEqualsKnownColumn(t *testing.T) {
	where, args := compileFilter(Filter{Equals: map[string]any{"category": "semantic"}})
	if where != "category = $1" {
		t.Fatalf("where = %q", where)
	}
	if len(args) != 1 || args[0] != "semantic" {
		t.Fatalf("args = %v", args)
	}
}

func TestCompileFilterEqualsMetadataKey(t *testing.T) {
	where, _ := compileFilter(Filter{Equals: map[string]any{"project": "agent-mem"}})
	if !strings.Contains(where, "metadata->>'project' = $1") {
		t.Fatalf("where = %q, want metadata lookup", where)
	}
}

func TestCompileFilterRangeGTEAndLTE(t *testing.T) {
	where, args := compileFilter(Filter{
		RangeGTE: map[string]any{"importance": 0.5},
		RangeLTE: map[string]any{"importance": 0.9},
	})
	if !strings.Contains(where, "importance >= $") || !strings.Contains(where, "importance <= $") {
		t.Fatalf("where = %q", where)
	}
	if len(args) != 2 {
		t.Fatalf("args = %v, want 2 entries", args)
	}
}

func TestCompileFilterContainsAny(t *testing.T) {
	where, args := compileFilter(Filter{ContainsAny: map[string][]string{"tags": {"a", "b"}}})
	if !strings.Contains(where, "tags @> $1") || !strings.Contains(where, "OR") {
		t.Fatalf("where = %q", where)
	}
	if len(args) != 2 {
		t.Fatalf("args = %v, want 2 entries", args)
	}
}

func TestCompileFilterExists(t *testing.T) {
	where, args := compileFilter(Filter{Exists: []string{"source"}})
	if where != "metadata ? $1" {
		t.Fatalf("where = %q", where)
	}
	if len(args) != 1 || args[0] != "source" {
		t.Fatalf("args = %v", args)
	}
}

func TestRangeColumnKnownVsMetadata(t *testing.T) {
	if got := rangeColumn("importance"); got != "importance" {
		t.Fatalf("rangeColumn(importance) = %q", got)
	}
	if got := rangeColumn("custom_field"); got != "metadata->>'custom_field'" {
		t.Fatalf("rangeColumn(custom_field) = %q", got)
	}
}

func TestToStringSlice(t *testing.T) {
	got := toStringSlice([]any{"a", 1, true})
	want := []string{"a", "1", "true"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("toStringSlice = %v, want %v", got, want)
		}
	}
}

func TestMustJSON(t *testing.T) {
	b := mustJSON([]string{"x"})
	if string(b) != `["x"]` {
		t.Fatalf("mustJSON = %s", b)
	}
}
