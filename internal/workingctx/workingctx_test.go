package workingctx

import "testing"

func TestSetGetClear(t *testing.T) {
	s := NewStore()
	s.Set(Context{Project: "agent-mem", Client: "acme"})
	if got := s.Get(); got.Project != "agent-mem" || got.Client != "acme" {
		t.Fatalf("Get() = %+v", got)
	}
	s.Clear()
	if got := s.Get(); got != (Context{}) {
		t.Fatalf("Clear() left a non-zero context: %+v", got)
	}
}

func TestMergeIntoFillsMissingKeys(t *testing.T) {
	s := NewStore()
	s.Set(Context{Project: "agent-mem", File: "notes.md"})
	merged := s.MergeInto(map[string]any{"tag": "x"})
	if merged["project"] != "agent-mem" || merged["file"] != "notes.md" {
		t.Fatalf("MergeInto did not fill context fields: %+v", merged)
	}
	if merged["tag"] != "x" {
		t.Fatalf("MergeInto dropped caller-provided key: %+v", merged)
	}
	if _, ok := merged["client"]; ok {
		t.Fatalf("MergeInto set an unset context field: %+v", merged)
	}
}

func TestMergeIntoDoesNotOverwriteExplicitMetadata(t *testing.T) {
	s := NewStore()
	s.Set(Context{Project: "agent-mem"})
	merged := s.MergeInto(map[string]any{"project": "explicit"})
	if merged["project"] != "explicit" {
		t.Fatalf("MergeInto overwrote caller-supplied project: %+v", merged)
	}
}

func TestMergeIntoNilMetadata(t *testing.T) {
	s := NewStore()
	s.Set(Context{Project: "agent-mem"})
	merged := s.MergeInto(nil)
	if merged["project"] != "agent-mem" {
		t.Fatalf("MergeInto on nil metadata = %+v", merged)
	}
}
