package chunker

import (
	"strings"
	"testing"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	chunks := Split("a short memory", Config{TargetSize: 500, Overlap: 50})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "a short memory" {
		t.Fatalf("unexpected chunk text: %q", chunks[0].Text)
	}
}

func TestSplitEmptyInput(t *testing.T) {
	if chunks := Split("   ", Config{}); chunks != nil {
		t.Fatalf("expected nil for blank input, got %+v", chunks)
	}
}

func TestSplitLongTextMultipleChunksCoverInput(t *testing.T) {
	paragraph := strings.Repeat("word ", 20) + "\n\n"
	text := strings.Repeat(paragraph, 30)
	chunks := Split(text, Config{TargetSize: 200, Overlap: 20})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for long input, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has Index %d", i, c.Index)
		}
		if strings.TrimSpace(c.Text) == "" {
			t.Fatalf("chunk %d is empty", i)
		}
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 90) + "\n\n" + strings.Repeat("b", 90)
	chunks := Split(text, Config{TargetSize: 100, Overlap: 10})
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	if !strings.HasSuffix(strings.TrimRight(chunks[0].Text, "\n"), strings.Repeat("a", 90)) {
		t.Fatalf("first chunk did not split on the paragraph boundary: %q", chunks[0].Text)
	}
}
