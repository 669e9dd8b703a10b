package graph

import (
	"testing"
	"time"

	"agent-mem/internal/relstore"
)

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{nil, nil, 0},
		{[]string{"go", "db"}, []string{"go", "db"}, 1},
		{[]string{"go", "db"}, []string{"go"}, 0.5},
		{[]string{"go"}, []string{"db"}, 0},
	}
	for _, c := range cases {
		if got := jaccard(c.a, c.b); got != c.want {
			t.Fatalf("jaccard(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestMetadataOverlap(t *testing.T) {
	a := map[string]any{"project": "agent-mem", "client": "acme"}
	b := map[string]any{"project": "agent-mem", "client": "other"}
	if got := metadataOverlap(a, b); got != 0.5 {
		t.Fatalf("metadataOverlap = %v, want 0.5", got)
	}
	if got := metadataOverlap(map[string]any{}, map[string]any{}); got != 0 {
		t.Fatalf("metadataOverlap on empty maps = %v, want 0", got)
	}
}

func TestRecencyProximityDecaysWithGap(t *testing.T) {
	now := time.Now()
	near := recencyProximity(now, now.Add(-time.Hour))
	far := recencyProximity(now, now.AddDate(0, 0, -30))
	if !(near > far) {
		t.Fatalf("recencyProximity should decay with distance: near=%v far=%v", near, far)
	}
	if got := recencyProximity(time.Time{}, now); got != 0 {
		t.Fatalf("recencyProximity with a zero time should be 0, got %v", got)
	}
}

func TestConfidenceScoreIsMonotonicInSimilarity(t *testing.T) {
	low := confidenceScore(0.1, 0, 0, 0)
	high := confidenceScore(0.9, 0, 0, 0)
	if !(high > low) {
		t.Fatalf("confidenceScore should increase with similarity: low=%v high=%v", low, high)
	}
	if got := confidenceScore(1, 1, 1, 1); got > 1 {
		t.Fatalf("confidenceScore should clamp to 1, got %v", got)
	}
}

func TestInferRelationTypeKeywords(t *testing.T) {
	cases := []struct {
		a, b string
		sim  float64
		want relstore.RelationType
	}{
		{"the bug was fixed by the patch", "unrelated", 0, relstore.Fixes},
		{"the outage happened because of a bad deploy", "unrelated", 0, relstore.Causes},
		{"this approach replaces the old retry logic", "unrelated", 0, relstore.Supersedes},
		{"this is part of the ingestion pipeline", "unrelated", 0, relstore.PartOf},
		{"this confirms the earlier hypothesis", "unrelated", 0, relstore.Supports},
		{"this contradicts the prior finding", "unrelated", 0, relstore.Opposes},
		{"no keyword here", "still nothing", 0, relstore.Related},
	}
	for _, c := range cases {
		if got := inferRelationType(c.a, c.b, c.sim); got != c.want {
			t.Fatalf("inferRelationType(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestContainsAny(t *testing.T) {
	if !containsAny("the root cause was a race condition", "root cause", "because") {
		t.Fatalf("containsAny failed to match a present keyword")
	}
	if containsAny("nothing interesting", "fixes", "causes") {
		t.Fatalf("containsAny matched when no keyword was present")
	}
}
