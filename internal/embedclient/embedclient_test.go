package embedclient

import (
	"context"
	"testing"

	"agent-mem/internal/config"
	"agent-mem/internal/errs"
)

func testClient(dimension int) *Client {
	return New(config.EmbeddingConfig{
		Provider:  "mock",
		Model:     "mock-model",
		Dimension: dimension,
		BatchSize: 4,
		RolePrefixes: map[string]string{
			"query":    "query: ",
			"document": "",
		},
		MaxInFlight: 4,
	})
}

func TestEmbedReturnsConfiguredDimension(t *testing.T) {
	client := testClient(16)
	vec, err := client.Embed(context.Background(), "hello", RoleDocument)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec.Slice()) != 16 {
		t.Fatalf("Embed returned %d dims, want 16", len(vec.Slice()))
	}
}

func TestEmbedIsDeterministic(t *testing.T) {
	client := testClient(8)
	a, err := client.Embed(context.Background(), "same text", RoleDocument)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := client.Embed(context.Background(), "same text", RoleDocument)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for i := range a.Slice() {
		if a.Slice()[i] != b.Slice()[i] {
			t.Fatalf("mock embedding is not deterministic at index %d", i)
		}
	}
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	client := testClient(8)
	_, err := client.Embed(context.Background(), "   ", RoleDocument)
	if !errs.Is(err, errs.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestEmbedBatchAppliesRolePrefix(t *testing.T) {
	client := testClient(8)
	queryVec, err := client.Embed(context.Background(), "hello", RoleQuery)
	if err != nil {
		t.Fatalf("Embed(query) failed: %v", err)
	}
	docVec, err := client.Embed(context.Background(), "hello", RoleDocument)
	if err != nil {
		t.Fatalf("Embed(document) failed: %v", err)
	}
	equal := true
	for i := range queryVec.Slice() {
		if queryVec.Slice()[i] != docVec.Slice()[i] {
			equal = false
		}
	}
	if equal {
		t.Fatalf("query and document embeddings were identical despite differing role prefixes")
	}
}

func TestEmbedDisablesModelOnDimensionMismatch(t *testing.T) {
	// dimension<=0 makes mockEmbed return its raw 16-byte digest unsliced,
	// which never equals the configured dimension of 0 — a deterministic
	// way to trigger embedWithRetry's mismatch path without a real provider.
	client := testClient(0)
	_, err := client.Embed(context.Background(), "hello", RoleDocument)
	if !errs.Is(err, errs.EmbeddingMismatch) {
		t.Fatalf("expected EmbeddingMismatch on first call, got %v", err)
	}
	if !client.disabled.Load() {
		t.Fatalf("client should be disabled after a dimension mismatch")
	}

	_, err = client.Embed(context.Background(), "hello again", RoleDocument)
	if !errs.Is(err, errs.EmbeddingMismatch) {
		t.Fatalf("expected EmbeddingMismatch once disabled, got %v", err)
	}
	_, err = client.EmbedBatch(context.Background(), []string{"a", "b"}, RoleDocument)
	if !errs.Is(err, errs.EmbeddingMismatch) {
		t.Fatalf("expected EmbedBatch to short-circuit once disabled, got %v", err)
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	client := testClient(8)
	vectors, err := client.EmbedBatch(context.Background(), nil, RoleDocument)
	if err != nil {
		t.Fatalf("EmbedBatch(nil) returned an error: %v", err)
	}
	if vectors != nil {
		t.Fatalf("EmbedBatch(nil) = %+v, want nil", vectors)
	}
}
