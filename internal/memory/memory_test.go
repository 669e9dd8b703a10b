package memory

import "testing"

func TestMergeMetadataOverwritesAndDeletes(t *testing.T) {
	base := map[string]any{"project": "agent-mem", "client": "acme"}
	overlay := map[string]any{"project": "other", "client": nil}
	merged := mergeMetadata(base, overlay)
	if merged["project"] != "other" {
		t.Fatalf("overlay should overwrite existing key: %+v", merged)
	}
	if _, ok := merged["client"]; ok {
		t.Fatalf("explicit nil in overlay should delete the key: %+v", merged)
	}
	if base["client"] != "acme" {
		t.Fatalf("mergeMetadata mutated the base map")
	}
}

func TestCopyMetadataIsIndependent(t *testing.T) {
	base := map[string]any{"a": 1}
	copied := copyMetadata(base)
	copied["a"] = 2
	if base["a"] != 1 {
		t.Fatalf("copyMetadata shared storage with its input")
	}
}

func TestApplyExecutionResultTracksRollingAverage(t *testing.T) {
	metadata := map[string]any{"execution_result": true}
	applyExecutionResult(metadata)
	if _, ok := metadata["execution_result"]; ok {
		t.Fatalf("execution_result should be removed from stored metadata")
	}
	rate, ok := metadata["success_rate"].(float64)
	if !ok {
		t.Fatalf("success_rate missing or wrong type: %+v", metadata)
	}
	// starts from 0.5 default, alpha=0.1, outcome=1: 0.5 + 0.1*(1-0.5) = 0.55
	if rate < 0.54 || rate > 0.56 {
		t.Fatalf("success_rate = %v, want ~0.55", rate)
	}

	metadata["execution_result"] = false
	applyExecutionResult(metadata)
	second := metadata["success_rate"].(float64)
	if second >= rate {
		t.Fatalf("success_rate should decrease after a failed execution: before=%v after=%v", rate, second)
	}
}

func TestApplyExecutionResultNoOpWithoutKey(t *testing.T) {
	metadata := map[string]any{"other": "value"}
	applyExecutionResult(metadata)
	if _, ok := metadata["success_rate"]; ok {
		t.Fatalf("success_rate should not appear without an execution_result key")
	}
}
