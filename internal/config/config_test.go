package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSettings(t *testing.T) {
	settings := Default()
	if settings.Embedding.Dimension != defaultDimension {
		t.Fatalf("Default dimension = %d, want %d", settings.Embedding.Dimension, defaultDimension)
	}
	if !settings.Cache.Enabled {
		t.Fatalf("Default cache should be enabled")
	}
}

func TestLoadOverridesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	yaml := `
embedding:
  provider: mock
  dimension: 256
graph:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Embedding.Dimension != 256 {
		t.Fatalf("Embedding.Dimension = %d, want 256", settings.Embedding.Dimension)
	}
	if settings.Graph.Enabled {
		t.Fatalf("Graph.Enabled should be overridden to false")
	}
	if settings.Chunking.TargetSize != Default().Chunking.TargetSize {
		t.Fatalf("unset fields should fall back to defaults")
	}
}

func TestLoadEnvOverridesDatabaseURL(t *testing.T) {
	t.Setenv("AGENT_MEM_CONFIG", "")
	t.Setenv("DATABASE_URL", "postgresql://user:pass@db:5432/agent_mem")
	settings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Storage.DatabaseURL != "postgresql://user:pass@db:5432/agent_mem" {
		t.Fatalf("DatabaseURL = %s, env override not applied", settings.Storage.DatabaseURL)
	}
}

func TestNormalizeDatabaseURLStripsDriverSuffix(t *testing.T) {
	got := normalizeDatabaseURL("postgresql+psycopg2://user:pass@db:5432/agent_mem")
	if got != "postgresql://user:pass@db:5432/agent_mem" {
		t.Fatalf("normalizeDatabaseURL = %s", got)
	}
}
