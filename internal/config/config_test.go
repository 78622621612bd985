package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Embedding.BaseURL != "http://localhost:11434" {
		t.Errorf("Wrong default Ollama URL: %s", cfg.Embedding.BaseURL)
	}
	if cfg.Embedding.Model != "nomic-embed-text" || cfg.Embedding.Dimensions != 768 {
		t.Errorf("Wrong default embedding model: %s/%d", cfg.Embedding.Model, cfg.Embedding.Dimensions)
	}
	if cfg.Retrieval.MaxResults != 10 || cfg.Retrieval.MinSimilarity != 0.7 {
		t.Errorf("Wrong retrieval defaults: %+v", cfg.Retrieval)
	}
	if cfg.Sync.Enabled {
		t.Error("Sync should be disabled by default")
	}
	if cfg.ClientID == "" {
		t.Error("Expected a client id")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lore.yaml")
	body := `
data_dir: /tmp/lore-test
embedding:
  model: mxbai-embed-large
  dimensions: 1024
retrieval:
  max_results: 25
sync:
  enabled: true
  peer_url: https://sync.example.com
  interval: 2m
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/tmp/lore-test" {
		t.Errorf("data_dir not loaded: %s", cfg.DataDir)
	}
	if cfg.Embedding.Model != "mxbai-embed-large" || cfg.Embedding.Dimensions != 1024 {
		t.Errorf("Embedding overrides not loaded: %+v", cfg.Embedding)
	}
	if cfg.Retrieval.MaxResults != 25 {
		t.Errorf("max_results not loaded: %d", cfg.Retrieval.MaxResults)
	}
	if !cfg.Sync.Enabled || cfg.Sync.PeerURL != "https://sync.example.com" {
		t.Errorf("Sync config not loaded: %+v", cfg.Sync)
	}
	if cfg.Sync.Interval.Std() != 2*time.Minute {
		t.Errorf("Interval not parsed: %s", cfg.Sync.Interval.Std())
	}
	// Untouched fields keep their defaults
	if cfg.Embedding.BaseURL != "http://localhost:11434" {
		t.Errorf("Default lost on partial config: %s", cfg.Embedding.BaseURL)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Missing file should not error: %v", err)
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Defaults not applied: %s", cfg.Embedding.Model)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("data_dir: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LORE_DATA_DIR", "/tmp/env-lore")
	t.Setenv("OLLAMA_EMBED_DIMENSIONS", "512")
	t.Setenv("LORE_SYNC_URL", "https://env.example.com")
	t.Setenv("LORE_SYNC_INTERVAL", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/tmp/env-lore" {
		t.Errorf("LORE_DATA_DIR ignored: %s", cfg.DataDir)
	}
	if cfg.Embedding.Dimensions != 512 {
		t.Errorf("OLLAMA_EMBED_DIMENSIONS ignored: %d", cfg.Embedding.Dimensions)
	}
	if cfg.Sync.PeerURL != "https://env.example.com" {
		t.Errorf("LORE_SYNC_URL ignored: %s", cfg.Sync.PeerURL)
	}
	if !cfg.Sync.Enabled {
		t.Error("Setting a peer URL should enable sync")
	}
	if cfg.Sync.Interval.Std() != 90*time.Second {
		t.Errorf("LORE_SYNC_INTERVAL ignored: %s", cfg.Sync.Interval.Std())
	}
}
