// Package config loads engine settings from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "2m" style values in YAML, which time.Duration
// itself does not.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full runtime configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	ClientID string `yaml:"client_id"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Sync      SyncConfig      `yaml:"sync"`

	ConsolidationInterval Duration `yaml:"consolidation_interval"`
}

// EmbeddingConfig configures the Ollama embedding client.
type EmbeddingConfig struct {
	BaseURL    string   `yaml:"base_url"`
	Model      string   `yaml:"model"`
	Dimensions int      `yaml:"dimensions"`
	Timeout    Duration `yaml:"timeout"`
	Required   bool     `yaml:"required"`
}

// RetrievalConfig tunes the ranking engine.
type RetrievalConfig struct {
	MaxResults    int     `yaml:"max_results"`
	MinSimilarity float64 `yaml:"min_similarity"`
	RecencyDecay  float64 `yaml:"recency_decay"`
	LinkBoost     float64 `yaml:"link_boost"`
}

// SyncConfig configures the remote peer connection.
type SyncConfig struct {
	Enabled  bool     `yaml:"enabled"`
	PeerURL  string   `yaml:"peer_url"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:  filepath.Join(home, ".lore"),
		ClientID: hostnameOr("lore-client"),
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			Timeout:    Duration(30 * time.Second),
		},
		Retrieval: RetrievalConfig{
			MaxResults:    10,
			MinSimilarity: 0.7,
			RecencyDecay:  0.1,
			LinkBoost:     0.2,
		},
		Sync: SyncConfig{
			Interval: Duration(5 * time.Minute),
			Timeout:  Duration(30 * time.Second),
		},
		ConsolidationInterval: Duration(time.Hour),
	}
}

// Load reads path (when non-empty and present) over the defaults, then
// applies environment overrides. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("LORE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.DataDir, "LORE_DATA_DIR")
	setString(&c.ClientID, "LORE_CLIENT_ID")
	setString(&c.Embedding.BaseURL, "OLLAMA_URL")
	setString(&c.Embedding.Model, "OLLAMA_EMBED_MODEL")
	setInt(&c.Embedding.Dimensions, "OLLAMA_EMBED_DIMENSIONS")
	setBool(&c.Embedding.Required, "LORE_REQUIRE_EMBEDDING")
	setString(&c.Sync.PeerURL, "LORE_SYNC_URL")
	setBool(&c.Sync.Enabled, "LORE_SYNC_ENABLED")
	setDuration(&c.Sync.Interval, "LORE_SYNC_INTERVAL")
	setDuration(&c.ConsolidationInterval, "LORE_CONSOLIDATION_INTERVAL")
	if c.Sync.PeerURL != "" && os.Getenv("LORE_SYNC_ENABLED") == "" {
		c.Sync.Enabled = true
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
