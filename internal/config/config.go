package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Store      StoreConfig      `json:"store"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Activation ActivationConfig `json:"activation"`
	Decay      DecayConfig      `json:"decay"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type StoreConfig struct {
	Redis  RedisConfig  `json:"redis"`
	SQLite SQLiteConfig `json:"sqlite"`
}

type RedisConfig struct {
	// URL enables the shared Redis backend when set; empty means embedded
	// SQLite only.
	URL    string `json:"url"`
	Prefix string `json:"prefix"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type ActivationConfig struct {
	ContextWeight      float64 `json:"context_weight"`
	NoiseStddev        float64 `json:"noise_stddev"`
	DecayParameter     float64 `json:"decay_parameter"`
	RetrievalThreshold float64 `json:"retrieval_threshold"`
}

type DecayConfig struct {
	SweepIntervalMinutes int     `json:"sweep_interval_minutes"`
	PruneThreshold       float64 `json:"prune_threshold"`
	HardPruneThreshold   float64 `json:"hard_prune_threshold"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with the standard parameterization so a
// minimal config file still yields a working system.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "muma.db"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "muma:"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "local"
	}
	if c.Activation.ContextWeight == 0 {
		c.Activation.ContextWeight = 11.0
	}
	if c.Activation.NoiseStddev == 0 {
		c.Activation.NoiseStddev = 1.2
	}
	if c.Activation.DecayParameter == 0 {
		c.Activation.DecayParameter = 0.5
	}
	if c.Decay.SweepIntervalMinutes == 0 {
		c.Decay.SweepIntervalMinutes = 60
	}
	if c.Decay.PruneThreshold == 0 {
		c.Decay.PruneThreshold = -2.0
	}
	if c.Decay.HardPruneThreshold == 0 {
		c.Decay.HardPruneThreshold = -5.0
	}
}
