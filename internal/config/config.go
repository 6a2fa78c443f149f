// Package config loads and validates the drey.yml coordinator configuration.
// Every tunable the fusion, broadcast, and lifecycle subsystems consume lives
// here; missing fields fall back to documented defaults so a minimal config
// file is valid.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "3s" or "500ms" parse
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DreyConfig represents the top-level drey.yml configuration.
type DreyConfig struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server,omitempty"`
	Fusion    FusionConfig    `yaml:"fusion,omitempty"`
	Broadcast BroadcastConfig `yaml:"broadcast,omitempty"`
	Lifecycle LifecycleConfig `yaml:"lifecycle,omitempty"`
}

// ServerConfig specifies the HTTP API listener.
type ServerConfig struct {
	Listen string `yaml:"listen,omitempty"` // Default ":8500"
}

// FusionConfig specifies cluster pool and fusion pass behavior.
type FusionConfig struct {
	SimilarityThreshold float64  `yaml:"similarity_threshold,omitempty"` // Jaccard cutoff for fusion candidates (default 0.65)
	InventionThreshold  float64  `yaml:"invention_threshold,omitempty"`  // Confidence floor for predicate invention (default 0.75)
	BatchSize           int      `yaml:"batch_size,omitempty"`           // Pool size that triggers a pass (default 10)
	PoolCapacity        int      `yaml:"pool_capacity,omitempty"`        // Bounded pool capacity (default 256)
	PassInterval        Duration `yaml:"pass_interval,omitempty"`        // Periodic pass cadence (default 30s)
}

// BroadcastConfig specifies patch fan-out behavior.
type BroadcastConfig struct {
	Concurrency   int      `yaml:"concurrency,omitempty"`    // Max in-flight deliveries (default 16)
	TargetTimeout Duration `yaml:"target_timeout,omitempty"` // Per-target deadline (default 3s)
	Retries       int      `yaml:"retries,omitempty"`        // Retries after the first attempt (default 2)
	RetryBackoff  Duration `yaml:"retry_backoff,omitempty"`  // Base backoff between attempts (default 500ms)
}

// LifecycleConfig specifies drift scoring and the sunset/rebirth policy.
type LifecycleConfig struct {
	WindowSize           int      `yaml:"window_size,omitempty"`            // Rolling drift window (default 50)
	MinSamples           int      `yaml:"min_samples,omitempty"`            // Samples required before drift is scored (default 20)
	CriticalDrift        float64  `yaml:"critical_drift,omitempty"`         // Drift score that triggers sunset (default 0.22)
	HeartbeatInterval    Duration `yaml:"heartbeat_interval,omitempty"`     // Silence past this is a drift escalation (default 60s)
	GracePeriod          Duration `yaml:"grace_period,omitempty"`           // Sunset -> archived delay (default 0s)
	SweepInterval        Duration `yaml:"sweep_interval,omitempty"`         // Drift/heartbeat sweep cadence (default 30s)
	RebirthConfidenceMin float64  `yaml:"rebirth_confidence_min,omitempty"` // Pattern migration cutoff (default 0.92)
	RebirthEnabled       bool     `yaml:"rebirth_enabled"`                  // Spawn a successor after archival
}

// Load reads, parses, and validates a drey.yml file, applying defaults.
func Load(path string) (*DreyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg DreyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *DreyConfig {
	cfg := &DreyConfig{Version: "1.0"}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued fields.
func (c *DreyConfig) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8500"
	}

	if c.Fusion.SimilarityThreshold == 0 {
		c.Fusion.SimilarityThreshold = 0.65
	}
	if c.Fusion.InventionThreshold == 0 {
		c.Fusion.InventionThreshold = 0.75
	}
	if c.Fusion.BatchSize == 0 {
		c.Fusion.BatchSize = 10
	}
	if c.Fusion.PoolCapacity == 0 {
		c.Fusion.PoolCapacity = 256
	}
	if c.Fusion.PassInterval == 0 {
		c.Fusion.PassInterval = Duration(30 * time.Second)
	}

	if c.Broadcast.Concurrency == 0 {
		c.Broadcast.Concurrency = 16
	}
	if c.Broadcast.TargetTimeout == 0 {
		c.Broadcast.TargetTimeout = Duration(3 * time.Second)
	}
	if c.Broadcast.Retries == 0 {
		c.Broadcast.Retries = 2
	}
	if c.Broadcast.RetryBackoff == 0 {
		c.Broadcast.RetryBackoff = Duration(500 * time.Millisecond)
	}

	if c.Lifecycle.WindowSize == 0 {
		c.Lifecycle.WindowSize = 50
	}
	if c.Lifecycle.MinSamples == 0 {
		c.Lifecycle.MinSamples = 20
	}
	if c.Lifecycle.CriticalDrift == 0 {
		c.Lifecycle.CriticalDrift = 0.22
	}
	if c.Lifecycle.HeartbeatInterval == 0 {
		c.Lifecycle.HeartbeatInterval = Duration(60 * time.Second)
	}
	if c.Lifecycle.SweepInterval == 0 {
		c.Lifecycle.SweepInterval = Duration(30 * time.Second)
	}
	if c.Lifecycle.RebirthConfidenceMin == 0 {
		c.Lifecycle.RebirthConfidenceMin = 0.92
	}
}

// Validate performs strict validation on the configuration.
func (c *DreyConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Fusion.SimilarityThreshold <= 0 || c.Fusion.SimilarityThreshold > 1 {
		return fmt.Errorf("fusion.similarity_threshold must be in (0,1], got %v", c.Fusion.SimilarityThreshold)
	}
	if c.Fusion.InventionThreshold <= 0 || c.Fusion.InventionThreshold > 1 {
		return fmt.Errorf("fusion.invention_threshold must be in (0,1], got %v", c.Fusion.InventionThreshold)
	}
	if c.Fusion.BatchSize < 2 {
		return fmt.Errorf("fusion.batch_size must be >= 2, got %d", c.Fusion.BatchSize)
	}
	if c.Fusion.PoolCapacity < c.Fusion.BatchSize {
		return fmt.Errorf("fusion.pool_capacity (%d) must be >= fusion.batch_size (%d)",
			c.Fusion.PoolCapacity, c.Fusion.BatchSize)
	}

	if c.Broadcast.Concurrency < 1 {
		return fmt.Errorf("broadcast.concurrency must be >= 1, got %d", c.Broadcast.Concurrency)
	}
	if c.Broadcast.Retries < 0 {
		return fmt.Errorf("broadcast.retries must be >= 0, got %d", c.Broadcast.Retries)
	}

	if c.Lifecycle.MinSamples > c.Lifecycle.WindowSize {
		return fmt.Errorf("lifecycle.min_samples (%d) must be <= lifecycle.window_size (%d)",
			c.Lifecycle.MinSamples, c.Lifecycle.WindowSize)
	}
	if c.Lifecycle.CriticalDrift <= 0 || c.Lifecycle.CriticalDrift > 1 {
		return fmt.Errorf("lifecycle.critical_drift must be in (0,1], got %v", c.Lifecycle.CriticalDrift)
	}
	if c.Lifecycle.RebirthConfidenceMin <= 0 || c.Lifecycle.RebirthConfidenceMin > 1 {
		return fmt.Errorf("lifecycle.rebirth_confidence_min must be in (0,1], got %v", c.Lifecycle.RebirthConfidenceMin)
	}

	return nil
}
