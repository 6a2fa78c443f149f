package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a temporary drey.yml and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drey.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, "version: \"1.0\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Every default applied.
	assert.Equal(t, ":8500", cfg.Server.Listen)
	assert.Equal(t, 0.65, cfg.Fusion.SimilarityThreshold)
	assert.Equal(t, 0.75, cfg.Fusion.InventionThreshold)
	assert.Equal(t, 10, cfg.Fusion.BatchSize)
	assert.Equal(t, 256, cfg.Fusion.PoolCapacity)
	assert.Equal(t, 16, cfg.Broadcast.Concurrency)
	assert.Equal(t, 3*time.Second, cfg.Broadcast.TargetTimeout.Std())
	assert.Equal(t, 2, cfg.Broadcast.Retries)
	assert.Equal(t, 50, cfg.Lifecycle.WindowSize)
	assert.Equal(t, 20, cfg.Lifecycle.MinSamples)
	assert.Equal(t, 0.22, cfg.Lifecycle.CriticalDrift)
	assert.Equal(t, 0.92, cfg.Lifecycle.RebirthConfidenceMin)
	assert.False(t, cfg.Lifecycle.RebirthEnabled)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
version: "1.0"
server:
  listen: ":9000"
fusion:
  similarity_threshold: 0.7
  invention_threshold: 0.8
  batch_size: 5
  pool_capacity: 64
  pass_interval: "10s"
broadcast:
  concurrency: 4
  target_timeout: "1s"
  retries: 1
  retry_backoff: "100ms"
lifecycle:
  window_size: 30
  min_samples: 10
  critical_drift: 0.3
  heartbeat_interval: "15s"
  grace_period: "5m"
  sweep_interval: "5s"
  rebirth_confidence_min: 0.95
  rebirth_enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 0.7, cfg.Fusion.SimilarityThreshold)
	assert.Equal(t, 5, cfg.Fusion.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Fusion.PassInterval.Std())
	assert.Equal(t, 4, cfg.Broadcast.Concurrency)
	assert.Equal(t, time.Second, cfg.Broadcast.TargetTimeout.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Broadcast.RetryBackoff.Std())
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.GracePeriod.Std())
	assert.Equal(t, 0.95, cfg.Lifecycle.RebirthConfidenceMin)
	assert.True(t, cfg.Lifecycle.RebirthEnabled)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unsupported version",
			content: "version: \"2.0\"\n",
			wantErr: "unsupported version",
		},
		{
			name:    "similarity threshold out of range",
			content: "version: \"1.0\"\nfusion:\n  similarity_threshold: 1.5\n",
			wantErr: "similarity_threshold",
		},
		{
			name:    "batch size too small",
			content: "version: \"1.0\"\nfusion:\n  batch_size: 1\n",
			wantErr: "batch_size",
		},
		{
			name:    "pool smaller than batch",
			content: "version: \"1.0\"\nfusion:\n  batch_size: 20\n  pool_capacity: 10\n",
			wantErr: "pool_capacity",
		},
		{
			name:    "min samples above window",
			content: "version: \"1.0\"\nlifecycle:\n  window_size: 10\n  min_samples: 20\n",
			wantErr: "min_samples",
		},
		{
			name:    "bad duration",
			content: "version: \"1.0\"\nbroadcast:\n  target_timeout: \"soon\"\n",
			wantErr: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.Broadcast.Concurrency)
}
