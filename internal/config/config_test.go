package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/execution"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "bridge.db", cfg.Storage.Path)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Tick)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 3, cfg.Queue.Workers)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.Queue.ExecutionTimeout)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Queue.Expiry)
	assert.Equal(t, ":9000", cfg.Addr())
}

func TestLoad_FileValues(t *testing.T) {
	body := `
heartbeat:
  tick: 2s
  timeout: 5s
queue:
  workers: 8
  execution_timeout: 3s
delivery:
  direct_push: true
adapters:
  paper:
    kind: simulated
    latency_ms: 20
  broker:
    kind: rest
    endpoint: http://broker.local
    rate_per_second: 5
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Tick)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 3*time.Second, cfg.Queue.ExecutionTimeout)
	assert.True(t, cfg.Delivery.DirectPush)
	require.Contains(t, cfg.Adapters, "broker")
	assert.Equal(t, execution.KindREST, cfg.Adapters["broker"].Kind)
	assert.Equal(t, 20, cfg.Adapters["paper"].LatencyMs)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_DB_PATH", "/tmp/override.db")
	t.Setenv("BRIDGE_PORT", "7070")
	t.Setenv("BRIDGE_LOG_LEVEL", "debug")
	t.Setenv("BRIDGE_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(writeConfig(t, "storage:\n  path: file.db\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Storage.Path)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Reports.Brokers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"timeout below tick", "heartbeat:\n  tick: 10s\n  timeout: 5s\n"},
		{"rest without endpoint", "adapters:\n  broker:\n    kind: rest\n"},
		{"unknown kind", "adapters:\n  x:\n    kind: ftp\n"},
		{"bad failure rate", "adapters:\n  x:\n    kind: simulated\n    failure_rate: 2\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
