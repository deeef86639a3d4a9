package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "door-001", cfg.Device.ID)
	assert.Equal(t, "deny", cfg.Access.StalePolicy)
	assert.Equal(t, 1000, cfg.Store.QueueCapacity)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
device:
  id: lib-gate-2
access:
  stale_policy: allow
  trust_threshold: 2h
sync:
  transport: grpc
  endpoint: authority.local:9090
  backoff_max: 45s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lib-gate-2", cfg.Device.ID)
	assert.Equal(t, "allow", cfg.Access.StalePolicy)
	assert.Equal(t, 2*time.Hour, cfg.Access.TrustThreshold)
	assert.Equal(t, "grpc", cfg.Sync.Transport)
	assert.Equal(t, 45*time.Second, cfg.Sync.BackoffMax)
	// untouched keys keep their defaults
	assert.Equal(t, 20, cfg.Sync.BatchSize)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "device:\n  id: from-file\n")
	t.Setenv("PORTUNUS_DEVICE_ID", "from-env")
	t.Setenv("PORTUNUS_STALE_POLICY", "ALLOW")
	t.Setenv("PORTUNUS_SYNC_INTERVAL", "10s")
	t.Setenv("PORTUNUS_QUEUE_CAPACITY", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Device.ID)
	assert.Equal(t, "allow", cfg.Access.StalePolicy)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 1000, cfg.Store.QueueCapacity, "bad ints fall back to the previous value")
}

func TestLoad_UnknownEnvIsTreatedAsDev(t *testing.T) {
	t.Setenv("PORTUNUS_ENV", "staging")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Device.Env)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Access.StalePolicy = "maybe"
	cfg.Sync.Transport = "carrier-pigeon"
	cfg.Sync.BackoffMax = cfg.Sync.BackoffBase / 2
	cfg.MQTT.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_policy")
	assert.Contains(t, err.Error(), "sync.transport")
	assert.Contains(t, err.Error(), "backoff")
	assert.Contains(t, err.Error(), "mqtt.host")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "device: [unterminated")

	_, err := Load(path)
	require.Error(t, err)
}
