package mqtransport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "localhost:6379", cfg.Address())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transport.yaml")
	data := []byte(`backend: amqp
host: rabbit.internal
port: 5672
username: bus
password: secret
vhost: /orders
prefetch: 10
log:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, BackendAMQP, cfg.Backend)
	assert.Equal(t, "rabbit.internal:5672", cfg.Address())
	assert.Equal(t, "bus", cfg.Username)
	assert.Equal(t, "/orders", cfg.VHost)
	assert.Equal(t, 10, cfg.Prefetch)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	// untouched keys keep their defaults
	assert.Equal(t, "mqtransport", cfg.ClientName)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MQT_BACKEND", "nats")
	t.Setenv("MQT_HOST", "nats.internal")
	t.Setenv("MQT_PORT", "4222")
	t.Setenv("MQT_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, BackendNATS, cfg.Backend)
	assert.Equal(t, "nats.internal:4222", cfg.Address())
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("MQT_BACKEND", "kafka")
	_, err := LoadConfig("")
	require.ErrorIs(t, err, ErrUnknownBackend)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Port = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Host = " "
	require.Error(t, cfg.Validate())
}
