package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Defaults()

	assert.Equal(t, 9999, cfg.Printer.Port)
	assert.Equal(t, time.Second, cfg.Printer.MinBackoff())
	assert.Equal(t, 30*time.Second, cfg.Printer.MaxBackoff())
	assert.Equal(t, 10*time.Second, cfg.Printer.Keepalive())
	assert.Equal(t, 30*time.Second, cfg.Printer.StaleAfter())
	assert.Equal(t, 10*time.Second, cfg.Printer.ProbeSilence())
	assert.Equal(t, 3, cfg.Printer.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Printer.RetryInterval())
	assert.Equal(t, ":8081", cfg.HTTP.Addr)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "creality", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
printer:
  host: 192.168.1.50
  port: 9999
  stale_after_secs: 45
  retry_attempts: 5
http:
  addr: ":9090"
  cors_allow_all: true
mqtt:
  enabled: true
  broker: tcp://broker.local:1883
  device_id: k1_garage
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.50", cfg.Printer.Host)
	assert.Equal(t, 45*time.Second, cfg.Printer.StaleAfter())
	assert.Equal(t, 5, cfg.Printer.RetryAttempts)
	// Unset keys keep defaults.
	assert.Equal(t, time.Second, cfg.Printer.MinBackoff())
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.True(t, cfg.HTTP.CORSAll)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "k1_garage", cfg.MQTT.DeviceID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CREALITY_HOST", "10.0.0.9")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", cfg.Printer.Host)
	assert.Equal(t, 9999, cfg.Printer.Port)
}

func TestLoadRequiresHost(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host is required")
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("printer: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
printer:
  host: from-file
mqtt:
  enabled: false
`), 0o644))

	t.Setenv("CREALITY_HOST", "from-env")
	t.Setenv("CREALITY_PORT", "8888")
	t.Setenv("CREALITY_STALE_AFTER_SECS", "12.5")
	t.Setenv("CREALITY_MQTT_ENABLED", "true")
	t.Setenv("CREALITY_MQTT_BROKER", "tcp://env.broker:1883")
	t.Setenv("CREALITY_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Printer.Host)
	assert.Equal(t, 8888, cfg.Printer.Port)
	assert.Equal(t, 12500*time.Millisecond, cfg.Printer.StaleAfter())
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://env.broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestParseBool(t *testing.T) {
	t.Parallel()

	assert.True(t, parseBool("true"))
	assert.True(t, parseBool(" TRUE "))
	assert.True(t, parseBool("1"))
	assert.False(t, parseBool("0"))
	assert.False(t, parseBool("no"))
	assert.False(t, parseBool(""))
}
