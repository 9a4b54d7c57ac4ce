package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  broker: tcp://localhost:1883\nsession:\n  secret: s3cret\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "emqx/harmony/guardian", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.TokenTTL)
	assert.Equal(t, time.Hour, cfg.Session.IdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.Liveness.Freshness)
	assert.Equal(t, 10*time.Minute, cfg.Liveness.Staleness)
	assert.Equal(t, 30*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
}

func TestApplyDefaults_IdleTTLNeverExceedsTokenTTL(t *testing.T) {
	cfg := &Config{Session: SessionConfig{TokenTTLHours: 1, IdleTTLMinutes: 120}}
	cfg.ApplyDefaults()

	assert.Equal(t, time.Hour, cfg.Session.IdleTTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
