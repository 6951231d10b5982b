package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEO_CONFIG_FILE", "")
	t.Setenv("REDIS_URL", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Routing.Timeout())
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.Routing.TableMinInterval())
	assert.Equal(t, 100, cfg.Routing.TableMaxPoints)
	assert.Equal(t, 6, cfg.Routing.Precision)
	assert.InDelta(t, 200000.0, cfg.Routing.MaxSegmentMeters(), 0.001)
	assert.False(t, cfg.QueueEnabled(), "redis queue without REDIS_URL must be off")
	assert.True(t, cfg.GeocoderEnabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GEO_CONFIG_FILE", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ROUTING_PRECISION", "5")
	t.Setenv("ROUTING_TABLE_MIN_INTERVAL_MS", "350")
	t.Setenv("GEOCODER_ENABLED", "false")
	t.Setenv("QUEUE_JOB_TIMEOUT_MS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Routing.Precision)
	assert.Equal(t, 350*time.Millisecond, cfg.Routing.TableMinInterval())
	assert.False(t, cfg.GeocoderEnabled())
	assert.True(t, cfg.QueueEnabled())
	assert.Equal(t, 15*time.Second, cfg.Queue.JobTimeout(), "invalid numbers keep the default")
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geo.yaml")
	body := []byte("routing:\n  url: http://osrm:5000\n  maxSegmentKm: 50\nqueue:\n  backend: memory\ncache:\n  ttlSec: 30\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	t.Setenv("GEO_CONFIG_FILE", path)
	t.Setenv("ROUTING_URL", "http://override:5000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://override:5000", cfg.Routing.URL)
	assert.InDelta(t, 50000.0, cfg.Routing.MaxSegmentMeters(), 0.001)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL())
	assert.True(t, cfg.QueueEnabled())
	assert.True(t, cfg.InProcessWorkers())
	assert.Equal(t, "driving", cfg.Routing.Profile, "unset yaml keys keep defaults")
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Cache.Backend = "postgres"
	cfg.Queue.Backend = "kafka"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "kafka")
}

func TestValidatePrecisionRange(t *testing.T) {
	for _, p := range []int{0, -1, 11} {
		cfg := Defaults()
		cfg.Routing.Precision = p
		err := cfg.Validate()
		require.Error(t, err, "precision %d", p)
		assert.Contains(t, err.Error(), "[1,10] decimals")
	}
	cfg := Defaults()
	cfg.Routing.Precision = 1
	assert.NoError(t, cfg.Validate())
}

func TestTableMinIntervalZeroTurnsSpacingOff(t *testing.T) {
	r := Routing{TableMinIntervalMs: 0}
	assert.True(t, r.TableMinInterval() < 0)
	r.TableMinIntervalMs = 250
	assert.Equal(t, 250*time.Millisecond, r.TableMinInterval())
}

func TestQueueExplicitlyDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.RedisURL = "redis://localhost:6379"
	off := false
	cfg.Queue.Enabled = &off
	assert.False(t, cfg.QueueEnabled())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Defaults()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	log := cfg.NewLogger(&buf)
	log.Info("dropped")
	log.Warn("kept", "queue", "routing")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec), buf.String())
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "routing", rec["queue"])
}
