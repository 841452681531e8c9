package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabConfig.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
running:
  port: 9000
redis:
  addrs: ["10.0.0.1:6379", "10.0.0.2:6379"]
share:
  server_url: https://share.internal
  sync_interval: 5s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Running.Port)
	assert.Equal(t, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "https://share.internal", cfg.Share.ServerURL)
	assert.Equal(t, 5*time.Second, cfg.Share.SyncInterval)
	// 未出现在文件里的键使用默认值
	assert.Equal(t, 10*time.Second, cfg.Share.RequestTimeout)
	assert.Equal(t, "session-ops", cfg.Kafka.Topic)
	assert.Equal(t, 600*time.Second, cfg.Redis.PresenceTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabConfig.yaml")
	require.NoError(t, os.WriteFile(path, []byte("share:\n  server_url: http://from-file\n"), 0o600))
	t.Setenv("TERMCOLLAB_SHARE_SERVER_URL", "http://from-env")
	t.Setenv("TERMCOLLAB_RUNNING_PORT", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env", cfg.Share.ServerURL)
	assert.Equal(t, 7000, cfg.Running.Port)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Running.Port)
	assert.Equal(t, time.Second, cfg.Sync.Interval)
	assert.Equal(t, "dev-secret", cfg.Auth.Secret)
}
