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
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadShippedConfig(t *testing.T) {
	// 包目录下的 collabConfig.yaml 通过 "." 搜索路径找到
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8082, cfg.Running.Port)
	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Collab.JoinTimeout)
	assert.Equal(t, 1200*time.Millisecond, cfg.Auth.VerifyTimeout)
	assert.Equal(t, uint64(100), cfg.Collab.SnapshotEvery)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
running:
  port: 9000
store:
  driver: mysql
mysql:
  dsn: "user:pw@tcp(127.0.0.1:3306)/collab?parseTime=true"
collab:
  sessionTimeout: 2m
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Running.Port)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Collab.SessionTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// 没写的键取默认值
	assert.Equal(t, 256, cfg.Collab.QueueSize)
	assert.Equal(t, "jwt", cfg.Auth.Mode)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "running:\n  port: 9000\n")
	t.Setenv("COLLAB_RUNNING_PORT", "9100")
	t.Setenv("COLLAB_AUTH_SECRET", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Running.Port)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "mysql.dsn")

	_, err = Load(writeConfig(t, "store:\n  driver: sqlite\n"))
	assert.ErrorContains(t, err, "unknown store.driver")

	_, err = Load(writeConfig(t, "auth:\n  mode: oauth\n"))
	assert.ErrorContains(t, err, "unknown auth.mode")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
