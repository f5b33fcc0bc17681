package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-realtime/internal/fanout"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

const sampleConfig = `
server:
  listen: ":9000"
  workerId: "w-file"
  readTimeout: 90s
  pingInterval: 30s
  allowedAttributes: [userId, nickname]
bus:
  driver: redis
  redis:
    addr: "10.0.0.1:6379"
reaper:
  maxIdle: 2m
log:
  level: debug
logging:
  bus:
    level: warn
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, _, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, fanout.DriverMemory, cfg.Bus.Driver)
	assert.Equal(t, fanout.DefaultPrefix, cfg.Bus.Prefix)
	assert.True(t, cfg.Server.ClientList)
	assert.True(t, cfg.Reaper.Enabled)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("REALTIME_WORKER_ID", "w-env")
	t.Setenv("REALTIME_REDIS_PASSWORD", "pw")
	t.Setenv("REALTIME_ETCD_ENDPOINTS", "a:2379,b:2379")

	cfg, raw, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "w-env", cfg.Server.WorkerID)
	assert.Equal(t, 90*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"userId", "nickname"}, cfg.Server.AllowedAttributes)
	assert.Equal(t, fanout.DriverRedis, cfg.Bus.Driver)
	assert.Equal(t, "10.0.0.1:6379", cfg.Bus.Redis.Addr)
	assert.Equal(t, "pw", cfg.Bus.Redis.Password)
	assert.Equal(t, fanout.DefaultPrefix, cfg.Bus.Prefix)
	assert.Equal(t, 2*time.Minute, cfg.Reaper.MaxIdle)
	assert.Equal(t, 30*time.Second, cfg.Reaper.CheckInterval)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, raw.IsSet("logging"))
}

func TestLoadConfigInvalid(t *testing.T) {
	_, _, err := LoadConfig(writeConfig(t, "auth:\n  required: true\n"))
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	_, _, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "flag.yaml", ResolveConfigPath("flag.yaml"))
	t.Setenv(ConfigPathEnv, "env.yaml")
	assert.Equal(t, "env.yaml", ResolveConfigPath(""))
}

func TestApplicationInit(t *testing.T) {
	app := New(writeConfig(t, sampleConfig))
	require.NoError(t, app.Init())
	assert.Equal(t, "w-file", app.Config().Server.WorkerID)
	assert.NotNil(t, app.Logger("bus"))
	assert.NotNil(t, app.Logger("unknown"))
}
