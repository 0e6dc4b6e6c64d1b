package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.Call.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, int64(4096), cfg.WS.ReadLimit)
	assert.Equal(t, 54*time.Second, cfg.WS.PingPeriod)
	assert.Equal(t, "https://api.videosdk.live", cfg.Conferencing.Endpoint)
}

func TestLoadFileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.test.yaml")
	yaml := "addr: \":9000\"\ncall:\n  timeout: 5s\njwt:\n  secret: from-file\n"
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	t.Setenv("NAVI_JWT_SECRET", "from-env")
	t.Setenv("NAVI_DATABASE_DSN", "postgres://localhost/navi")

	cfg, err := LoadFile(file)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.Call.Timeout)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, "postgres://localhost/navi", cfg.Database.DSN)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
	assert.Contains(t, err.Error(), "jwt.secret")

	cfg.Database.DSN = "postgres://x"
	cfg.JWT.Secret = "s"
	cfg.WS.PingPeriod = cfg.WS.PongWait
	assert.ErrorContains(t, cfg.Validate(), "ping_period")
}
