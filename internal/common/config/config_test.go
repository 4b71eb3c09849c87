package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("X_A", "va")
	in := []byte("a: ${X_A:da}\nb: ${X_B:db}")
	out := resolveEnv(in)
	assert.Contains(t, string(out), "a: va")
	assert.Contains(t, string(out), "b: db")
}

func TestLoadConfig_APIServer(t *testing.T) {
	tmp := t.TempDir()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	_ = os.Chdir(tmp)

	t.Setenv("X_JWT_SECRET", "from-env-secret")
	yaml := `
mode: development
port: 8080
database:
  type: sqlite
  dbname: ./data/chatgate.db
jwt:
  secret_key: ${X_JWT_SECRET:fallback}
  duration: 2h
crypto:
  secret: ${X_CRYPTO_SECRET:}
quota:
  default_limit_type: token
  default_limit_period: daily
  default_token_limit: 5000
ratelimit:
  requests_per_minute: 30
`
	file := filepath.Join(tmp, "apiserver.yaml")
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, path, err := LoadConfig("apiserver.yaml")
	require.NoError(t, err)
	realFile, _ := filepath.EvalSymlinks(file)
	realPath, _ := filepath.EvalSymlinks(path)
	assert.Equal(t, realFile, realPath)

	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "from-env-secret", cfg.JWT.SecretKey)
	assert.Equal(t, 2*time.Hour, cfg.JWT.Duration)
	assert.Equal(t, "", cfg.Crypto.Secret)
	assert.Equal(t, "token", cfg.Quota.DefaultLimitType)
	assert.Equal(t, int64(5000), cfg.Quota.DefaultTokenLimit)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "chatgate:rl", cfg.RateLimit.Redis.Prefix)
}

func TestLoadConfig_InvalidRejected(t *testing.T) {
	tmp := t.TempDir()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	_ = os.Chdir(tmp)

	require.NoError(t, os.WriteFile(filepath.Join(tmp, "apiserver.yaml"), []byte("mode: production\n"), 0o644))
	_, _, err := LoadConfig("apiserver.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
