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
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "stepflow:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 5*time.Minute, cfg.Runner.DefaultWorkerTimeout)
	assert.False(t, cfg.Runner.StrictState)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stepflow.yaml")
	content := `
server:
  http_port: 9000
runner:
  max_parallel: 4
  run_timeout: 2m
  strict_state: true
redis:
  enabled: true
  addr: redis.internal:6379
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 4, cfg.Runner.MaxParallel)
	assert.Equal(t, 2*time.Minute, cfg.Runner.RunTimeout)
	assert.True(t, cfg.Runner.StrictState)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/stepflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STEPFLOW_SERVER_HTTP_PORT", "7070")
	t.Setenv("STEPFLOW_RUNNER_RUN_TIMEOUT", "90s")
	t.Setenv("STEPFLOW_RUNNER_STRICT_STATE", "true")
	t.Setenv("STEPFLOW_DATABASE_DRIVER", "postgres")
	t.Setenv("STEPFLOW_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 90*time.Second, cfg.Runner.RunTimeout)
	assert.True(t, cfg.Runner.StrictState)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0o600))

	t.Setenv("STEPFLOW_SERVER_HTTP_PORT", "7070")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.HTTPPort, "env wins over file")
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_LOG_LEVEL", "warn")
	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidatorRejects(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			c.Server.HTTPPort = -1
			return c.Validate()
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "flow", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=flow sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "flow"}
	assert.Equal(t, "u:p@tcp(db:3306)/flow?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "flow.db"}
	assert.Equal(t, "flow.db", lite.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, unknown.DSN())
}
