package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/passage/pkg/passage/config"
)

func TestDefaults_Valid(t *testing.T) {
	s := config.Defaults()
	require.NoError(t, s.Validate())

	assert.Equal(t, config.BackendSQLite, s.Store.Backend)
	assert.Equal(t, config.CacheRistretto, s.Cache.Backend)
	assert.Equal(t, "passage:checkpoint:", s.Store.KeyPrefix)
	assert.Equal(t, "@every 1h", s.Retention.Schedule)
}

func TestLoadSettings_MissingFileUsesDefaults(t *testing.T) {
	s, err := config.LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults().Workflow, s.Workflow)
}

func TestLoadSettings_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: memory
  compression: true
  cache_ttl: 10m
cache:
  backend: layered
  remote: natskv
  l1_ttl: 30
retention:
  max_age: 72h
  max_checkpoints: 5
workflow:
  max_steps: 40
  cost_approval_threshold: 2500.5
logging:
  level: debug
`), 0o600))

	t.Setenv("PASSAGE_LOG_LEVEL", "warn")
	t.Setenv("PASSAGE_RETENTION_MAX_CHECKPOINTS", "9")
	t.Setenv("PASSAGE_WORKFLOW_MAX_STEPS", "not-a-number")

	s, err := config.LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, s.Store.Backend)
	assert.True(t, s.Store.Compression)
	assert.Equal(t, 10*time.Minute, s.Store.CacheTTL)
	assert.Equal(t, config.CacheLayered, s.Cache.Backend)
	assert.Equal(t, config.CacheNATSKV, s.Cache.Remote)
	assert.Equal(t, 30*time.Second, s.Cache.L1TTL)
	assert.Equal(t, 72*time.Hour, s.Retention.MaxAge)
	assert.Equal(t, 9, s.Retention.MaxCheckpoints)
	assert.Equal(t, 40, s.Workflow.MaxSteps)
	assert.Equal(t, 2500.5, s.Workflow.CostApprovalThreshold)
	assert.Equal(t, "warn", s.Logging.Level)
	assert.Equal(t, "passage", s.Logging.Service)
}

func TestLoadSettings_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o600))

	_, err := config.LoadSettings(path)
	assert.ErrorContains(t, err, "config file")
}

func TestLoadSettings_UnknownSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passage.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"stores": {"backend": "memory"}}`), 0o600))

	_, err := config.LoadSettings(path)
	assert.ErrorContains(t, err, `unknown section "stores"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Settings)
		errMsg string
	}{
		{"unknown backend", func(s *config.Settings) { s.Store.Backend = "mysql" }, "unknown store backend"},
		{"postgres without dsn", func(s *config.Settings) { s.Store.Backend = config.BackendPostgres }, "dsn is required"},
		{"sqlite without path", func(s *config.Settings) { s.Store.SQLitePath = "" }, "sqlite_path is required"},
		{"unknown cache", func(s *config.Settings) { s.Cache.Backend = "memcached" }, "unknown cache backend"},
		{"layered bad remote", func(s *config.Settings) {
			s.Cache.Backend = config.CacheLayered
			s.Cache.Remote = "ristretto"
		}, "cache.remote"},
		{"negative max age", func(s *config.Settings) { s.Retention.MaxAge = -time.Second }, "max_age"},
		{"no schedule", func(s *config.Settings) { s.Retention.Schedule = "" }, "schedule is required"},
		{"zero concurrency", func(s *config.Settings) { s.Retention.Concurrency = 0 }, "concurrency"},
		{"zero max steps", func(s *config.Settings) { s.Workflow.MaxSteps = 0 }, "max_steps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.Defaults()
			tt.mutate(&s)
			assert.ErrorContains(t, s.Validate(), tt.errMsg)
		})
	}

	t.Run("postgres with dsn", func(t *testing.T) {
		s := config.Defaults()
		s.Store.Backend = config.BackendPostgres
		s.Store.Postgres.DSN = "postgres://localhost/passage"
		assert.NoError(t, s.Validate())
	})
}
