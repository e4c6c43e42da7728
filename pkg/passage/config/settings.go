package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Cache backends.
const (
	CacheNone      = "none"
	CacheRistretto = "ristretto"
	CacheRedis     = "redis"
	CacheNATSKV    = "natskv"
	CacheLayered   = "layered"
)

// Settings is the full runtime configuration of a passage deployment.
type Settings struct {
	Store     Store
	Cache     Cache
	Retention Retention
	Workflow  Workflow
	Logging   Logging
}

// Store configures the durable checkpoint tier.
type Store struct {
	Backend     string
	SQLitePath  string
	Postgres    Postgres
	Compression bool
	CacheTTL    time.Duration
	KeyPrefix   string
}

// Postgres holds connection pool settings.
type Postgres struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
	Migrate         bool
}

// Cache configures the fast tier.
type Cache struct {
	Backend      string
	MaxCostBytes int64
	RedisAddr    string
	RedisDB      int
	NATSURL      string
	NATSBucket   string
	// Remote selects the L2 of a layered cache: "redis" or "natskv".
	Remote string
	L1TTL  time.Duration
}

// Retention configures the cleanup sweeper.
type Retention struct {
	Enabled        bool
	MaxAge         time.Duration
	MaxCheckpoints int
	Schedule       string
	Concurrency    int
}

// Workflow configures the engine.
type Workflow struct {
	MaxSteps              int
	CostApprovalThreshold float64
}

// Logging configures the process logger.
type Logging struct {
	Level   string
	Format  string
	Service string
}

// Defaults returns settings suitable for a single-process deployment.
func Defaults() Settings {
	return Settings{
		Store: Store{
			Backend:    BackendSQLite,
			SQLitePath: "passage.db",
			Postgres: Postgres{
				MaxConns:        10,
				MinConns:        2,
				MaxConnLifetime: time.Hour,
				MaxConnIdleTime: 10 * time.Minute,
				HealthCheck:     time.Minute,
				Migrate:         true,
			},
			CacheTTL:  time.Hour,
			KeyPrefix: "passage:checkpoint:",
		},
		Cache: Cache{
			Backend:      CacheRistretto,
			MaxCostBytes: 64 << 20,
			RedisAddr:    "localhost:6379",
			NATSURL:      "nats://localhost:4222",
			NATSBucket:   "passage_checkpoints",
			Remote:       CacheRedis,
			L1TTL:        5 * time.Minute,
		},
		Retention: Retention{
			Enabled:        true,
			MaxAge:         30 * 24 * time.Hour,
			MaxCheckpoints: 100,
			Schedule:       "@every 1h",
			Concurrency:    4,
		},
		Workflow: Workflow{
			MaxSteps:              100,
			CostApprovalThreshold: 10000,
		},
		Logging: Logging{
			Level:   "info",
			Format:  "json",
			Service: "passage",
		},
	}
}

// sections are the top-level keys a settings file may contain.
var sections = []string{"store", "cache", "retention", "workflow", "logging"}

// LoadSettings returns settings using the hierarchy: defaults < file < ENV.
// An empty path or a missing file is not an error; an unknown top-level
// section is.
func LoadSettings(path string) (*Settings, error) {
	s := Defaults()

	if path != "" {
		doc, err := ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config file: %w", err)
		default:
			for _, k := range doc.Keys() {
				if !slices.Contains(sections, k) {
					return nil, fmt.Errorf("config file: unknown section %q", k)
				}
			}
			s.apply(doc)
		}
	}

	s.loadEnv()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &s, nil
}

// apply overlays a decoded document onto s. Keys absent from the
// document keep their current value.
func (s *Settings) apply(doc Section) {
	st := &s.Store
	st.Backend = doc.String("store.backend", st.Backend)
	st.SQLitePath = doc.String("store.sqlite_path", st.SQLitePath)
	st.Compression = doc.Bool("store.compression", st.Compression)
	st.CacheTTL = doc.Duration("store.cache_ttl", st.CacheTTL)
	st.KeyPrefix = doc.String("store.key_prefix", st.KeyPrefix)

	pg := &s.Store.Postgres
	pgDoc := doc.Section("store.postgres")
	pg.DSN = pgDoc.String("dsn", pg.DSN)
	pg.MaxConns = int32(pgDoc.Int("max_conns", int(pg.MaxConns)))
	pg.MinConns = int32(pgDoc.Int("min_conns", int(pg.MinConns)))
	pg.MaxConnLifetime = pgDoc.Duration("max_conn_lifetime", pg.MaxConnLifetime)
	pg.MaxConnIdleTime = pgDoc.Duration("max_conn_idle_time", pg.MaxConnIdleTime)
	pg.HealthCheck = pgDoc.Duration("health_check", pg.HealthCheck)
	pg.Migrate = pgDoc.Bool("migrate", pg.Migrate)

	c := &s.Cache
	c.Backend = doc.String("cache.backend", c.Backend)
	c.MaxCostBytes = doc.Int64("cache.max_cost_bytes", c.MaxCostBytes)
	c.RedisAddr = doc.String("cache.redis_addr", c.RedisAddr)
	c.RedisDB = doc.Int("cache.redis_db", c.RedisDB)
	c.NATSURL = doc.String("cache.nats_url", c.NATSURL)
	c.NATSBucket = doc.String("cache.nats_bucket", c.NATSBucket)
	c.Remote = doc.String("cache.remote", c.Remote)
	c.L1TTL = doc.Duration("cache.l1_ttl", c.L1TTL)

	r := &s.Retention
	r.Enabled = doc.Bool("retention.enabled", r.Enabled)
	r.MaxAge = doc.Duration("retention.max_age", r.MaxAge)
	r.MaxCheckpoints = doc.Int("retention.max_checkpoints", r.MaxCheckpoints)
	r.Schedule = doc.String("retention.schedule", r.Schedule)
	r.Concurrency = doc.Int("retention.concurrency", r.Concurrency)

	s.Workflow.MaxSteps = doc.Int("workflow.max_steps", s.Workflow.MaxSteps)
	s.Workflow.CostApprovalThreshold = doc.Float("workflow.cost_approval_threshold", s.Workflow.CostApprovalThreshold)

	s.Logging.Level = doc.String("logging.level", s.Logging.Level)
	s.Logging.Format = doc.String("logging.format", s.Logging.Format)
	s.Logging.Service = doc.String("logging.service", s.Logging.Service)
}

// loadEnv overlays environment variables onto s.
// Only non-empty values override the current settings.
func (s *Settings) loadEnv() {
	setString(&s.Store.Backend, "PASSAGE_STORE_BACKEND")
	setString(&s.Store.SQLitePath, "PASSAGE_SQLITE_PATH")
	setBool(&s.Store.Compression, "PASSAGE_STORE_COMPRESSION")
	setDuration(&s.Store.CacheTTL, "PASSAGE_STORE_CACHE_TTL")
	setString(&s.Store.KeyPrefix, "PASSAGE_STORE_KEY_PREFIX")
	setString(&s.Store.Postgres.DSN, "PASSAGE_POSTGRES_DSN")
	setInt32(&s.Store.Postgres.MaxConns, "PASSAGE_PG_MAX_CONNS")
	setInt32(&s.Store.Postgres.MinConns, "PASSAGE_PG_MIN_CONNS")
	setBool(&s.Store.Postgres.Migrate, "PASSAGE_PG_MIGRATE")

	setString(&s.Cache.Backend, "PASSAGE_CACHE_BACKEND")
	setInt64(&s.Cache.MaxCostBytes, "PASSAGE_CACHE_MAX_COST_BYTES")
	setString(&s.Cache.RedisAddr, "PASSAGE_REDIS_ADDR")
	setInt(&s.Cache.RedisDB, "PASSAGE_REDIS_DB")
	setString(&s.Cache.NATSURL, "PASSAGE_NATS_URL")
	setString(&s.Cache.NATSBucket, "PASSAGE_NATS_BUCKET")
	setString(&s.Cache.Remote, "PASSAGE_CACHE_REMOTE")
	setDuration(&s.Cache.L1TTL, "PASSAGE_CACHE_L1_TTL")

	setBool(&s.Retention.Enabled, "PASSAGE_RETENTION_ENABLED")
	setDuration(&s.Retention.MaxAge, "PASSAGE_RETENTION_MAX_AGE")
	setInt(&s.Retention.MaxCheckpoints, "PASSAGE_RETENTION_MAX_CHECKPOINTS")
	setString(&s.Retention.Schedule, "PASSAGE_RETENTION_SCHEDULE")
	setInt(&s.Retention.Concurrency, "PASSAGE_RETENTION_CONCURRENCY")

	setInt(&s.Workflow.MaxSteps, "PASSAGE_WORKFLOW_MAX_STEPS")
	setFloat64(&s.Workflow.CostApprovalThreshold, "PASSAGE_WORKFLOW_COST_APPROVAL_THRESHOLD")

	setString(&s.Logging.Level, "PASSAGE_LOG_LEVEL")
	setString(&s.Logging.Format, "PASSAGE_LOG_FORMAT")
	setString(&s.Logging.Service, "PASSAGE_LOG_SERVICE")
}

// Validate checks that the settings describe a usable deployment.
func (s *Settings) Validate() error {
	switch s.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if s.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if s.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required for the postgres backend")
		}
		if s.Store.Postgres.MaxConns < 1 {
			return errors.New("store.postgres.max_conns must be >= 1")
		}
		if s.Store.Postgres.MinConns < 0 || s.Store.Postgres.MinConns > s.Store.Postgres.MaxConns {
			return errors.New("store.postgres.min_conns must be between 0 and max_conns")
		}
	default:
		return fmt.Errorf("unknown store backend %q", s.Store.Backend)
	}
	if s.Store.CacheTTL < 0 {
		return errors.New("store.cache_ttl must not be negative")
	}

	switch s.Cache.Backend {
	case CacheNone, CacheRedis, CacheNATSKV:
	case CacheRistretto:
		if s.Cache.MaxCostBytes <= 0 {
			return errors.New("cache.max_cost_bytes must be > 0")
		}
	case CacheLayered:
		if s.Cache.MaxCostBytes <= 0 {
			return errors.New("cache.max_cost_bytes must be > 0")
		}
		if s.Cache.Remote != CacheRedis && s.Cache.Remote != CacheNATSKV {
			return fmt.Errorf("cache.remote must be %q or %q", CacheRedis, CacheNATSKV)
		}
	default:
		return fmt.Errorf("unknown cache backend %q", s.Cache.Backend)
	}

	if s.Retention.MaxAge < 0 {
		return errors.New("retention.max_age must not be negative")
	}
	if s.Retention.MaxCheckpoints < 0 {
		return errors.New("retention.max_checkpoints must not be negative")
	}
	if s.Retention.Enabled && s.Retention.Schedule == "" {
		return errors.New("retention.schedule is required when retention is enabled")
	}
	if s.Retention.Concurrency < 1 {
		return errors.New("retention.concurrency must be >= 1")
	}

	if s.Workflow.MaxSteps < 1 {
		return errors.New("workflow.max_steps must be >= 1")
	}
	if s.Workflow.CostApprovalThreshold < 0 {
		return errors.New("workflow.cost_approval_threshold must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
