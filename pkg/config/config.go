package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. FPCOLLECT_STORAGE_BACKEND
const EnvPrefix = "FPCOLLECT"

// Server defaults
const (
	DefaultAddr          = ":8080"
	DefaultReadTimeout   = 15 * time.Second
	DefaultWriteTimeout  = 60 * time.Second
	DefaultSessionCookie = "session"
	ShutdownTimeout      = 10 * time.Second
)

// Storage defaults
const (
	DefaultBackend      = "badger"
	DefaultDataDir      = "./data"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultSQLitePath   = "./data/fpcollect.db"
)

// Admission defaults
const (
	DefaultAdmissionWindow = 1 * time.Hour
	DefaultBurstCeiling    = 20
	DefaultFlagCeiling     = 10
)

// Ingest limits
const (
	DefaultMaxBodyBytes  = 500000
	DefaultQueryRate     = 2.0
	DefaultQueryBurst    = 4
	IngestTimeout        = 5 * time.Second
	IngestStatsTimeout   = 5 * time.Second
	DefaultValuesCache   = 65536
	BadgerGCInterval     = 10 * time.Minute
	StorageCheckInterval = 1 * time.Minute
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the full runtime configuration
type Config struct {
	Server    Server    `mapstructure:"server"`
	Storage   Storage   `mapstructure:"storage"`
	Admission Admission `mapstructure:"admission"`
	Ingest    Ingest    `mapstructure:"ingest"`
	Aggregate Aggregate `mapstructure:"aggregate"`
	Values    Values    `mapstructure:"values"`
	Log       Log       `mapstructure:"log"`
}

// Server configures the HTTP listener
type Server struct {
	Addr          string        `mapstructure:"addr"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	StaticDir     string        `mapstructure:"static_dir"`
	SessionCookie string        `mapstructure:"session_cookie"`
}

// Storage selects and tunes the persistent store
type Storage struct {
	Backend      string `mapstructure:"backend"`
	DataDir      string `mapstructure:"data_dir"`
	MaxMemoryMB  int    `mapstructure:"max_memory_mb"`
	MaxStorageGB int    `mapstructure:"max_storage_gb"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`

	// InternValues stores fingerprints as value ids instead of literals
	InternValues bool `mapstructure:"intern_values"`
}

// Admission is the per-source rate limit policy
type Admission struct {
	Window       time.Duration `mapstructure:"window"`
	BurstCeiling int           `mapstructure:"burst_ceiling"`
	FlagCeiling  int           `mapstructure:"flag_ceiling"`
}

// Ingest bounds the submission and query surfaces
type Ingest struct {
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
	QueryRate    float64 `mapstructure:"query_rate"`
	QueryBurst   int     `mapstructure:"query_burst"`
	ParseWorkers int     `mapstructure:"parse_workers"`
}

// Aggregate tunes compile queries
type Aggregate struct {
	Workers             int  `mapstructure:"workers"`
	RecurseListMappings bool `mapstructure:"recurse_list_mappings"`
}

// Values sizes the value id cache
type Values struct {
	CacheSize int `mapstructure:"cache_size"`
}

// Log configures zap and optional file rotation
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.read_timeout", DefaultReadTimeout)
	v.SetDefault("server.write_timeout", DefaultWriteTimeout)
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.session_cookie", DefaultSessionCookie)

	v.SetDefault("storage.backend", DefaultBackend)
	v.SetDefault("storage.data_dir", DefaultDataDir)
	v.SetDefault("storage.max_memory_mb", DefaultMaxMemoryMB)
	v.SetDefault("storage.max_storage_gb", DefaultMaxStorageGB)
	v.SetDefault("storage.sqlite_path", DefaultSQLitePath)
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.intern_values", false)

	v.SetDefault("admission.window", DefaultAdmissionWindow)
	v.SetDefault("admission.burst_ceiling", DefaultBurstCeiling)
	v.SetDefault("admission.flag_ceiling", DefaultFlagCeiling)

	v.SetDefault("ingest.max_body_bytes", DefaultMaxBodyBytes)
	v.SetDefault("ingest.query_rate", DefaultQueryRate)
	v.SetDefault("ingest.query_burst", DefaultQueryBurst)
	v.SetDefault("ingest.parse_workers", 0)

	v.SetDefault("aggregate.workers", 0)
	v.SetDefault("aggregate.recurse_list_mappings", false)

	v.SetDefault("values.cache_size", DefaultValuesCache)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// NewViper returns a viper instance with defaults and env binding
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration
func Default() *Config {
	cfg, err := FromViper(NewViper())
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// Load reads an optional config file on top of defaults and environment
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendMemory, BackendBadger, BackendSQLite:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, badger, sqlite, postgres", c.Storage.Backend))
	}

	if c.Admission.Window <= 0 {
		errs = append(errs, errors.New("admission.window must be positive"))
	}
	if c.Admission.BurstCeiling <= 0 {
		errs = append(errs, errors.New("admission.burst_ceiling must be positive"))
	}
	if c.Admission.FlagCeiling < 0 {
		errs = append(errs, errors.New("admission.flag_ceiling must not be negative"))
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("ingest.max_body_bytes must be positive"))
	}
	if c.Ingest.QueryRate <= 0 || c.Ingest.QueryBurst <= 0 {
		errs = append(errs, errors.New("ingest.query_rate and ingest.query_burst must be positive"))
	}
	if c.Values.CacheSize < 0 {
		errs = append(errs, errors.New("values.cache_size must not be negative"))
	}

	return errors.Join(errs...)
}
