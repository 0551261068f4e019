// Package config loads the keystone operator configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Backend drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverS3       = "s3"
	DriverNone     = "none"
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

// Config is the full operator configuration.
type Config struct {
	Backend     BackendConfig     `mapstructure:"backend"`
	SharedCache SharedCacheConfig `mapstructure:"shared_cache"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// BackendConfig selects and parameterizes the authoritative store.
type BackendConfig struct {
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`  // postgres
	Path      string `mapstructure:"path"` // sqlite
	Addr      string `mapstructure:"addr"` // redis
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Bucket    string `mapstructure:"bucket"` // s3
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
	Prefix    string `mapstructure:"prefix"`

	// Lock coordinates S3 commits through the shared cache's Redis, when it is redis.
	Lock bool `mapstructure:"lock"`

	// EncryptionKey is a base64 AES-256 key; when set, payloads are sealed at rest.
	EncryptionKey string   `mapstructure:"encryption_key"`
	FallbackKeys  []string `mapstructure:"fallback_keys"`
}

// SharedCacheConfig selects the process-wide read cache.
type SharedCacheConfig struct {
	Driver   string        `mapstructure:"driver"`
	Size     int           `mapstructure:"size"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`

	// GenerationTTL bounds how long redis keeps counters of idle identities.
	GenerationTTL time.Duration `mapstructure:"generation_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Default returns an in-memory setup.
func Default() Config {
	return Config{
		Backend:     BackendConfig{Driver: DriverMemory, Path: "keystone.db"},
		SharedCache: SharedCacheConfig{Driver: DriverMemory, Size: 10000},
		Log:         LogConfig{Level: "info", Format: "text"},
		Metrics:     MetricsConfig{Enabled: true, Listen: ":8080"},
	}
}

// Load reads path (if not empty) over the defaults, applies KEYSTONE_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("KEYSTONE_BACKEND_DRIVER"); ok {
		cfg.Backend.Driver = v
	}
	if v, ok := os.LookupEnv("KEYSTONE_BACKEND_DSN"); ok {
		cfg.Backend.DSN = v
	}
	if v, ok := os.LookupEnv("KEYSTONE_BACKEND_ENCRYPTION_KEY"); ok {
		cfg.Backend.EncryptionKey = v
	}
	if v, ok := os.LookupEnv("KEYSTONE_SHARED_CACHE_DRIVER"); ok {
		cfg.SharedCache.Driver = v
	}
	if v, ok := os.LookupEnv("KEYSTONE_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("KEYSTONE_METRICS_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: KEYSTONE_METRICS_ENABLED: %v", ErrInvalid, err)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

// Validate rejects unknown drivers and missing required fields.
func (c Config) Validate() error {
	b := c.Backend
	switch b.Driver {
	case DriverMemory:
	case DriverSQLite:
		if b.Path == "" {
			return fmt.Errorf("%w: backend.path required for sqlite", ErrInvalid)
		}
	case DriverPostgres:
		if b.DSN == "" {
			return fmt.Errorf("%w: backend.dsn required for postgres", ErrInvalid)
		}
	case DriverRedis:
		if b.Addr == "" {
			return fmt.Errorf("%w: backend.addr required for redis", ErrInvalid)
		}
	case DriverS3:
		if b.Bucket == "" {
			return fmt.Errorf("%w: backend.bucket required for s3", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend driver %q", ErrInvalid, b.Driver)
	}

	s := c.SharedCache
	switch s.Driver {
	case DriverNone, "":
	case DriverMemory:
		if s.Size <= 0 {
			return fmt.Errorf("%w: shared_cache.size must be positive", ErrInvalid)
		}
	case DriverRedis:
		if s.Addr == "" {
			return fmt.Errorf("%w: shared_cache.addr required for redis", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown shared cache driver %q", ErrInvalid, s.Driver)
	}
	if b.Lock && (b.Driver != DriverS3 || s.Driver != DriverRedis) {
		return fmt.Errorf("%w: backend.lock needs the s3 backend and a redis shared cache", ErrInvalid)
	}
	if b.EncryptionKey == "" && len(b.FallbackKeys) > 0 {
		return fmt.Errorf("%w: backend.fallback_keys needs backend.encryption_key", ErrInvalid)
	}
	if s.TTL < 0 {
		return fmt.Errorf("%w: shared_cache.ttl must not be negative", ErrInvalid)
	}
	if s.GenerationTTL < 0 {
		return fmt.Errorf("%w: shared_cache.generation_ttl must not be negative", ErrInvalid)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}
