package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// FileEnv names an optional TOML file whose values act as defaults for the
// BOARDSYNC_* environment. A key `heartbeat` in table `[stream]` is read as
// BOARDSYNC_STREAM_HEARTBEAT. The environment wins over the file.
const FileEnv = "BOARDSYNC_CONFIG_FILE"

// Blob and counter backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendRedis    = "redis"
	BackendNATS     = "nats"

	RelayNone  = "none"
	RelayRedis = "redis"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Stream   StreamConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	S3       S3Config
	Events   EventsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string

	// RateLimitRPS and RateLimitBurst bound mutating requests per client IP.
	RateLimitRPS   float64
	RateLimitBurst int
}

// StoreConfig selects the board's collaborators.
type StoreConfig struct {
	Staleness time.Duration
	Blob      string
	Counter   string
	KeyPrefix string
}

// StreamConfig holds push-connection timing.
type StreamConfig struct {
	Heartbeat      time.Duration
	Lifetime       time.Duration
	WriteTimeout   time.Duration
	Buffer         int
	OriginPatterns []string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
	Prefix   string
}

// NATSConfig holds JetStream key-value settings for the version counter.
type NATSConfig struct {
	URLs         []string
	Bucket       string
	Key          string
	CreateBucket bool
}

// S3Config holds object storage settings for board snapshots.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
}

// EventsConfig selects the cross-instance relay.
type EventsConfig struct {
	Relay      string
	InstanceID string
}

// Load reads configuration from the optional TOML file and environment
// variables. Defaults run the whole system in memory on :8080.
func Load() (*Config, error) {
	src, err := newSource(os.Getenv(FileEnv))
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	var errs []error
	intv := func(key string, fallback int) int {
		n, err := src.int(key, fallback)
		errs = append(errs, err)
		return n
	}
	boolv := func(key string, fallback bool) bool {
		b, err := src.bool(key, fallback)
		errs = append(errs, err)
		return b
	}
	floatv := func(key string, fallback float64) float64 {
		f, err := src.float(key, fallback)
		errs = append(errs, err)
		return f
	}
	dur := func(key string, fallback time.Duration) time.Duration {
		d, err := src.duration(key, fallback)
		errs = append(errs, err)
		return d
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:           src.str("BOARDSYNC_SERVER_ADDR", ":8080"),
			ReadTimeout:    dur("BOARDSYNC_SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   dur("BOARDSYNC_SERVER_WRITE_TIMEOUT", 30*time.Second),
			CORSOrigins:    src.list("BOARDSYNC_SERVER_CORS_ORIGINS", []string{"*"}),
			RateLimitRPS:   floatv("BOARDSYNC_SERVER_RATE_LIMIT_RPS", 10),
			RateLimitBurst: intv("BOARDSYNC_SERVER_RATE_LIMIT_BURST", 20),
		},
		Store: StoreConfig{
			Staleness: dur("BOARDSYNC_STORE_STALENESS", 30*time.Second),
			Blob:      src.str("BOARDSYNC_STORE_BLOB", BackendMemory),
			Counter:   src.str("BOARDSYNC_STORE_COUNTER", BackendMemory),
			KeyPrefix: src.str("BOARDSYNC_STORE_KEY_PREFIX", "board-state-"),
		},
		Stream: StreamConfig{
			Heartbeat:      dur("BOARDSYNC_STREAM_HEARTBEAT", 20*time.Second),
			Lifetime:       dur("BOARDSYNC_STREAM_LIFETIME", 25*time.Second),
			WriteTimeout:   dur("BOARDSYNC_STREAM_WRITE_TIMEOUT", 10*time.Second),
			Buffer:         intv("BOARDSYNC_STREAM_BUFFER", 16),
			OriginPatterns: src.list("BOARDSYNC_STREAM_ORIGIN_PATTERNS", nil),
		},
		Database: DatabaseConfig{
			Host:     src.str("BOARDSYNC_DB_HOST", "localhost"),
			Port:     intv("BOARDSYNC_DB_PORT", 5432),
			User:     src.str("BOARDSYNC_DB_USER", "boardsync"),
			Password: src.str("BOARDSYNC_DB_PASSWORD", ""),
			DBName:   src.str("BOARDSYNC_DB_NAME", "boardsync"),
			SSLMode:  src.str("BOARDSYNC_DB_SSLMODE", "disable"),
			MaxConns: intv("BOARDSYNC_DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     src.str("BOARDSYNC_REDIS_ADDR", "localhost:6379"),
			Password: src.str("BOARDSYNC_REDIS_PASSWORD", ""),
			DB:       intv("BOARDSYNC_REDIS_DB", 0),
			Prefix:   src.str("BOARDSYNC_REDIS_PREFIX", "boardsync"),
		},
		NATS: NATSConfig{
			URLs:         src.list("BOARDSYNC_NATS_URLS", []string{"nats://127.0.0.1:4222"}),
			Bucket:       src.str("BOARDSYNC_NATS_BUCKET", "boardsync"),
			Key:          src.str("BOARDSYNC_NATS_KEY", "board-version"),
			CreateBucket: boolv("BOARDSYNC_NATS_CREATE_BUCKET", true),
		},
		S3: S3Config{
			Bucket:    src.str("BOARDSYNC_S3_BUCKET", ""),
			Region:    src.str("BOARDSYNC_S3_REGION", "us-east-1"),
			Endpoint:  src.str("BOARDSYNC_S3_ENDPOINT", ""),
			PathStyle: boolv("BOARDSYNC_S3_PATH_STYLE", false),
			Prefix:    src.str("BOARDSYNC_S3_PREFIX", ""),
		},
		Events: EventsConfig{
			Relay:      src.str("BOARDSYNC_EVENTS_RELAY", RelayNone),
			InstanceID: src.str("BOARDSYNC_EVENTS_INSTANCE_ID", ""),
		},
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks backend names, backend-specific settings and timing bounds.
func (c *Config) validate() error {
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("BOARDSYNC_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("BOARDSYNC_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("BOARDSYNC_SERVER_RATE_LIMIT_RPS must be positive, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("BOARDSYNC_SERVER_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}

	if c.Store.Staleness <= 0 {
		return fmt.Errorf("BOARDSYNC_STORE_STALENESS must be positive, got %s", c.Store.Staleness)
	}

	// A stream must heartbeat at least once before it rotates, and rotate
	// before the HTTP server's write deadline cuts it off.
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("BOARDSYNC_STREAM_HEARTBEAT must be positive, got %s", c.Stream.Heartbeat)
	}
	if c.Stream.Lifetime <= c.Stream.Heartbeat {
		return fmt.Errorf("BOARDSYNC_STREAM_LIFETIME (%s) must exceed BOARDSYNC_STREAM_HEARTBEAT (%s)", c.Stream.Lifetime, c.Stream.Heartbeat)
	}
	if c.Server.WriteTimeout <= c.Stream.Lifetime {
		return fmt.Errorf("BOARDSYNC_SERVER_WRITE_TIMEOUT (%s) must exceed BOARDSYNC_STREAM_LIFETIME (%s)", c.Server.WriteTimeout, c.Stream.Lifetime)
	}
	if c.Stream.WriteTimeout <= 0 {
		return fmt.Errorf("BOARDSYNC_STREAM_WRITE_TIMEOUT must be positive, got %s", c.Stream.WriteTimeout)
	}
	if c.Stream.Buffer < 1 {
		return fmt.Errorf("BOARDSYNC_STREAM_BUFFER must be >= 1, got %d", c.Stream.Buffer)
	}

	switch c.Store.Blob {
	case BackendMemory:
	case BackendPostgres:
		if err := c.Database.validate(); err != nil {
			return err
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.New("BOARDSYNC_S3_BUCKET is required when BOARDSYNC_STORE_BLOB=s3")
		}
	default:
		return fmt.Errorf("BOARDSYNC_STORE_BLOB must be one of memory, postgres, s3; got %q", c.Store.Blob)
	}

	switch c.Store.Counter {
	case BackendMemory, BackendRedis:
	case BackendNATS:
		if len(c.NATS.URLs) == 0 {
			return errors.New("BOARDSYNC_NATS_URLS is required when BOARDSYNC_STORE_COUNTER=nats")
		}
		if strings.TrimSpace(c.NATS.Bucket) == "" {
			return errors.New("BOARDSYNC_NATS_BUCKET is required when BOARDSYNC_STORE_COUNTER=nats")
		}
	default:
		return fmt.Errorf("BOARDSYNC_STORE_COUNTER must be one of memory, redis, nats; got %q", c.Store.Counter)
	}

	if !slices.Contains([]string{RelayNone, RelayRedis}, c.Events.Relay) {
		return fmt.Errorf("BOARDSYNC_EVENTS_RELAY must be one of none, redis; got %q", c.Events.Relay)
	}

	// A process-local counter or blob store cannot be shared, so the relay
	// would announce versions other instances never see.
	if c.Events.Relay == RelayRedis && (c.Store.Blob == BackendMemory || c.Store.Counter == BackendMemory) {
		log.Warn().Msg("BOARDSYNC_EVENTS_RELAY=redis with an in-memory store; instances will not share board state")
	}

	return nil
}

func (c *DatabaseConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BOARDSYNC_DB_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("BOARDSYNC_DB_MAX_CONNS must be >= 1, got %d", c.MaxConns)
	}
	if c.SSLMode == "disable" && c.Host != "localhost" && c.Host != "127.0.0.1" {
		log.Warn().Msg("BOARDSYNC_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		return source{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	file := make(map[string]string)
	if err := flatten(file, "BOARDSYNC", tree); err != nil {
		return source{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return source{file: file}, nil
}

// flatten maps nested TOML tables onto environment-style keys.
func flatten(out map[string]string, prefix string, tree map[string]any) error {
	for k, v := range tree {
		key := prefix + "_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		switch val := v.(type) {
		case map[string]any:
			if err := flatten(out, key, val); err != nil {
				return err
			}
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case string:
			out[key] = val
		case int64, float64, bool:
			out[key] = fmt.Sprint(val)
		default:
			return fmt.Errorf("unsupported value for %s: %T", k, v)
		}
	}
	return nil
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) str(key, fallback string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return fallback
}

func (s source) int(key string, fallback int) (int, error) {
	v := s.lookup(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func (s source) float(key string, fallback float64) (float64, error) {
	v := s.lookup(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func (s source) bool(key string, fallback bool) (bool, error) {
	v := s.lookup(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func (s source) duration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.lookup(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func (s source) list(key string, fallback []string) []string {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
