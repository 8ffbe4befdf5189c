// Package config loads the coordination layer's settings from defaults, an
// optional YAML file, COORD_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/yirzhou/coord"
	"golang.org/x/time/rate"
)

// EnvPrefix prefixes every environment variable read by Load.
// COORD_REDIS_HOST maps to redis.host.
const EnvPrefix = "COORD_"

// EnvDevelopment is the only environment in which a missing store password is allowed.
const EnvDevelopment = "development"

// Metadata drivers.
const (
	DriverNone    = "none"
	DriverBedrock = "bedrock"
	DriverSQLite  = "sqlite"
)

// Config is the merged configuration.
type Config struct {
	Env      string         `koanf:"env"`
	Log      LogConfig      `koanf:"log"`
	Redis    RedisConfig    `koanf:"redis"`
	Queues   QueuesConfig   `koanf:"queues"`
	Mutex    MutexConfig    `koanf:"mutex"`
	Cache    CacheConfig    `koanf:"cache"`
	Worker   WorkerConfig   `koanf:"worker"`
	Metadata MetadataConfig `koanf:"metadata"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or text
}

type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	PoolSize int    `koanf:"poolsize"`
}

type QueuesConfig struct {
	Names []string `koanf:"names"`
}

type MutexConfig struct {
	Timeout    time.Duration `koanf:"timeout"`
	RetryDelay time.Duration `koanf:"retrydelay"`
	MaxRetries int           `koanf:"maxretries"`
}

type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type WorkerConfig struct {
	Concurrency  int           `koanf:"concurrency"`
	PollInterval time.Duration `koanf:"pollinterval"`
	RateLimit    float64       `koanf:"ratelimit"` // jobs per second, 0 for unlimited
}

type MetadataConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the baseline configuration.
func Default() Config {
	lock := coord.DefaultLockOptions()
	return Config{
		Env:    "production",
		Log:    LogConfig{Level: "info", Format: "text"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Queues: QueuesConfig{Names: []string{"default"}},
		Mutex: MutexConfig{
			Timeout:    lock.Timeout,
			RetryDelay: lock.RetryDelay,
			MaxRetries: lock.MaxRetries,
		},
		Cache:    CacheConfig{TTL: time.Hour},
		Worker:   WorkerConfig{Concurrency: 1, PollInterval: time.Second},
		Metadata: MetadataConfig{Driver: DriverNone},
		Metrics:  MetricsConfig{Addr: ":9090"},
	}
}

func defaultsMap() map[string]any {
	def := Default()
	return map[string]any{
		"env": def.Env,

		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,

		"redis.host":     def.Redis.Host,
		"redis.port":     def.Redis.Port,
		"redis.username": def.Redis.Username,
		"redis.password": def.Redis.Password,
		"redis.db":       def.Redis.DB,
		"redis.poolsize": def.Redis.PoolSize,

		"queues.names": def.Queues.Names,

		"mutex.timeout":    def.Mutex.Timeout.String(),
		"mutex.retrydelay": def.Mutex.RetryDelay.String(),
		"mutex.maxretries": def.Mutex.MaxRetries,

		"cache.ttl": def.Cache.TTL.String(),

		"worker.concurrency":  def.Worker.Concurrency,
		"worker.pollinterval": def.Worker.PollInterval.String(),
		"worker.ratelimit":    def.Worker.RateLimit,

		"metadata.driver": def.Metadata.Driver,
		"metadata.path":   def.Metadata.Path,

		"metrics.addr": def.Metrics.Addr,
	}
}

// Load merges, lowest to highest precedence: defaults, the YAML file at path
// (skipped when path is empty), COORD_* environment variables, then overrides
// (typically the flags the user set explicitly). The result is validated.
func Load(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("%w: config file: %v", coord.ErrConfig, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	// Environment variables and flags carry lists as comma separated strings.
	if names, ok := k.Get("queues.names").(string); ok {
		if err := k.Set("queues.names", splitList(names)); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", coord.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps COORD_REDIS_HOST to redis.host.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Development reports whether the process runs in the development environment.
func (c Config) Development() bool {
	return c.Env == EnvDevelopment
}

// Validate reports every configuration error at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("%w: log format %q must be json or text", coord.ErrConfig, c.Log.Format))
	}
	if err := c.StoreConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Queues.Names) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one queue name is required", coord.ErrConfig))
	}
	if c.Mutex.Timeout < time.Millisecond {
		errs = append(errs, fmt.Errorf("%w: mutex timeout must be >= 1ms", coord.ErrConfig))
	}
	if c.Mutex.RetryDelay < 0 || c.Mutex.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: mutex retry delay and max retries must not be negative", coord.ErrConfig))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("%w: cache ttl must not be negative", coord.ErrConfig))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: worker concurrency must be >= 1", coord.ErrConfig))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: worker poll interval must be positive", coord.ErrConfig))
	}
	if c.Worker.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: worker rate limit must not be negative", coord.ErrConfig))
	}
	switch c.Metadata.Driver {
	case DriverNone:
	case DriverBedrock, DriverSQLite:
		if c.Metadata.Path == "" {
			errs = append(errs, fmt.Errorf("%w: metadata driver %q needs a path", coord.ErrConfig, c.Metadata.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown metadata driver %q", coord.ErrConfig, c.Metadata.Driver))
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w: log level %q", coord.ErrConfig, c.Log.Level)
	}
	return level, nil
}

// StoreConfig returns the backing store settings.
func (c Config) StoreConfig() coord.StoreConfig {
	return coord.StoreConfig{
		Host:        c.Redis.Host,
		Port:        c.Redis.Port,
		Username:    c.Redis.Username,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		Development: c.Development(),
	}
}

// LockOptions returns the mutex defaults.
func (c Config) LockOptions() coord.LockOptions {
	return coord.LockOptions{
		Timeout:    c.Mutex.Timeout,
		RetryDelay: c.Mutex.RetryDelay,
		MaxRetries: c.Mutex.MaxRetries,
	}
}

// WorkerOpts returns the worker settings as options for coord.NewWorker.
// A zero rate limit leaves the worker unthrottled; otherwise the burst is the
// per-second rate rounded up.
func (c Config) WorkerOpts() []coord.Opt {
	opt := []coord.Opt{
		coord.WithConcurrency(c.Worker.Concurrency),
		coord.WithPollInterval(c.Worker.PollInterval),
	}
	if c.Worker.RateLimit > 0 {
		burst := max(1, int(math.Ceil(c.Worker.RateLimit)))
		opt = append(opt, coord.WithRateLimit(rate.Limit(c.Worker.RateLimit), burst))
	}
	return opt
}
