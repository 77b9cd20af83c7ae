/*
Package config loads productview settings.

SOURCES (later wins):
  1. built-in defaults (Default)
  2. config file: --config path, or productview.{yaml,toml,json} in "."
  3. environment: PRODUCTVIEW_ prefix, dots become underscores
     e.g. resolver.cache_ttl -> PRODUCTVIEW_RESOLVER_CACHE_TTL

An empty redis.addr selects the in-memory mirror and process-local cache,
which is meant for development and tests only.
*/
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/productview/catalog"
)

const EnvPrefix = "PRODUCTVIEW"

type Config struct {
	Durable   DurableConfig   `mapstructure:"durable"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Log       LogConfig       `mapstructure:"log"`
}

type DurableConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ResolverConfig struct {
	QualifyingStatuses []string      `mapstructure:"qualifying_statuses"`
	CacheKey           string        `mapstructure:"cache_key"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	// CacheBackend is "redis" or "local". Empty picks redis when redis.addr is set.
	CacheBackend  string        `mapstructure:"cache_backend"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
}

type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Strategy string        `mapstructure:"strategy"`
}

type VerifyConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	SampleSize int           `mapstructure:"sample_size"`
	Seed       uint64        `mapstructure:"seed"`
}

type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Durable: DurableConfig{Path: "productview.db"},
		Redis:   RedisConfig{KeyPrefix: "productview"},
		Resolver: ResolverConfig{
			QualifyingStatuses: []string{string(catalog.StatusCompleted)},
			CacheKey:           "active-products",
			CacheTTL:           60 * time.Second,
			HealthTimeout:      250 * time.Millisecond,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: time.Hour,
			Strategy: "swap",
		},
		Ops: OpsConfig{Addr: ":8080"},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from path (optional), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("productview")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if s := v.GetString("resolver.qualifying_statuses"); s != "" && !strings.HasPrefix(s, "[") {
		// Env values arrive as one comma-separated string.
		cfg.Resolver.QualifyingStatuses = splitList(s)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Durable.Path == "" {
		problems = append(problems, "durable.path is required")
	}
	for _, s := range c.Resolver.QualifyingStatuses {
		if !knownStatus(catalog.Status(s)) {
			problems = append(problems, fmt.Sprintf("resolver.qualifying_statuses: unknown status %q", s))
		}
	}
	if c.Resolver.CacheTTL < 0 {
		problems = append(problems, "resolver.cache_ttl must not be negative")
	}
	switch c.Resolver.CacheBackend {
	case "", "local":
	case "redis":
		if c.Redis.Addr == "" {
			problems = append(problems, "resolver.cache_backend=redis requires redis.addr")
		}
	default:
		problems = append(problems, fmt.Sprintf("resolver.cache_backend: unknown backend %q", c.Resolver.CacheBackend))
	}
	if c.Resolver.HealthTimeout <= 0 {
		problems = append(problems, "resolver.health_timeout must be positive")
	}
	if c.Reconcile.Interval <= 0 {
		problems = append(problems, "reconcile.interval must be positive")
	}
	switch c.Reconcile.Strategy {
	case "", "swap", "prune":
	default:
		problems = append(problems, fmt.Sprintf("reconcile.strategy: unknown strategy %q", c.Reconcile.Strategy))
	}
	if c.Verify.Interval < 0 || c.Verify.SampleSize < 0 {
		problems = append(problems, "verify.interval and verify.sample_size must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format: unknown format %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// StatusSet converts the configured qualifying statuses. An explicitly empty
// list yields an empty set, which qualifies nothing.
func (c *Config) StatusSet() catalog.StatusSet {
	statuses := make([]catalog.Status, len(c.Resolver.QualifyingStatuses))
	for i, s := range c.Resolver.QualifyingStatuses {
		statuses[i] = catalog.Status(s)
	}
	return catalog.NewStatusSet(statuses...)
}

// UseRedisCache reports whether the result cache should live in Redis.
func (c *Config) UseRedisCache() bool {
	switch c.Resolver.CacheBackend {
	case "redis":
		return true
	case "local":
		return false
	}
	return c.Redis.Addr != ""
}

func knownStatus(s catalog.Status) bool {
	switch s {
	case catalog.StatusPending, catalog.StatusProcessing, catalog.StatusCompleted, catalog.StatusCancelled:
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
