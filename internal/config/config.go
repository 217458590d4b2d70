// Package config loads tether's settings with viper.
//
// Precedence, highest first: flags bound with BindFlags, TETHER_* environment
// variables (dots become underscores, so cache.default_ttl is read from
// TETHER_CACHE_DEFAULT_TTL), the config file, then the defaults below.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TETHER"

// Config is the decoded, effective configuration.
type Config struct {
	DB       DBConfig       `mapstructure:"db"`
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Batcher  BatcherConfig  `mapstructure:"batcher"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Netwatch NetwatchConfig `mapstructure:"netwatch"`
	Log      LogConfig      `mapstructure:"log"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	URL  string `mapstructure:"url"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type EngineConfig struct {
	MarkerInterval time.Duration `mapstructure:"marker_interval"`
}

type BatcherConfig struct {
	Delay          time.Duration `mapstructure:"delay"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	MaxRedrives    int           `mapstructure:"max_redrives"`
	RedriveBackoff float64       `mapstructure:"redrive_backoff"`
}

type OutboxConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

type NetwatchConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var defaults = map[string]any{
	"db.path":                 ".tether/tether.db",
	"server.port":             7070,
	"server.url":              "",
	"cache.default_ttl":       30 * time.Second,
	"cache.sweep_interval":    time.Minute,
	"engine.marker_interval":  10 * time.Second,
	"batcher.delay":           time.Second,
	"batcher.max_batch_size":  50,
	"batcher.max_redrives":    3,
	"batcher.redrive_backoff": 2.0,
	"outbox.max_retries":      3,
	"outbox.drain_interval":   30 * time.Second,
	"netwatch.dir":            ".tether",
	"log.file":                "",
	"log.max_size_mb":         10,
	"log.max_backups":         3,
	"log.max_age_days":        7,
	"log.compress":            true,
}

// Keys returns every known key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvVar returns the environment variable overriding key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// New returns a viper instance carrying the defaults and the environment
// binding, with no file loaded.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load returns a viper instance with the config file merged in.
//
// An explicit path must exist. With an empty path, tether.yaml, tether.yml
// and tether.toml are looked up in the working directory and in .tether/; no
// file at all is fine.
func Load(path string) (*viper.Viper, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("tether")
	v.AddConfigPath(".")
	v.AddConfigPath(".tether")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// BindFlags binds flags to keys. A flag overrides the file and environment
// only when it was set on the command line.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag --%s to bind to %s", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

// Decode unmarshals and validates the effective configuration.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DB.Path == "" {
		errs = append(errs, fmt.Errorf("db.path cannot be empty"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Cache.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.default_ttl must be positive"))
	}
	if c.Batcher.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("batcher.max_batch_size must be at least 1"))
	}
	if c.Batcher.RedriveBackoff < 1 {
		errs = append(errs, fmt.Errorf("batcher.redrive_backoff must be at least 1"))
	}
	if c.Batcher.MaxRedrives < 0 || c.Outbox.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("batcher.max_redrives must be >= 0 and outbox.max_retries >= 1"))
	}
	return errors.Join(errs...)
}

// Render writes the effective settings of v as "toml" or "yaml".
// Durations are rendered in time.Duration notation ("30s").
func Render(v *viper.Viper, format string) ([]byte, error) {
	settings := normalize(v.AllSettings())

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
			return nil, fmt.Errorf("failed to render toml: %w", err)
		}
	case "yaml", "yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return nil, fmt.Errorf("failed to render yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to render yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %q (valid: toml, yaml)", format)
	}
	return buf.Bytes(), nil
}

// WriteFile renders v into path, choosing the format from its extension.
func WriteFile(v *viper.Viper, path string) error {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	data, err := Render(v, format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func normalize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		switch x := val.(type) {
		case map[string]any:
			out[k] = normalize(x)
		case time.Duration:
			out[k] = x.String()
		default:
			out[k] = val
		}
	}
	return out
}
