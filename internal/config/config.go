// Package config loads the toolhub configuration from file, environment
// and defaults, in that order of increasing precedence for the
// environment and decreasing for the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"toolhub/internal/observability"
	"toolhub/internal/router"
)

// WorkerConfig controls the worker runtime and its host-side transport.
type WorkerConfig struct {
	// Servers are loaded into the worker at startup.
	Servers []string `yaml:"servers" mapstructure:"servers"`
	// CallTimeout bounds each request crossing the worker boundary.
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	// Command runs the worker as a subprocess over stdio instead of
	// in-process. Empty means in-process.
	Command string   `yaml:"command,omitempty" mapstructure:"command"`
	Args    []string `yaml:"args,omitempty" mapstructure:"args"`
}

// LocalConfig controls the in-process services.
type LocalConfig struct {
	// FilesystemRoot confines the filesystem service; empty disables it.
	FilesystemRoot string `yaml:"filesystem_root" mapstructure:"filesystem_root"`
	// MemorySnapshot is where the memory service persists on unload;
	// empty keeps it purely in-memory.
	MemorySnapshot string `yaml:"memory_snapshot" mapstructure:"memory_snapshot"`
}

// HTTPConfig controls the HTTP facade.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
	// AllowOrigins feeds the CORS middleware; empty allows none.
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins"`
}

// Config is the root configuration.
type Config struct {
	Prefix   string                      `yaml:"prefix" mapstructure:"prefix"`
	LogLevel string                      `yaml:"log_level" mapstructure:"log_level"`
	Worker   WorkerConfig                `yaml:"worker" mapstructure:"worker"`
	Local    LocalConfig                 `yaml:"local" mapstructure:"local"`
	Cache    router.CacheConfig          `yaml:"cache" mapstructure:"cache"`
	HTTP     HTTPConfig                  `yaml:"http" mapstructure:"http"`
	Metrics  observability.MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing  observability.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// Default returns the configuration used when no file or environment
// overrides anything.
func Default() Config {
	return Config{
		Prefix:   "builtin.",
		LogLevel: "info",
		Worker: WorkerConfig{
			Servers:     []string{"calculator", "todo", "clock"},
			CallTimeout: 30 * time.Second,
		},
		Local: LocalConfig{
			FilesystemRoot: ".",
		},
		Cache: router.DefaultCacheConfig(),
		HTTP: HTTPConfig{
			Addr: ":8420",
		},
		Tracing: observability.TracingConfig{
			Exporter:    "otlp",
			ServiceName: "toolhub",
		},
	}
}

// Load reads the configuration. An explicit path must exist; otherwise
// .toolhub.yaml is searched in the working directory and $HOME, and a
// missing file just means defaults. Environment variables use the
// TOOLHUB_ prefix with underscores for nesting (TOOLHUB_WORKER_CALL_TIMEOUT).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(".toolhub")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	v.SetEnvPrefix("TOOLHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("prefix", defaults.Prefix)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("worker.servers", defaults.Worker.Servers)
	v.SetDefault("worker.call_timeout", defaults.Worker.CallTimeout)
	v.SetDefault("local.filesystem_root", defaults.Local.FilesystemRoot)
	v.SetDefault("cache.max_size", defaults.Cache.MaxSize)
	v.SetDefault("cache.ttl", defaults.Cache.TTL)
	v.SetDefault("cache.exclude_tools", defaults.Cache.ExcludeTools)
	v.SetDefault("http.addr", defaults.HTTP.Addr)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if err := v.ReadInConfig(); err != nil {
		_, searchMiss := err.(viper.ConfigFileNotFoundError)
		if path != "" || !searchMiss {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// WriteDefault renders the default configuration as YAML at path,
// refusing to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
