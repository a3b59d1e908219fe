// Package config loads the swegraph configuration file and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "swegraph.yaml"

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
)

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderMock      = "mock"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// DSN is the SQLite file path or the MySQL data source name.
	DSN       string        `yaml:"dsn"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	Password  string        `yaml:"password"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
	// Keep is the number of checkpoints retained per session when pruning.
	// Zero keeps everything.
	Keep int `yaml:"keep"`
}

// ModelConfig selects the generation provider.
type ModelConfig struct {
	Provider   string        `yaml:"provider"`
	Name       string        `yaml:"name"`
	APIKey     string        `yaml:"api_key"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EngineConfig holds engine limits.
type EngineConfig struct {
	MaxSteps    int           `yaml:"max_steps"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the swegraph configuration.
type Config struct {
	Log       LogConfig    `yaml:"log"`
	Store     StoreConfig  `yaml:"store"`
	Model     ModelConfig  `yaml:"model"`
	Engine    EngineConfig `yaml:"engine"`
	Server    ServerConfig `yaml:"server"`
	OutputDir string       `yaml:"output_dir"`
	// Tracing enables the OpenTelemetry emitter.
	Tracing bool `yaml:"tracing"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Store:  StoreConfig{Backend: BackendMemory, Prefix: "swegraph"},
		Model:  ModelConfig{Provider: ProviderAnthropic, MaxRetries: 2, Timeout: 5 * time.Minute},
		Engine: EngineConfig{MaxSteps: 100},
		Server: ServerConfig{Addr: ":8080"},

		OutputDir: "output",
	}
}

// Load reads path, applies defaults and environment overrides, and
// validates the result. A missing file at DefaultPath is not an error.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML data on top of the defaults without consulting the
// environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = d.Store.Prefix
	}
	if c.Model.Provider == "" {
		c.Model.Provider = d.Model.Provider
	}
	if c.Engine.MaxSteps == 0 {
		c.Engine.MaxSteps = d.Engine.MaxSteps
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
}

// applyEnv overrides file values with SWEGRAPH_* variables and the
// provider API key variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SWEGRAPH_STORE", &c.Store.Backend)
	str("SWEGRAPH_DSN", &c.Store.DSN)
	str("SWEGRAPH_REDIS_ADDR", &c.Store.RedisAddr)
	str("SWEGRAPH_PROVIDER", &c.Model.Provider)
	str("SWEGRAPH_MODEL", &c.Model.Name)
	str("SWEGRAPH_OUTPUT_DIR", &c.OutputDir)
	str("SWEGRAPH_LOG_LEVEL", &c.Log.Level)
	str("SWEGRAPH_LOG_FORMAT", &c.Log.Format)
	str("SWEGRAPH_ADDR", &c.Server.Addr)

	if v, ok := lookup("SWEGRAPH_MAX_STEPS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SWEGRAPH_MAX_STEPS: %w", err)
		}
		c.Engine.MaxSteps = n
	}

	if c.Model.APIKey == "" {
		if key := APIKeyEnv(c.Model.Provider); key != "" {
			str(key, &c.Model.APIKey)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Model.Provider = strings.ToLower(strings.TrimSpace(c.Model.Provider))
	c.Model.Name = strings.TrimSpace(c.Model.Name)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend)
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.TTL < 0 || c.Store.Keep < 0 {
		return errors.New("store.ttl and store.keep cannot be negative")
	}

	switch c.Model.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderMock:
	default:
		return fmt.Errorf("unknown model.provider %q", c.Model.Provider)
	}
	if c.Model.MaxRetries < 0 || c.Model.Timeout < 0 {
		return errors.New("model.max_retries and model.timeout cannot be negative")
	}

	if c.Engine.MaxSteps < 1 {
		return fmt.Errorf("engine.max_steps must be >= 1, got %d", c.Engine.MaxSteps)
	}
	if c.Engine.StepTimeout < 0 {
		return errors.New("engine.step_timeout cannot be negative")
	}
	return nil
}

// APIKeyEnv returns the environment variable holding the API key of a
// provider, or "" for providers without one.
func APIKeyEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGoogle:
		return "GOOGLE_API_KEY"
	}
	return ""
}
