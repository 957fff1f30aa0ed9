package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine" toml:"engine" json:"engine"`
	Resource ResourceConfig `yaml:"resource" toml:"resource" json:"resource"`
	Images   ImageConfig    `yaml:"images" toml:"images" json:"images"`
	Profiler ProfilerConfig `yaml:"profiler" toml:"profiler" json:"profiler"`
	Shell    ShellConfig    `yaml:"shell" toml:"shell" json:"shell"`
	Session  SessionConfig  `yaml:"session" toml:"session" json:"session"`
	Logging  LogConfig      `yaml:"logging" toml:"logging" json:"logging"`
}

// EngineConfig holds constellation and layout settings.
type EngineConfig struct {
	InitialURLs    []string      `envconfig:"INITIAL_URLS" yaml:"initial_urls" toml:"initial_urls" json:"initial_urls"`
	ViewportWidth  int           `envconfig:"VIEWPORT_WIDTH" yaml:"viewport_width" toml:"viewport_width" json:"viewport_width"`
	ViewportHeight int           `envconfig:"VIEWPORT_HEIGHT" yaml:"viewport_height" toml:"viewport_height" json:"viewport_height"`
	HistoryDepth   int           `envconfig:"HISTORY_DEPTH" yaml:"history_depth" toml:"history_depth" json:"history_depth"`
	ParallelLayout bool          `envconfig:"PARALLEL_LAYOUT" yaml:"parallel_layout" toml:"parallel_layout" json:"parallel_layout"`
	LayoutWorkers  int           `envconfig:"LAYOUT_WORKERS" yaml:"layout_workers" toml:"layout_workers" json:"layout_workers"`
	ScriptTimeout  time.Duration `envconfig:"SCRIPT_TIMEOUT" yaml:"script_timeout" toml:"script_timeout" json:"script_timeout"`
	ExitGrace      time.Duration `envconfig:"EXIT_GRACE" yaml:"exit_grace" toml:"exit_grace" json:"exit_grace"`
}

// ResourceConfig holds fetch stack settings.
type ResourceConfig struct {
	Timeout     time.Duration `envconfig:"RESOURCE_TIMEOUT" yaml:"timeout" toml:"timeout" json:"timeout"`
	Retries     int           `envconfig:"RESOURCE_RETRIES" yaml:"retries" toml:"retries" json:"retries"`
	HostRPS     float64       `envconfig:"RESOURCE_HOST_RPS" yaml:"host_rps" toml:"host_rps" json:"host_rps"`
	HostBurst   int           `envconfig:"RESOURCE_HOST_BURST" yaml:"host_burst" toml:"host_burst" json:"host_burst"`
	UserAgent   string        `envconfig:"USER_AGENT" yaml:"user_agent" toml:"user_agent" json:"user_agent"`
	MaxBodySize int64         `envconfig:"RESOURCE_MAX_BODY" yaml:"max_body_size" toml:"max_body_size" json:"max_body_size"`
	Blocklist   []string      `envconfig:"RESOURCE_BLOCKLIST" yaml:"blocklist" toml:"blocklist" json:"blocklist"`
	FileRoot    string        `envconfig:"RESOURCE_FILE_ROOT" yaml:"file_root" toml:"file_root" json:"file_root"`
}

// ImageConfig holds image cache settings.
type ImageConfig struct {
	MemoryBudget int64  `envconfig:"IMAGE_MEMORY_BUDGET" yaml:"memory_budget" toml:"memory_budget" json:"memory_budget"`
	DiskDir      string `envconfig:"IMAGE_DISK_DIR" yaml:"disk_dir" toml:"disk_dir" json:"disk_dir"`
	DiskBudget   int64  `envconfig:"IMAGE_DISK_BUDGET" yaml:"disk_budget" toml:"disk_budget" json:"disk_budget"`
}

// ProfilerConfig holds timing profiler settings.
type ProfilerConfig struct {
	Enabled bool          `envconfig:"PROFILER_ENABLED" yaml:"enabled" toml:"enabled" json:"enabled"`
	Period  time.Duration `envconfig:"PROFILER_PERIOD" yaml:"period" toml:"period" json:"period"`
	Buffer  int           `envconfig:"PROFILER_BUFFER" yaml:"buffer" toml:"buffer" json:"buffer"`
}

// ShellConfig holds the debug shell surface settings.
type ShellConfig struct {
	Enabled bool   `envconfig:"SHELL_ENABLED" yaml:"enabled" toml:"enabled" json:"enabled"`
	Addr    string `envconfig:"SHELL_ADDR" yaml:"addr" toml:"addr" json:"addr"`
}

// SessionConfig holds session snapshot settings.
type SessionConfig struct {
	Path    string `envconfig:"SESSION_PATH" yaml:"path" toml:"path" json:"path"`
	Restore bool   `envconfig:"SESSION_RESTORE" yaml:"restore" toml:"restore" json:"restore"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level" toml:"level" json:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development" toml:"development" json:"development"`
}

// Load resolves configuration: defaults, then the optional file at path,
// then SKEIN_* environment overrides. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := envconfig.Process("skein", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load("")
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ViewportWidth:  800,
			ViewportHeight: 600,
			HistoryDepth:   8,
			ParallelLayout: true,
			LayoutWorkers:  0, // 0 means GOMAXPROCS
			ScriptTimeout:  5 * time.Second,
			ExitGrace:      2 * time.Second,
		},
		Resource: ResourceConfig{
			Timeout:     30 * time.Second,
			Retries:     2,
			HostRPS:     8,
			HostBurst:   16,
			UserAgent:   "Mozilla/5.0 (compatible; Skein/0.1; +https://github.com/skeinweb/skein)",
			MaxBodySize: 10 * 1024 * 1024,
		},
		Images: ImageConfig{
			MemoryBudget: 64 * 1024 * 1024,
			DiskBudget:   256 * 1024 * 1024,
		},
		Profiler: ProfilerConfig{
			Enabled: true,
			Period:  10 * time.Second,
			Buffer:  1024,
		},
		Shell: ShellConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9100",
		},
		Session: SessionConfig{},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.Engine.ViewportWidth <= 0 || c.Engine.ViewportHeight <= 0 {
		return fmt.Errorf("config: viewport must be positive, got %dx%d",
			c.Engine.ViewportWidth, c.Engine.ViewportHeight)
	}
	if c.Engine.HistoryDepth < 1 {
		return fmt.Errorf("config: history depth must be at least 1, got %d", c.Engine.HistoryDepth)
	}
	if c.Resource.Timeout <= 0 {
		return fmt.Errorf("config: resource timeout must be positive, got %s", c.Resource.Timeout)
	}
	if c.Resource.MaxBodySize <= 0 {
		return fmt.Errorf("config: max body size must be positive, got %d", c.Resource.MaxBodySize)
	}
	if c.Profiler.Buffer < 1 {
		return fmt.Errorf("config: profiler buffer must be at least 1, got %d", c.Profiler.Buffer)
	}
	return nil
}
