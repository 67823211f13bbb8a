package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Dispatch modes
const (
	ModeDiagnostic = "diagnostic"
	ModeStatic     = "static"
)

// Default ports per mode
const (
	DefaultDiagnosticPort = 8080
	DefaultStaticPort     = 12345
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Static  StaticConfig `yaml:"static"`
	Retry   RetryConfig  `yaml:"retry"`
	Logging LogConfig    `yaml:"logging"`
	Panel   PanelConfig  `yaml:"panel"`
}

// ServerConfig contains settings for the listener
type ServerConfig struct {
	Mode        string `yaml:"mode"`
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	ReadTimeout int    `yaml:"read_timeout"` // in milliseconds
}

// StaticConfig contains settings for the static dispatch policy
type StaticConfig struct {
	Root         string            `yaml:"root"`
	Index        string            `yaml:"index"`
	ContentTypes map[string]string `yaml:"content_types"`
}

// RetryConfig contains settings for retrying a failed bind
type RetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MaxRetries    int     `yaml:"max_retries"`
	InitialDelay  int     `yaml:"initial_delay"` // in milliseconds
	MaxDelay      int     `yaml:"max_delay"`     // in milliseconds
	BackoffFactor float64 `yaml:"backoff_factor"`
	JitterFactor  float64 `yaml:"jitter_factor"`
}

// LogConfig contains settings for logging
type LogConfig struct {
	LogToFile   bool   `yaml:"log_to_file"`
	LogFilePath string `yaml:"log_file_path"`
	MaxSize     int    `yaml:"max_size"`    // maximum size in megabytes
	MaxBackups  int    `yaml:"max_backups"` // maximum number of old log files to retain
	MaxAge      int    `yaml:"max_age"`     // maximum number of days to retain old log files
	Compress    bool   `yaml:"compress"`
}

// PanelConfig contains settings for the console panel
type PanelConfig struct {
	Color        bool `yaml:"color"`
	Preview      bool `yaml:"preview"`
	PreviewBytes int  `yaml:"preview_bytes"`
}

// LoadDefault returns a configuration with default values
func LoadDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Mode:        ModeDiagnostic,
			Bind:        "",
			Port:        DefaultDiagnosticPort,
			ReadTimeout: 5000,
		},
		Static: StaticConfig{
			Root:  ".",
			Index: "index.html",
		},
		Retry: RetryConfig{
			Enabled:       false,
			MaxRetries:    3,
			InitialDelay:  200,
			MaxDelay:      2000,
			BackoffFactor: 2.0,
			JitterFactor:  0.1,
		},
		Logging: LogConfig{
			LogToFile:   false,
			LogFilePath: "reqpanel.log",
			MaxSize:     10,
			MaxBackups:  3,
			MaxAge:      28,
			Compress:    true,
		},
		Panel: PanelConfig{
			Color:        true,
			Preview:      false,
			PreviewBytes: 512,
		},
	}
}

// Load reads configuration from a file and merges it with default values
func Load(configPath string) (*Config, error) {
	cfg := LoadDefault()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Merge server configuration
	if fileCfg.Server.Mode != "" {
		cfg.Server.Mode = fileCfg.Server.Mode
		// A static deployment without an explicit port gets the static default
		if fileCfg.Server.Mode == ModeStatic && fileCfg.Server.Port == 0 {
			cfg.Server.Port = DefaultStaticPort
		}
	}
	if fileCfg.Server.Bind != "" {
		cfg.Server.Bind = fileCfg.Server.Bind
	}
	if fileCfg.Server.Port > 0 {
		cfg.Server.Port = fileCfg.Server.Port
	}
	if fileCfg.Server.ReadTimeout > 0 {
		cfg.Server.ReadTimeout = fileCfg.Server.ReadTimeout
	}

	// Merge static configuration
	if fileCfg.Static.Root != "" {
		cfg.Static.Root = fileCfg.Static.Root
	}
	if fileCfg.Static.Index != "" {
		cfg.Static.Index = fileCfg.Static.Index
	}
	if len(fileCfg.Static.ContentTypes) > 0 {
		cfg.Static.ContentTypes = fileCfg.Static.ContentTypes
	}

	// Merge retry configuration
	if fileCfg.Retry.Enabled {
		cfg.Retry.Enabled = fileCfg.Retry.Enabled
	}
	if fileCfg.Retry.MaxRetries > 0 {
		cfg.Retry.MaxRetries = fileCfg.Retry.MaxRetries
	}
	if fileCfg.Retry.InitialDelay > 0 {
		cfg.Retry.InitialDelay = fileCfg.Retry.InitialDelay
	}
	if fileCfg.Retry.MaxDelay > 0 {
		cfg.Retry.MaxDelay = fileCfg.Retry.MaxDelay
	}
	if fileCfg.Retry.BackoffFactor > 0 {
		cfg.Retry.BackoffFactor = fileCfg.Retry.BackoffFactor
	}
	if fileCfg.Retry.JitterFactor > 0 {
		cfg.Retry.JitterFactor = fileCfg.Retry.JitterFactor
	}

	// Merge logging configuration
	if fileCfg.Logging.LogToFile {
		cfg.Logging.LogToFile = fileCfg.Logging.LogToFile
	}
	if fileCfg.Logging.LogFilePath != "" {
		cfg.Logging.LogFilePath = fileCfg.Logging.LogFilePath
	}
	if fileCfg.Logging.MaxSize > 0 {
		cfg.Logging.MaxSize = fileCfg.Logging.MaxSize
	}
	if fileCfg.Logging.MaxBackups > 0 {
		cfg.Logging.MaxBackups = fileCfg.Logging.MaxBackups
	}
	if fileCfg.Logging.MaxAge > 0 {
		cfg.Logging.MaxAge = fileCfg.Logging.MaxAge
	}
	if fileCfg.Logging.Compress {
		cfg.Logging.Compress = fileCfg.Logging.Compress
	}

	// Merge panel configuration. Color defaults to on and yaml cannot tell an
	// omitted bool from false, so only the preview switches are merged.
	if fileCfg.Panel.Preview {
		cfg.Panel.Preview = fileCfg.Panel.Preview
	}
	if fileCfg.Panel.PreviewBytes > 0 {
		cfg.Panel.PreviewBytes = fileCfg.Panel.PreviewBytes
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the listener cannot work with
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeDiagnostic, ModeStatic:
	default:
		return fmt.Errorf("invalid server mode %q: must be %q or %q", c.Server.Mode, ModeDiagnostic, ModeStatic)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.Mode == ModeStatic && c.Static.Index == "" {
		return fmt.Errorf("static mode requires an index resource name")
	}
	return nil
}

// ApplyEnv applies environment overrides on top of file and default values
func ApplyEnv(cfg *Config) {
	if envPort := os.Getenv("REQPANEL_PORT"); envPort != "" {
		if port, err := strconv.Atoi(envPort); err == nil {
			cfg.Server.Port = port
		}
	}
}
