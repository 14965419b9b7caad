// Package config handles hub configuration from a file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DomainConfig adds a row to the domain handler table.
type DomainConfig struct {
	Name          string `yaml:"name" toml:"name"`
	NotifyType    string `yaml:"notify_type" toml:"notify_type"`       // default "<name>notify"
	RequestSuffix string `yaml:"request_suffix" toml:"request_suffix"` // default "Request"
	ResultSuffix  string `yaml:"result_suffix" toml:"result_suffix"`   // default "Result"
}

// Config holds all hub configuration.
type Config struct {
	// Server
	ListenAddr     string   `yaml:"listen_addr" toml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // empty allows any origin

	// Logging
	LogLevel  string `yaml:"log_level" toml:"log_level"`   // debug, info, warn, error
	LogFormat string `yaml:"log_format" toml:"log_format"` // console or json

	// Journal
	DatabasePath string `yaml:"database_path" toml:"database_path"` // empty disables the journal
	JournalQueue int    `yaml:"journal_queue" toml:"journal_queue"`

	// Requests
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	FallbackPolicy string        `yaml:"fallback_policy" toml:"fallback_policy"`

	// Connections
	SendTimeout    time.Duration `yaml:"send_timeout" toml:"send_timeout"`
	SendBuffer     int           `yaml:"send_buffer" toml:"send_buffer"`
	MaxMessageSize int64         `yaml:"max_message_size" toml:"max_message_size"`

	// Handshakes per remote IP within HandshakeWindow; 0 disables the limit.
	HandshakeLimit  int           `yaml:"handshake_limit" toml:"handshake_limit"`
	HandshakeWindow time.Duration `yaml:"handshake_window" toml:"handshake_window"`

	Domains []DomainConfig `yaml:"domains" toml:"domains"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8700",
		LogLevel:       "info",
		LogFormat:      "console",
		JournalQueue:   1024,
		RequestTimeout: 5 * time.Minute,
		SweepInterval:  30 * time.Second,
		FallbackPolicy: "single",
		SendTimeout:    5 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 16 << 20,

		HandshakeWindow: time.Minute,
	}
}

// Load reads the optional config file at path, then applies AGENTHUB_*
// environment overrides and validates the result. The file format is chosen
// by extension: .yaml/.yml or .toml. ${VAR} references are expanded.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("AGENTHUB_LISTEN", c.ListenAddr)
	c.LogLevel = getEnv("AGENTHUB_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("AGENTHUB_LOG_FORMAT", c.LogFormat)
	c.DatabasePath = getEnv("AGENTHUB_DB_PATH", c.DatabasePath)
	c.JournalQueue = parseInt("AGENTHUB_JOURNAL_QUEUE", c.JournalQueue)
	c.RequestTimeout = parseDuration("AGENTHUB_REQUEST_TIMEOUT", c.RequestTimeout)
	c.SweepInterval = parseDuration("AGENTHUB_SWEEP_INTERVAL", c.SweepInterval)
	c.FallbackPolicy = getEnv("AGENTHUB_FALLBACK_POLICY", c.FallbackPolicy)
	c.SendTimeout = parseDuration("AGENTHUB_SEND_TIMEOUT", c.SendTimeout)
	c.SendBuffer = parseInt("AGENTHUB_SEND_BUFFER", c.SendBuffer)
	c.MaxMessageSize = int64(parseInt("AGENTHUB_MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))
	c.HandshakeLimit = parseInt("AGENTHUB_HANDSHAKE_LIMIT", c.HandshakeLimit)
	c.HandshakeWindow = parseDuration("AGENTHUB_HANDSHAKE_WINDOW", c.HandshakeWindow)
	if origins := parseOrigins("AGENTHUB_ALLOWED_ORIGINS"); origins != nil {
		c.AllowedOrigins = origins
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "listen_addr is required")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil || c.LogLevel == "" {
		errs = append(errs, fmt.Sprintf("log_level %q is not a valid level", c.LogLevel))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log_format %q must be console or json", c.LogFormat))
	}
	switch strings.ToLower(c.FallbackPolicy) {
	case "drop", "single", "broadcast":
	default:
		errs = append(errs, fmt.Sprintf("fallback_policy %q must be drop, single or broadcast", c.FallbackPolicy))
	}
	if c.RequestTimeout < time.Second {
		errs = append(errs, "request_timeout must be at least 1s")
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, "sweep_interval must be positive")
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, "send_timeout must be positive")
	}
	if c.SendBuffer < 1 {
		errs = append(errs, "send_buffer must be at least 1")
	}
	if c.MaxMessageSize < 1024 {
		errs = append(errs, "max_message_size must be at least 1024 bytes")
	}
	if c.HandshakeLimit < 0 {
		errs = append(errs, "handshake_limit must not be negative")
	}
	if c.HandshakeLimit > 0 && c.HandshakeWindow <= 0 {
		errs = append(errs, "handshake_window must be positive when handshake_limit is set")
	}

	seen := make(map[string]bool)
	for i, d := range c.Domains {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Sprintf("domains[%d]: name is required", i))
		case seen[d.Name]:
			errs = append(errs, fmt.Sprintf("domains[%d]: duplicate domain %q", i, d.Name))
		}
		seen[d.Name] = true
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Level returns the zerolog level for LogLevel.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
