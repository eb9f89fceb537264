// Package config holds the subsonic client configuration: where the scan
// server lives, how the connection behaves, default scan options, logging and
// the optional metrics exporter.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/subsonic/internal/errors"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete client configuration
type Config struct {
	// Scan server connection
	Server ServerConfig `yaml:"server" json:"server"`

	// Default scan options
	Scan ScanConfig `yaml:"scan" json:"scan"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics exporter
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ServerConfig holds the real-time connection settings
type ServerConfig struct {
	// Base URL of the scan server; the scheme picks ws or wss
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// WebSocket endpoint path
	Path string `yaml:"path" json:"path" validate:"required,startswith=/"`

	// Fixed delay between reconnection attempts
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay" validate:"gt=0"`

	// Timeout for the WebSocket handshake
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout" validate:"gt=0"`

	// Deadline for writing a single frame
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gt=0"`
}

// ScanConfig holds the defaults used when a scan is started from the CLI
type ScanConfig struct {
	Concurrency int  `yaml:"concurrency" json:"concurrency" validate:"gte=1"`
	Adaptive    bool `yaml:"adaptive" json:"adaptive"`

	// Upper bound on queries per second; 0 lets the server decide
	MaxQPS      int  `yaml:"max_qps" json:"max_qps" validate:"gte=0"`
	EnableRetry bool `yaml:"enable_retry" json:"enable_retry"`

	// Server-side wordlist used when no inline list is given
	WordlistKey string `yaml:"wordlist_key" json:"wordlist_key"`

	// Resolvers to use instead of the server defaults
	DNSServers []string `yaml:"dns_servers" json:"dns_servers" validate:"dive,ip|hostname_port"`

	// Message shown while waiting for the first status update
	StartingMessage string `yaml:"starting_message" json:"starting_message"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig holds the Prometheus exporter settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"omitempty,hostname_port"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:              "http://localhost:8080",
			Path:             "/ws",
			ReconnectDelay:   3 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Scan: ScanConfig{
			Concurrency:     100,
			Adaptive:        true,
			MaxQPS:          0,
			EnableRetry:     true,
			WordlistKey:     "common_speak",
			DNSServers:      []string{},
			StartingMessage: "Starting scan...",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	// #nosec G304 - path comes from the operator's --config flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 also accepts JSON documents
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names so errors match what the user wrote.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return errors.ErrConfigInvalid(field, fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "configuration validation failed", err)
	}

	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return errors.ErrConfigInvalid("server.url", c.Server.URL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.ErrConfigInvalid("server.url", c.Server.URL)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"listen address is required when metrics are enabled", "metrics.listen_addr", "")
	}

	return nil
}

// GetLogOutput returns the log output destination
func (c *Config) GetLogOutput() string {
	return c.Logging.Output
}
