package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mail store core.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	TLS      TLSConfig      `koanf:"tls"`
	Storage  StorageConfig  `koanf:"storage"`
	Logging  LoggingConfig  `koanf:"logging"`
	Notifier NotifierConfig `koanf:"notifier"`
	Counter  CounterConfig  `koanf:"counter"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// ServerConfig holds IMAP listener configuration.
type ServerConfig struct {
	Hostname        string `koanf:"hostname"`         // mail.example.com, used in greetings/logging only
	IMAPPort        int    `koanf:"imap_port"`        // 143 for STARTTLS
	IMAPSPort       int    `koanf:"imaps_port"`       // 993 for implicit TLS
	ShutdownTimeout string `koanf:"shutdown_timeout"` // graceful shutdown timeout
}

// TLSConfig holds manual TLS certificate configuration.
type TLSConfig struct {
	CertFile string `koanf:"cert_file"` // certificate path
	KeyFile  string `koanf:"key_file"`  // private key path
}

// StorageConfig holds storage paths configuration.
type StorageConfig struct {
	DataDir      string `koanf:"data_dir"`      // base data directory
	DatabasePath string `koanf:"database_path"` // SQLite database path
	AttachDir    string `koanf:"attach_dir"`    // content-addressed attachment blob directory
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// NotifierConfig holds the cross-process notification bus configuration.
type NotifierConfig struct {
	RedisURL string `koanf:"redis_url"` // Redis connection URL for pub/sub fanout; empty disables cross-process wakeup
}

// CounterConfig holds Counter Service tuning (spec §2/§5).
type CounterConfig struct {
	ReservationTTL string `koanf:"reservation_ttl"` // TTL of the Notifier's cached unseen counts; its Counter Service also sweeps expired entries on this period
	SweepInterval  string `koanf:"sweep_interval"`  // parsed by SweepInterval(); not read by the server
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"` // e.g. 127.0.0.1:9090
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:        "localhost",
			IMAPPort:        143,
			IMAPSPort:       993,
			ShutdownTimeout: "30s",
		},
		Storage: StorageConfig{
			DataDir:      "/var/lib/mailcore",
			DatabasePath: "/var/lib/mailcore/mail.db",
			AttachDir:    "/var/lib/mailcore/attachments",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Notifier: NotifierConfig{
			RedisURL: "redis://localhost:6379/0",
		},
		Counter: CounterConfig{
			ReservationTTL: "30s",
			SweepInterval:  "10s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9090",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// for anything the file doesn't set.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}

	if err := c.validatePorts(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		return fmt.Errorf("tls.key_file is required when tls.cert_file is set")
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		return fmt.Errorf("tls.cert_file is required when tls.key_file is set")
	}
	if c.TLS.CertFile != "" {
		if err := validateFileReadable(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file: %w", err)
		}
	}
	if c.TLS.KeyFile != "" {
		if err := validateFileReadable(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file: %w", err)
		}
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics is enabled")
	}

	return nil
}

// validatePorts ensures the IMAP listener ports are valid and distinct.
func (c *Config) validatePorts() error {
	ports := map[string]int{
		"server.imap_port":  c.Server.IMAPPort,
		"server.imaps_port": c.Server.IMAPSPort,
	}

	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535 (got: %d)", name, port)
		}
	}

	if c.Server.IMAPPort == c.Server.IMAPSPort {
		return fmt.Errorf("server.imap_port and server.imaps_port must differ")
	}

	return nil
}

// validateStorage ensures all storage paths are valid.
func (c *Config) validateStorage() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Storage.AttachDir == "" {
		return fmt.Errorf("storage.attach_dir is required")
	}

	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("storage.data_dir must be an absolute path (got: %s)", c.Storage.DataDir)
	}
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path (got: %s)", c.Storage.DatabasePath)
	}
	if !filepath.IsAbs(c.Storage.AttachDir) {
		return fmt.Errorf("storage.attach_dir must be an absolute path (got: %s)", c.Storage.AttachDir)
	}

	return nil
}

// validateTimeouts ensures all timeout/duration configurations parse.
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"counter.reservation_ttl": c.Counter.ReservationTTL,
		"counter.sweep_interval":  c.Counter.SweepInterval,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}

		if name == "server.shutdown_timeout" && duration > 5*time.Minute {
			return fmt.Errorf("%s is too long, maximum is 5m (got: %s)", name, timeout)
		}
	}

	return nil
}

// validateFileReadable checks if a file exists and is readable.
func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// EnsureDirectories creates necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.AttachDir,
		filepath.Dir(c.Storage.DatabasePath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ReservationTTL parses Counter.ReservationTTL, defaulting to 30s.
func (c *Config) ReservationTTL() time.Duration {
	if d, err := time.ParseDuration(c.Counter.ReservationTTL); err == nil {
		return d
	}
	return 30 * time.Second
}

// SweepInterval parses Counter.SweepInterval, defaulting to 10s.
func (c *Config) SweepInterval() time.Duration {
	if d, err := time.ParseDuration(c.Counter.SweepInterval); err == nil {
		return d
	}
	return 10 * time.Second
}
